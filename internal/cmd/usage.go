package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/dotcommander/yagent/internal/present"
)

func useLine(cmd *cobra.Command) string {
	styles := present.StdoutStyles()
	if cmd.HasParent() {
		return cmd.UseLine()
	}

	appName := filepath.Base(os.Args[0])
	if present.StdoutRenderer().ColorProfile() == termenv.TrueColor {
		appName = present.MakeGradientText(styles.AppName, appName)
	}
	return fmt.Sprintf(
		"%s %s",
		appName,
		styles.CliArgs.Render("[OPTIONS] [PROMPT]"),
	)
}

func usageFunc(cmd *cobra.Command) error {
	styles := present.StdoutStyles()
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Usage:\n  %s\n\n", useLine(cmd))
	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(w, "Commands:")
		for _, sub := range cmd.Commands() {
			if !sub.IsAvailableCommand() {
				continue
			}
			fmt.Fprintf(w, "  %-44s %s\n", styles.Flag.Render(sub.Name()), styles.FlagDesc.Render(sub.Short))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Options:")
	cmd.Flags().VisitAll(func(f *flag.Flag) {
		if f.Hidden {
			return
		}
		if f.Shorthand == "" {
			fmt.Fprintf(
				w,
				"  %-44s %s\n",
				styles.Flag.Render("--"+f.Name),
				styles.FlagDesc.Render(f.Usage),
			)
		} else {
			fmt.Fprintf(
				w,
				"  %s%s %-40s %s\n",
				styles.Flag.Render("-"+f.Shorthand),
				styles.FlagComma,
				styles.Flag.Render("--"+f.Name),
				styles.FlagDesc.Render(f.Usage),
			)
		}
	})
	if example, ok := examples[cmd.Example]; ok {
		fmt.Fprintf(
			w,
			"\nExample:\n  %s\n  %s\n",
			styles.Comment.Render("# "+cmd.Example),
			cheapHighlighting(styles, example),
		)
	}
	return nil
}
