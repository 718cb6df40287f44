package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Editing works even when the settings file does not parse.
			return editSettings(cmd.ErrOrStderr(), &rt.cfg)
		},
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "edit",
		Short: "Open settings in $EDITOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return editSettings(cmd.ErrOrStderr(), &rt.cfg)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset settings to defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return resetSettings(cmd.ErrOrStderr(), &rt.cfg)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			checkSettings(cmd.OutOrStdout(), &rt.cfg)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:       "dirs [config|cache]",
		Short:     "Print config and cache directories",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"config", "cache"},
		RunE: func(cmd *cobra.Command, args []string) error {
			printDirs(cmd.OutOrStdout(), &rt.cfg, args)
			return nil
		},
	})

	return configCmd
}

func editSettings(w io.Writer, cfg *config.Config) error {
	if err := config.WriteConfigFile(cfg.SettingsPath); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	c, err := editor.Cmd(filepath.Base(os.Args[0]), cfg.SettingsPath)
	if err != nil {
		return errs.Wrap(err, "Could not edit your settings file.")
	}
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return errs.Wrap(err, fmt.Sprintf(
			"Missing %s.",
			present.StderrStyles().InlineCode.Render("$EDITOR"),
		))
	}

	if !cfg.Quiet {
		fmt.Fprintln(w, "Wrote config file to:", cfg.SettingsPath)
	}
	return nil
}

func resetSettings(w io.Writer, cfg *config.Config) error {
	content, err := os.ReadFile(cfg.SettingsPath)
	if err != nil {
		return errs.Wrap(err, "Couldn't read config file.")
	}
	backup := cfg.SettingsPath + ".bak"
	if err := os.WriteFile(backup, content, 0o600); err != nil {
		return errs.Wrap(err, "Couldn't backup config file.")
	}
	if err := os.Remove(cfg.SettingsPath); err != nil {
		return errs.Wrap(err, "Couldn't remove config file.")
	}
	if err := config.WriteConfigFile(cfg.SettingsPath); err != nil {
		return errs.Wrap(err, "Couldn't write new config file.")
	}

	if !cfg.Quiet {
		fmt.Fprintln(w, "\nSettings restored to defaults!")
		fmt.Fprintf(
			w,
			"\n  %s %s\n\n",
			present.StderrStyles().Comment.Render("Your old settings have been saved to:"),
			present.StderrStyles().Link.Render(backup),
		)
	}
	return nil
}

func checkSettings(w io.Writer, cfg *config.Config) {
	styles := present.StdoutStyles()
	def, err := cfg.Agent("")
	defName := styles.Comment.Render("none")
	if err == nil {
		defName = def.ID
	}
	fmt.Fprintf(w, "Settings: %s\n", styles.Link.Render(cfg.SettingsPath))
	fmt.Fprintf(w, "  agents: %d (default: %s)\n", len(cfg.Agents), defName)
	fmt.Fprintf(w, "  endpoints: %d\n", len(cfg.Endpoints))
	fmt.Fprintf(w, "  mcp servers: %d (%d active)\n", len(cfg.MCPServers), len(cfg.ActiveServers()))
	if cfg.MaxToolRounds <= 0 {
		fmt.Fprintf(w, "  %s\n", styles.ToolError.Render("max-tool-rounds is not set; turns will be refused"))
	} else {
		fmt.Fprintf(w, "  max tool rounds: %d\n", cfg.MaxToolRounds)
	}
}

func printDirs(w io.Writer, cfg *config.Config, args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "config":
			fmt.Fprintln(w, filepath.Dir(cfg.SettingsPath))
			return
		case "cache":
			fmt.Fprintln(w, cfg.CachePath)
			return
		}
	}

	fmt.Fprintf(w, "Configuration: %s\n", filepath.Dir(cfg.SettingsPath))
	//nolint:mnd
	fmt.Fprintf(w, "%*sCache: %s\n", 8, " ", cfg.CachePath)
}
