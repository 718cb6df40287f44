package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	timeago "github.com/caarlos0/timea.go"
	"github.com/charmbracelet/huh"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/storage"
)

func newHistoryCmd(rt *runtime) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}

	historyCmd.AddCommand(newHistoryListCmd(rt))
	historyCmd.AddCommand(newHistoryShowCmd(rt))
	historyCmd.AddCommand(newHistoryDeleteCmd(rt))
	historyCmd.AddCommand(newHistoryPruneCmd(rt))

	return historyCmd
}

// openStore opens the conversation store for the history commands.
func (rt *runtime) openStore() (*storage.Store, error) {
	if rt.cfgErr != nil {
		return nil, rt.cfgErr
	}
	store, err := storage.OpenStore(rt.cfg.CachePath)
	if err != nil {
		return nil, errs.Wrap(err, "Could not open the conversation store.")
	}
	return store, nil
}

func newHistoryListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			conversations := store.DB.List()
			if len(conversations) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No conversations found.")
				return nil
			}
			if present.IsInputTTY() && present.IsOutputTTY() && !rt.cfg.Raw {
				return selectFromList(cmd.OutOrStdout(), conversations)
			}
			printList(cmd.OutOrStdout(), conversations)
			return nil
		},
	}
}

func newHistoryShowCmd(rt *runtime) *cobra.Command {
	var last bool
	showCmd := &cobra.Command{
		Use:   "show [id-or-title]",
		Short: "Show a saved conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drainStdin()
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			var in string
			if len(args) == 1 {
				in = args[0]
			}
			if in == "" && !last {
				return errs.Wrap(errs.UserErrorf("give an id or title, or use --last"), "Which conversation?")
			}
			rec, err := findConversation(store.DB, in, last)
			if err != nil {
				return errs.Wrap(err, "Could not find the conversation.")
			}
			return showConversation(cmd.OutOrStdout(), store, rec.ID, rt.cfg.Raw, rt.cfg.WordWrap)
		},
	}
	showCmd.Flags().BoolVarP(&last, "last", "l", false, "Show the last saved conversation")
	showCmd.ValidArgsFunction = func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return conversationCompletions(rt.cfg.CachePath, toComplete), cobra.ShellCompDirectiveNoFileComp
	}
	return showCmd
}

func showConversation(w io.Writer, store *storage.Store, id string, raw bool, wordWrap int) error {
	conv, err := store.Load(id)
	if err != nil {
		return errs.Wrap(err, "There was an error loading the conversation.")
	}
	out := conv.String()
	if present.IsOutputTTY() && !raw {
		formatted, err := present.RenderMarkdownForTTY(out, wordWrap)
		if err == nil {
			out = formatted
		}
	}
	_, _ = io.WriteString(w, out)
	return nil
}

func newHistoryDeleteCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id-or-title> [more...]",
		Short: "Delete saved conversations",
		Args:  cobra.MinimumNArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return conversationCompletions(rt.cfg.CachePath, toComplete), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			for _, target := range args {
				rec, err := store.DB.Find(target)
				if err != nil {
					return errs.Wrap(err, "Couldn't find conversation to delete.")
				}
				if err := deleteConversation(cmd.ErrOrStderr(), store, rec, rt.cfg.Quiet); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newHistoryPruneCmd(rt *runtime) *cobra.Command {
	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errs.Wrap(errs.UserErrorf("missing --older-than"), "Could not delete old conversations.")
			}
			store, err := rt.openStore()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			return pruneConversations(cmd.OutOrStdout(), cmd.ErrOrStderr(), store, olderThan, rt.cfg.Quiet)
		},
	}
	pruneCmd.Flags().Var(newDurationFlag(olderThan, &olderThan), "older-than", "Duration to prune; e.g. 24h, 7d")
	return pruneCmd
}

func pruneConversations(out, errOut io.Writer, store *storage.Store, olderThan time.Duration, quiet bool) error {
	conversations := store.DB.ListOlderThan(olderThan)
	if len(conversations) == 0 {
		if !quiet {
			fmt.Fprintln(errOut, "No conversations found.")
		}
		return nil
	}

	if !quiet {
		printList(out, conversations)

		if !present.IsOutputTTY() || !present.IsInputTTY() {
			fmt.Fprintln(errOut)
			//nolint:wrapcheck
			return errs.UserErrorf(
				"To delete the conversations above, run: %s",
				strings.Join(append(os.Args, "--quiet"), " "),
			)
		}
		var confirm bool
		if err := huh.Run(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete conversations older than %s?", olderThan)).
				Description(fmt.Sprintf("This will delete all the %d conversations listed above.", len(conversations))).
				Value(&confirm),
		); err != nil {
			return errs.Wrap(err, "Couldn't delete old conversations.")
		}
		if !confirm {
			//nolint:wrapcheck
			return errs.UserErrorf("Aborted by user")
		}
	}

	for _, c := range conversations {
		if err := deleteConversation(errOut, store, &c, quiet); err != nil {
			return err
		}
	}
	return nil
}

func deleteConversation(w io.Writer, store *storage.Store, rec *storage.Conversation, quiet bool) error {
	if err := store.Delete(rec.ID); err != nil {
		return errs.Wrap(err, "Couldn't delete conversation.")
	}
	if !quiet {
		fmt.Fprintln(w, "Conversation deleted:", present.StderrStyles().InlineCode.Render(storage.ShortID(rec.ID)))
	}
	return nil
}

func makeOptions(conversations []storage.Conversation) []huh.Option[string] {
	styles := present.StdoutStyles()
	opts := make([]huh.Option[string], 0, len(conversations))
	for _, c := range conversations {
		timea := styles.Timeago.Render(timeago.Of(c.UpdatedAt))
		left := styles.ID.Render(storage.ShortID(c.ID))
		right := styles.ConversationList.Render(c.Title, timea)
		if c.AgentID != "" {
			right += styles.Comment.Render(c.AgentID)
		}
		if c.Model != "" {
			right += styles.Comment.Render(" (" + c.Model + ")")
		}
		opts = append(opts, huh.NewOption(left+" "+right, c.ID))
	}
	return opts
}

func selectFromList(w io.Writer, conversations []storage.Conversation) error {
	var selected string
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Conversations").
				Value(&selected).
				Options(makeOptions(conversations)...),
		),
	).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return errs.Wrap(err, "Could not list conversations.")
	}

	termenv.Copy(selected)
	present.PrintConfirmation(w, present.StdoutRenderer(), "COPIED", selected)

	styles := present.StdoutStyles()
	fmt.Fprintln(w, styles.Comment.Render("You can use this conversation ID with the following commands:"))
	for _, s := range []string{
		"yagent history show " + selected,
		"yagent --continue " + selected,
		"yagent history delete " + selected,
	} {
		fmt.Fprintf(w, "  %s\n", styles.InlineCode.Render(s))
	}
	return nil
}

func printList(w io.Writer, conversations []storage.Conversation) {
	styles := present.StdoutStyles()
	for _, c := range conversations {
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\n",
			styles.ID.Render(storage.ShortID(c.ID)),
			c.Title,
			styles.Comment.Render(c.AgentID),
			styles.Timeago.Render(timeago.Of(c.UpdatedAt)),
		)
	}
}
