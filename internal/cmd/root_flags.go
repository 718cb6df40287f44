package cmd

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/storage"
)

func initRootFlags(cmd *cobra.Command, rt *runtime) {
	cfg := &rt.cfg
	desc := func(name string) string {
		return present.StdoutStyles().FlagDesc.Render(helpText[name])
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Runtime.Agent, "agent", "a", cfg.Runtime.Agent, desc("agent"))
	flags.StringVarP(&cfg.Continue, "continue", "c", "", desc("continue"))
	flags.BoolVarP(&cfg.ContinueLast, "continue-last", "C", false, desc("continue-last"))
	flags.StringVarP(&cfg.Title, "title", "t", cfg.Title, desc("title"))
	flags.BoolVarP(&cfg.OpenEditor, "editor", "e", false, desc("editor"))
	flags.BoolVar(&cfg.NoCache, "no-cache", cfg.NoCache, desc("no-cache"))
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, desc("max-retries"))
	flags.IntVar(&cfg.MaxToolRounds, "max-tool-rounds", cfg.MaxToolRounds, desc("tool-rounds"))
	flags.StringArrayVar(&cfg.MCPDisable, "mcp-disable", cfg.MCPDisable, desc("mcp-disable"))
	flags.StringVarP(&cfg.HTTPProxy, "http-proxy", "x", cfg.HTTPProxy, desc("http-proxy"))
	flags.IntVar(&cfg.WordWrap, "word-wrap", cfg.WordWrap, desc("word-wrap"))
	flags.BoolP("help", "h", false, desc("help"))
	flags.BoolP("version", "v", false, desc("version"))
	flags.SortFlags = false

	persistent := cmd.PersistentFlags()
	persistent.BoolVarP(&cfg.Raw, "raw", "r", cfg.Raw, desc("raw"))
	persistent.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, desc("quiet"))

	_ = cmd.RegisterFlagCompletionFunc("continue", func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return conversationCompletions(cfg.CachePath, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("agent", func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return agentNames(cfg.AgentIDs(), toComplete), cobra.ShellCompDirectiveNoFileComp
	})

	cmd.MarkFlagsMutuallyExclusive("continue", "continue-last")
}

// conversationCompletions opens the index lazily; completion runs without
// an engine.
func conversationCompletions(cachePath, toComplete string) []string {
	if cachePath == "" {
		return nil
	}
	store, err := storage.OpenStore(cachePath)
	if err != nil {
		return nil
	}
	defer store.Close() //nolint:errcheck

	var out []string
	for _, rec := range store.DB.List() {
		if strings.HasPrefix(rec.ID, toComplete) {
			id := rec.ID
			if len(toComplete) < storage.IDShort {
				id = storage.ShortID(rec.ID)
			}
			out = append(out, id+"\t"+rec.Title)
		}
		if rec.Title != "" && strings.HasPrefix(rec.Title, toComplete) {
			out = append(out, rec.Title+"\t"+storage.ShortID(rec.ID))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func agentNames(ids []string, prefix string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			names = append(names, id)
		}
	}
	return names
}
