package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/present"
)

func newAgentsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			listAgents(cmd.OutOrStdout(), &rt.cfg)
			return nil
		},
	}
}

func listAgents(w io.Writer, cfg *config.Config) {
	styles := present.StdoutStyles()
	def, _ := cfg.Agent("")
	for _, id := range cfg.AgentIDs() {
		a := cfg.Agents[id]
		line := id
		if ep, err := cfg.Endpoint(a.Endpoint); err == nil {
			line += styles.Comment.Render(" " + ep.ID + "/" + ep.Model)
		}
		if len(a.Servers) > 0 {
			line += styles.Comment.Render(" [" + strings.Join(a.Servers, ", ") + "]")
		}
		if id == def.ID {
			line += styles.Timeago.Render(" (default)")
		}
		fmt.Fprintln(w, line)
	}
}
