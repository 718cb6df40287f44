package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/engine"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/present"
)

func newMCPCmd(rt *runtime) *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server integration",
	}

	mcpCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			mcpList(cmd.OutOrStdout(), &rt.cfg)
			return nil
		},
	})

	mcpCmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Connect to the enabled MCP servers and list their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			e, err := rt.newEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close() //nolint:errcheck

			// Failures are reported per server below.
			_ = e.Connect(cmd.Context(), nil)
			mcpListTools(cmd.OutOrStdout(), e)
			return nil
		},
	})

	return mcpCmd
}

func mcpList(w io.Writer, cfg *config.Config) {
	styles := present.StdoutStyles()
	for _, id := range slices.Sorted(maps.Keys(cfg.MCPServers)) {
		srv := cfg.MCPServers[id]
		s := id + styles.Comment.Render(" "+srv.Type)
		if cfg.IsActive(id) {
			s += styles.Timeago.Render(" (enabled)")
		}
		fmt.Fprintln(w, s)
	}
}

func mcpListTools(w io.Writer, e *engine.Engine) {
	styles := present.StdoutStyles()
	names := map[string]string{}
	for _, st := range e.ServerStatus() {
		names[st.ID] = st.Name
		if st.State != mcp.Ready {
			msg := st.State.String()
			if st.Err != nil {
				msg = st.Err.Error()
			}
			fmt.Fprintln(w, styles.ToolError.Render(st.Name+" > "+msg))
		}
	}
	for _, tool := range e.Tools() {
		fmt.Fprint(w, styles.Timeago.Render(names[tool.ServerID]+" > "))
		fmt.Fprintln(w, tool.Name)
	}
}
