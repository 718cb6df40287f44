package cmd

import (
	"os"

	"github.com/dotcommander/yagent/internal/config"
)

// Execute wires commands and runs Cobra.
func Execute(build BuildInfo, cfg config.Config, cfgErr error) {
	root := NewRootCmd(build, cfg, cfgErr)
	if err := root.Execute(); err != nil {
		drainStdin()
		handleError(os.Stderr, err)
		os.Exit(1)
	}
}
