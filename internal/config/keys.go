package config

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/caarlos0/go-shellwords"

	"github.com/dotcommander/yagent/internal/errs"
)

// ResolveKey returns the endpoint's API key.
//
// The literal key wins, then api-key-env, then the output of api-key-cmd.
// An empty key is not an error: local servers usually need none.
func (e Endpoint) ResolveKey(ctx context.Context) (string, error) {
	key := e.APIKey
	if key == "" && e.APIKeyEnv != "" {
		key = os.Getenv(e.APIKeyEnv)
	}
	if key == "" && e.APIKeyCmd != "" {
		args, err := shellwords.Parse(e.APIKeyCmd)
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Failed to parse api-key-cmd"}
		}
		if len(args) == 0 {
			return "", errs.Error{Err: errs.UserErrorf("empty api-key-cmd"), Reason: "Failed to parse api-key-cmd"}
		}
		// #nosec G204 -- api-key-cmd is explicitly configured by the local user.
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Cannot exec api-key-cmd"}
		}
		key = strings.TrimSpace(string(out))
	}
	return key, nil
}
