package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// auditCmdStart records the start of a CLI command in the audit trail.
func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	started := time.Now()
	if auditLogger != nil {
		_ = auditLogger.Log("command_start", true, map[string]interface{}{
			"command": cmd.CommandPath(),
			"args":    len(args),
			"flags":   sanitizeFlags(cmd),
		})
	}
	return started
}

// auditCmdComplete records the outcome of a CLI command and passes the error
// through unchanged.
func auditCmdComplete(cmd *cobra.Command, err error, started time.Time) error {
	if auditLogger != nil {
		metadata := map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			metadata["error"] = err.Error()
		}
		_ = auditLogger.Log("command_complete", err == nil, metadata)
	}
	return err
}

// sanitizeFlags collects the changed flags, masking anything that looks like
// secret material.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
