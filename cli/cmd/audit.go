package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/cloak/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  `Query recorded audit events with optional filters on action, outcome and time window.`,
}

var (
	auditAction   string
	auditSince    string
	auditFailures bool
	auditLimit    int
	auditOffset   int
	auditJSON     bool
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit events",
	RunE:  runAuditQuery,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. obfuscate")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only events after this RFC3339 timestamp")
	auditQueryCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
	auditQueryCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action: auditAction,
		Limit:  auditLimit,
		Offset: auditOffset,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since timestamp: %w", err)
		}
		options.Since = &since
	}
	if auditFailures {
		failed := false
		options.Success = &failed
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSUCCESS\tSECRET\tKEY VERSION\tERROR\n")
	for _, event := range result.Events {
		keyVersion := "-"
		if event.KeyVersion != 0 {
			keyVersion = fmt.Sprintf("%d", event.KeyVersion)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Success,
			event.SecretName,
			keyVersion,
			event.Error,
		)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d events. Use --offset to page.\n", len(result.Events), result.Filtered)
	}
	return nil
}
