package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/locker/internal/cli"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/keyfile"
)

var errAuditDisabled = errors.New("audit trail is disabled in config.yaml")

// auditCmd groups the audit log commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspects the audit log",
}

// keyAuditLog loads the vault key into the audit logger.
func keyAuditLog() error {
	if auditLog == nil {
		return errAuditDisabled
	}
	key, err := keyfile.Load(paths.KeyFile())
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)
	return auditLog.SetHMACKey(key)
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditLog == nil {
			return errAuditDisabled
		}

		var since time.Time
		if auditSince != "" {
			duration, err := cli.ParseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		events, err := auditLog.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events found")
			return nil
		}

		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT [KEY] [ERROR]
			line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
			if event.Key != "" {
				keyDisplay := event.Key
				if len(keyDisplay) > 16 {
					keyDisplay = keyDisplay[:16] + "..."
				}
				line += " " + keyDisplay
			}
			if event.Error != nil && event.Error.Code != "" {
				line += " (" + event.Error.Code + ")"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keyAuditLog(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Verifying audit log integrity...")

		result, err := auditLog.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			fmt.Fprintf(out, "✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)
		} else {
			fmt.Fprintf(out, "✗ Audit log verification FAILED\n")
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			if result.FirstBroken != "" {
				fmt.Fprintf(out, "  First broken record: %s\n", result.FirstBroken)
			}
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}

		// Also output as JSON for machine parsing
		jsonResult, _ := json.Marshal(result)
		fmt.Fprintf(out, "\nJSON: %s\n", string(jsonResult))
		return nil
	},
}
