package main

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/locker/internal/cli"
	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/locker"
)

// listCmd lists all managed secrets
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists secrets with their status and expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := locker.ListOptions{Reconcile: listMigrate, Tag: listTag}
		if listExpiring != "" {
			window, err := cli.ParseDuration(listExpiring)
			if err != nil {
				return fmt.Errorf("invalid expiring format: %w", err)
			}
			opts.ExpiringWithin = window
		}
		result, err := lk.List(opts)
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}

		if len(result.Unmanaged) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Found %d envelope(s) without metadata: %s\n",
				len(result.Unmanaged), strings.Join(result.Unmanaged, ", "))
			ok, err := cli.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "migrate now?")
			if err != nil {
				return err
			}
			if ok {
				opts.Reconcile = true
				if result, err = lk.List(opts); err != nil {
					return fmt.Errorf("failed to list secrets: %w", err)
				}
			}
		}

		out := cmd.OutOrStdout()
		for _, name := range result.Reconciled {
			fmt.Fprintf(out, "Migrated '%s'\n", name)
		}
		if len(result.Entries) == 0 {
			fmt.Fprintln(out, "No secrets found")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tREMAINING\tCREATED\tEXPIRES\tTAGS")
		for _, e := range result.Entries {
			name := e.Name
			if !e.EnvelopePresent {
				name += " (missing envelope)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				name,
				e.Status,
				cli.FormatRemaining(e.Remaining),
				e.CreatedTime().Local().Format(time.DateTime),
				e.ExpireTime().Local().Format(time.DateTime),
				strings.Join(e.Tags, ","),
			)
		}
		return w.Flush()
	},
}

// migrateCmd adopts envelopes that have no metadata
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates metadata for envelopes that have none",
	Long: `Creates metadata for envelopes found in the vault directory without a
metadata entry. Adopted secrets are stamped as created now and get the
default lifetime.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		added, err := lk.Reconcile(secretName)
		if err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(added) == 0 {
			fmt.Fprintln(out, "Nothing to migrate")
			return nil
		}
		for _, name := range added {
			fmt.Fprintf(out, "Migrated '%s'\n", name)
		}
		fmt.Fprintf(out, "%d secret(s) migrated, expiring in %d days\n", len(added), lk.DefaultTTL())
		return nil
	},
}

// exportCmd writes decrypt placeholders for sourcing in a shell
var exportCmd = &cobra.Command{
	Use:   "export [patterns...]",
	Short: "Exports secrets as shell placeholders",
	Long: `Writes one line per secret that decrypts it when the file is sourced:

   DB_PASS=$(locker decrypt -n db_pass)

Values are never written. Patterns (e.g., 'db_*') restrict the export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := locker.ExportOptions{Format: exportFormat}

		if len(args) > 0 {
			result, err := lk.List(locker.ListOptions{})
			if err != nil {
				return err
			}
			all := make([]string, 0, len(result.Entries))
			for _, e := range result.Entries {
				all = append(all, e.Name)
			}
			matches, err := cli.ExpandPatterns(args, all)
			if err != nil {
				return err
			}
			opts.Names = cli.SortedNames(matches)
		}

		if exportOutput == "-" {
			_, err := lk.Export(cmd.OutOrStdout(), opts)
			return err
		}

		var buf bytes.Buffer
		n, err := lk.Export(&buf, opts)
		if err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		if err := fsutil.WriteFileAtomic(exportOutput, buf.Bytes(), fsutil.FileMode); err != nil {
			return fmt.Errorf("failed to write %s: %w", exportOutput, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d secret(s) to %s\n", n, exportOutput)
		return nil
	},
}
