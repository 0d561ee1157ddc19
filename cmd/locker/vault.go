package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/locker"
)

// initCmd initializes a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes the vault directory and its key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		opts := locker.InitOptions{Force: initForce}

		if initPassphrase {
			passphrase, err := promptPassphrase(cmd)
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(passphrase)
			opts.Passphrase = passphrase
		}

		result, err := lk.Init(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		exists, err := fsutil.Exists(paths.ConfigFile())
		if err != nil {
			return err
		}
		if !exists {
			if err := cfg.Save(paths.Dir); err != nil {
				return err
			}
		}

		if result.Replaced {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: existing key replaced; %d envelope(s) open only if they were encrypted with the same key\n", result.Envelopes)
			if result.AuditArchive != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: previous audit log moved to %s\n", result.AuditArchive)
			}
		}
		if result.Derived {
			fmt.Fprintln(out, "Key derived from passphrase")
		}
		fmt.Fprintf(out, "Vault initialized successfully at %s\n", result.Dir)
		return nil
	},
}

// promptPassphrase reads the passphrase, asking twice on a terminal.
func promptPassphrase(cmd *cobra.Command) ([]byte, error) {
	first, err := readSecret(cmd, "Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if !stdinTerminal(cmd) {
		return first, nil
	}

	second, err := readSecret(cmd, "Confirm passphrase: ")
	if err != nil {
		crypto.SecureWipe(first)
		return nil, err
	}
	defer crypto.SecureWipe(second)
	if !bytes.Equal(first, second) {
		crypto.SecureWipe(first)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

// checkCmd verifies vault integrity
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verifies the key, metadata, permissions and every envelope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := lk.Check()
		if err != nil {
			return fmt.Errorf("failed to check vault: %w", err)
		}

		out := cmd.OutOrStdout()
		if checkJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			if result.Valid {
				fmt.Fprintf(out, "✓ Vault OK: %d secret(s)\n", result.Secrets)
			} else {
				fmt.Fprintln(out, "✗ Vault check FAILED")
				for _, e := range result.Errors {
					fmt.Fprintf(out, "    - %s\n", e)
				}
			}
			for _, name := range result.Unmanaged {
				fmt.Fprintf(out, "  unmanaged envelope: %s (run 'locker migrate')\n", name)
			}
		}

		if !result.Valid {
			return fmt.Errorf("vault integrity check failed")
		}
		return nil
	},
}
