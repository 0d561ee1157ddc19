package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/locker/internal/cli"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/locker"
)

// encryptCmd stores a secret
var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypts a secret value into the vault",
	Long: `Encrypts a secret value. The value comes from --value or, when the
flag is absent, from standard input:

   locker encrypt -n db_pass -v s3cr3t -t prod,db -e 30
   printf s3cr3t | locker encrypt -n db_pass`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := lk.DefaultTTL()
		if expireDays != "" {
			days, err := cli.ParseDays(expireDays)
			if err != nil {
				return fmt.Errorf("invalid expiration: %w", err)
			}
			ttl = days
		}

		var value []byte
		if cmd.Flags().Changed("value") {
			value = []byte(secretValue)
		} else {
			if stdinTerminal(cmd) {
				fmt.Fprint(cmd.ErrOrStderr(), "Enter secret value (Ctrl+D to finish): ")
			}
			v, err := cli.ReadValue(cmd.InOrStdin())
			if err != nil {
				return err
			}
			value = v
		}
		defer crypto.SecureWipe(value)

		if err := lk.Create(secretName, value, cli.ParseTags(secretTags), ttl); err != nil {
			return fmt.Errorf("failed to encrypt secret: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Secret '%s' encrypted, expires in %d days\n", secretName, ttl)
		return nil
	},
}

// decryptCmd prints a secret value
var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypts a secret and prints its value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, err := lk.Open(secretName)

		var needs *locker.NeedsReconciliationError
		if errors.As(err, &needs) {
			ok, perr := cli.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
				fmt.Sprintf("Secret '%s' has no metadata. migrate now?", needs.Name))
			if perr != nil {
				return perr
			}
			if !ok {
				return fmt.Errorf("secret '%s' is not managed; run 'locker migrate -n %s'", needs.Name, needs.Name)
			}
			if _, err := lk.Reconcile(needs.Name); err != nil {
				return fmt.Errorf("failed to migrate secret: %w", err)
			}
			plaintext, err = lk.Open(secretName)
		}

		if errors.Is(err, locker.ErrSecretExpired) {
			return fmt.Errorf("secret '%s' has expired; extend it with 'locker renew -n %s'", secretName, secretName)
		}
		if err != nil {
			return fmt.Errorf("failed to decrypt secret: %w", err)
		}
		defer crypto.SecureWipe(plaintext)

		out := cmd.OutOrStdout()
		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("failed to write value: %w", err)
		}
		if f, ok := out.(*os.File); ok && isTerminal(int(f.Fd())) {
			fmt.Fprintln(out)
		}
		return nil
	},
}

// renewCmd extends a secret's lifetime
var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Resets a secret's expiry to a number of days from now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days := lk.DefaultTTL()
		if renewDays != "" {
			d, err := cli.ParseDays(renewDays)
			if err != nil {
				return fmt.Errorf("invalid days: %w", err)
			}
			days = d
		}

		if err := lk.Renew(secretName, days); err != nil {
			return fmt.Errorf("failed to renew secret: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Secret '%s' renewed for %d days\n", secretName, days)
		return nil
	},
}

// removeCmd deletes secrets
var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Removes a secret, every secret matching a pattern, or all secrets",
	Long: `Removes secrets. Both the envelope and the metadata entry go.

   locker remove -n db_pass
   locker remove -n 'db_*'
   locker remove --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if removeAll {
			if !removeForce {
				ok, err := cli.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Remove every secret in the vault?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted")
					return nil
				}
			}
			report, err := lk.Remove("", true)
			if report != nil {
				printRemoveReport(cmd, report)
				if len(report.Removed)+len(report.MissingEnvelopes)+len(report.Failed) == 0 {
					fmt.Fprintln(out, "No secrets to remove")
				}
			}
			if err != nil {
				return fmt.Errorf("failed to remove secrets: %w", err)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d envelope(s) could not be deleted", len(report.Failed))
			}
			return nil
		}

		names := []string{secretName}
		if cli.IsPattern(secretName) {
			res, err := lk.List(locker.ListOptions{})
			if err != nil {
				return err
			}
			all := make([]string, 0, len(res.Entries))
			for _, e := range res.Entries {
				all = append(all, e.Name)
			}
			if names, err = cli.ExpandPattern(secretName, all); err != nil {
				return err
			}
		}

		for _, name := range names {
			report, err := lk.Remove(name, false)
			if err != nil {
				return fmt.Errorf("failed to remove secret: %w", err)
			}
			printRemoveReport(cmd, report)
		}
		return nil
	},
}

func printRemoveReport(cmd *cobra.Command, report *locker.RemoveReport) {
	out, warn := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, name := range report.Removed {
		fmt.Fprintf(out, "Secret '%s' removed\n", name)
	}
	for _, name := range report.MissingEnvelopes {
		fmt.Fprintf(out, "Secret '%s' metadata removed\n", name)
		fmt.Fprintf(warn, "warning: envelope of '%s' was already missing\n", name)
	}
	for _, name := range report.MissingMetadata {
		fmt.Fprintf(warn, "warning: '%s' had no metadata entry\n", name)
	}
}
