package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/locker/pkg/audit"
	"github.com/forest6511/locker/pkg/config"
	"github.com/forest6511/locker/pkg/keyfile"
	"github.com/forest6511/locker/pkg/locker"
	"github.com/forest6511/locker/pkg/metadata"
)

var (
	vaultDir string
	paths    config.Paths
	cfg      *config.Config
	store    metadata.Store
	lk       *locker.Locker
	auditLog *audit.Logger
)

var rootCmd = &cobra.Command{
	Use:   "locker",
	Short: "locker keeps short secrets encrypted at rest",
	Long: `A local secret vault. Each secret is an encrypted .slock envelope
next to a metadata index that tracks its creation, expiry and tags.`,
	SilenceUsage: true,
	// Every subcommand shares one Locker built from the vault directory
	// and its config.yaml.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

// Command flags
var (
	secretName  string
	secretValue string
	secretTags  string
	expireDays  string
	renewDays   string

	removeAll   bool
	removeForce bool

	listTag      string
	listExpiring string
	listMigrate  bool

	exportFormat string
	exportOutput string

	initPassphrase bool
	initForce      bool

	checkJSON bool
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultDir, "dir", "", "Vault directory (default $"+config.EnvHome+" or ~/"+config.DefaultDirName+")")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(auditCmd)

	initCmd.Flags().BoolVar(&initPassphrase, "passphrase", false, "Derive the key from a passphrase instead of generating it")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Replace an existing key")

	encryptCmd.Flags().StringVarP(&secretName, "name", "n", "", "Secret name")
	encryptCmd.Flags().StringVarP(&secretValue, "value", "v", "", "Secret value (default: read from standard input)")
	encryptCmd.Flags().StringVarP(&secretTags, "tags", "t", "", "Comma-separated tags (e.g., prod,db)")
	encryptCmd.Flags().StringVarP(&expireDays, "expire", "e", "", "Lifetime in days (e.g., 15, 2w, 1y)")
	_ = encryptCmd.MarkFlagRequired("name")

	decryptCmd.Flags().StringVarP(&secretName, "name", "n", "", "Secret name")
	_ = decryptCmd.MarkFlagRequired("name")

	listCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	listCmd.Flags().StringVar(&listExpiring, "expiring", "", "Show secrets expiring within duration (e.g., 7d)")
	listCmd.Flags().BoolVar(&listMigrate, "migrate", false, "Adopt envelopes without metadata before listing")

	removeCmd.Flags().StringVarP(&secretName, "name", "n", "", "Secret name or glob pattern")
	removeCmd.Flags().BoolVar(&removeAll, "all", false, "Remove every secret")
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "Skip confirmation prompt")
	removeCmd.MarkFlagsMutuallyExclusive("name", "all")
	removeCmd.MarkFlagsOneRequired("name", "all")

	renewCmd.Flags().StringVarP(&secretName, "name", "n", "", "Secret name")
	renewCmd.Flags().StringVarP(&renewDays, "days", "d", "", "New lifetime in days from now (default from config)")
	_ = renewCmd.MarkFlagRequired("name")

	migrateCmd.Flags().StringVarP(&secretName, "name", "n", "", "Adopt only this envelope")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", locker.FormatEnv, "Output format: env")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", ".env", "Output file path (- for stdout)")

	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output in JSON format")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
}

// setup resolves the vault directory and wires the store, key provider
// and audit trail into lk.
func setup(cmd *cobra.Command) error {
	if err := teardown(); err != nil {
		return err
	}

	dir := vaultDir
	if dir == "" {
		resolved, err := config.ResolveDir()
		if err != nil {
			return err
		}
		dir = resolved
	}
	paths = config.NewPaths(dir)

	loaded, err := config.Load(dir)
	if err != nil {
		return err
	}
	cfg = loaded

	warn := cmd.ErrOrStderr()
	s, err := metadata.Open(cfg.MetadataBackend, paths, metadata.WithWarnings(warn))
	if err != nil {
		return err
	}
	store = s

	opts := []locker.Option{
		locker.WithDefaultTTL(cfg.DefaultTTLDays),
		locker.WithWarnings(warn),
	}
	auditLog = nil
	if cfg.AuditEnabled() {
		auditLog = audit.NewLogger(paths.AuditDir(), audit.WithWarnings(warn))
		opts = append(opts, locker.WithAudit(auditLog))
	}

	lk = locker.New(paths, store, keyfile.NewProvider(paths.KeyFile()), opts...)
	return nil
}

func teardown() error {
	if store == nil {
		return nil
	}
	err := store.Close()
	store = nil
	return err
}

// isTerminal returns true if the file descriptor is a terminal
func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// stdinTerminal reports whether the command reads from an interactive terminal.
func stdinTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && isTerminal(int(f.Fd()))
}

// readSecret prompts for hidden input on a terminal, or reads one line
// from piped input.
func readSecret(cmd *cobra.Command, prompt string) ([]byte, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr()) // Add newline after hidden input
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		return secret, nil
	}
	line, err := readLine(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	return []byte(line), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(value, "\r"), nil
}
