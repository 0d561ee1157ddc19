package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// run executes the CLI against dir with stdin as input.
func run(t *testing.T, dir, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--dir", dir}, args...))

	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

// mustRun is run that fails the test on error.
func mustRun(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	out, errOut, err := run(t, dir, stdin, args...)
	if err != nil {
		t.Fatalf("locker %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut)
	}
	return out
}

// resetFlags restores flag defaults between executions of the shared tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func newVault(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vault")
	mustRun(t, dir, "", "init")
	return dir
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	out := mustRun(t, dir, "", "init")
	if !strings.Contains(out, "Vault initialized successfully") {
		t.Errorf("unexpected output: %s", out)
	}

	for _, name := range []string{"locker.key", "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	if _, _, err := run(t, dir, "", "init"); err == nil {
		t.Error("second init without --force should fail")
	}

	_, errOut, err := run(t, dir, "", "init", "--force")
	if err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if !strings.Contains(errOut, "existing key replaced") {
		t.Errorf("expected replacement warning, got %q", errOut)
	}
}

func TestInitPassphrase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	out := mustRun(t, dir, "correct horse\n", "init", "--passphrase")
	if !strings.Contains(out, "Key derived from passphrase") {
		t.Errorf("unexpected output: %s", out)
	}

	other := filepath.Join(t.TempDir(), "vault")
	mustRun(t, other, "correct horse\n", "init", "--passphrase")

	a, _ := os.ReadFile(filepath.Join(dir, "locker.key"))
	b, _ := os.ReadFile(filepath.Join(other, "locker.key"))
	if !bytes.Equal(a, b) {
		t.Error("same passphrase should derive the same key")
	}

	if _, _, err := run(t, filepath.Join(t.TempDir(), "v"), "\n", "init", "--passphrase"); err == nil {
		t.Error("empty passphrase should be rejected")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	dir := newVault(t)

	out := mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "s3cr3t", "-t", "prod,db")
	if !strings.Contains(out, "expires in 15 days") {
		t.Errorf("unexpected output: %s", out)
	}
	if got := mustRun(t, dir, "", "decrypt", "-n", "db_pass"); got != "s3cr3t" {
		t.Errorf("decrypt = %q, want %q", got, "s3cr3t")
	}

	mustRun(t, dir, "from stdin\n", "encrypt", "-n", "api-key", "-e", "2w")
	if got := mustRun(t, dir, "", "decrypt", "-n", "api-key"); got != "from stdin" {
		t.Errorf("decrypt = %q, want %q", got, "from stdin")
	}

	if _, _, err := run(t, dir, "", "decrypt", "-n", "missing"); err == nil {
		t.Error("decrypting a missing secret should fail")
	}
	if _, _, err := run(t, dir, "", "encrypt", "-v", "x"); err == nil {
		t.Error("encrypt without --name should fail")
	}
}

func TestDecryptPromptsToMigrate(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "orphan", "-v", "value")
	if err := os.Remove(filepath.Join(dir, "metadata.json")); err != nil {
		t.Fatal(err)
	}

	_, errOut, err := run(t, dir, "no\n", "decrypt", "-n", "orphan")
	if err == nil || !strings.Contains(err.Error(), "not managed") {
		t.Fatalf("declined migration should fail, got %v", err)
	}
	if !strings.Contains(errOut, "migrate now? (yes/no)") {
		t.Errorf("expected prompt, got %q", errOut)
	}

	if got := mustRun(t, dir, "yes\n", "decrypt", "-n", "orphan"); got != "value" {
		t.Errorf("decrypt after migration = %q", got)
	}
	if got := mustRun(t, dir, "", "decrypt", "-n", "orphan"); got != "value" {
		t.Errorf("second decrypt = %q", got)
	}
}

func TestDecryptStrayFile(t *testing.T) {
	dir := newVault(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.slock"), []byte("just some text"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, errOut, err := run(t, dir, "yes\n", "decrypt", "-n", "notes")
	if err == nil || !strings.Contains(err.Error(), "format mismatch") {
		t.Fatalf("expected format mismatch, got %v", err)
	}
	if strings.Contains(errOut, "migrate now?") {
		t.Error("a file without the envelope signature must not offer migration")
	}
}

func TestExpiredAndRenew(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "short", "-v", "v", "-e", "0")

	_, _, err := run(t, dir, "", "decrypt", "-n", "short")
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if out := mustRun(t, dir, "", "list"); !strings.Contains(out, "expired") {
		t.Errorf("list should show expired status:\n%s", out)
	}

	mustRun(t, dir, "", "renew", "-n", "short", "-d", "5")
	if got := mustRun(t, dir, "", "decrypt", "-n", "short"); got != "v" {
		t.Errorf("decrypt after renew = %q", got)
	}
}

func TestListAndRemove(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "a", "-t", "prod")
	mustRun(t, dir, "", "encrypt", "-n", "db_user", "-v", "b")
	mustRun(t, dir, "", "encrypt", "-n", "api-key", "-v", "c")

	out := mustRun(t, dir, "", "list")
	for _, want := range []string{"NAME", "CREATED", "api-key", "db_pass", "db_user", "active", "prod"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, dir, "", "list", "--tag", "prod")
	if !strings.Contains(out, "db_pass") || strings.Contains(out, "db_user") {
		t.Errorf("tag filter not applied:\n%s", out)
	}

	mustRun(t, dir, "", "encrypt", "-n", "soon", "-v", "d", "-e", "2")
	out = mustRun(t, dir, "", "list", "--expiring", "3d")
	if !strings.Contains(out, "soon") || strings.Contains(out, "db_pass") {
		t.Errorf("expiring filter not applied:\n%s", out)
	}

	out = mustRun(t, dir, "", "remove", "-n", "db_*")
	if !strings.Contains(out, "'db_pass' removed") || !strings.Contains(out, "'db_user' removed") {
		t.Errorf("unexpected remove output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "db_pass.slock")); !os.IsNotExist(err) {
		t.Error("envelope should be deleted")
	}

	if _, _, err := run(t, dir, "", "remove", "-n", "db_pass"); err == nil {
		t.Error("removing an absent secret should fail")
	}

	out = mustRun(t, dir, "no\n", "remove", "--all")
	if !strings.Contains(out, "Aborted") {
		t.Errorf("declined --all should abort, got %s", out)
	}
	mustRun(t, dir, "", "remove", "--all", "--force")
	if out := mustRun(t, dir, "", "list"); !strings.Contains(out, "No secrets found") {
		t.Errorf("vault should be empty:\n%s", out)
	}

	if _, _, err := run(t, dir, "", "remove"); err == nil {
		t.Error("remove without --name or --all should fail")
	}
}

func TestListMigrate(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "orphan", "-v", "x")
	if err := os.Remove(filepath.Join(dir, "metadata.json")); err != nil {
		t.Fatal(err)
	}

	out, errOut, err := run(t, dir, "no\n", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errOut, "without metadata: orphan") || !strings.Contains(out, "No secrets found") {
		t.Errorf("unexpected list output: %s / %s", out, errOut)
	}

	out = mustRun(t, dir, "", "list", "--migrate")
	if !strings.Contains(out, "Migrated 'orphan'") || !strings.Contains(out, "active") {
		t.Errorf("unexpected list --migrate output:\n%s", out)
	}
}

func TestMigrate(t *testing.T) {
	dir := newVault(t)
	if out := mustRun(t, dir, "", "migrate"); !strings.Contains(out, "Nothing to migrate") {
		t.Errorf("unexpected output: %s", out)
	}

	mustRun(t, dir, "", "encrypt", "-n", "a", "-v", "x")
	mustRun(t, dir, "", "encrypt", "-n", "b", "-v", "y")
	if err := os.Remove(filepath.Join(dir, "metadata.json")); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, dir, "", "migrate", "-n", "a")
	if !strings.Contains(out, "Migrated 'a'") || strings.Contains(out, "'b'") {
		t.Errorf("named migrate adopted the wrong set:\n%s", out)
	}
	out = mustRun(t, dir, "", "migrate")
	if !strings.Contains(out, "1 secret(s) migrated, expiring in 15 days") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestExport(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "a")
	mustRun(t, dir, "", "encrypt", "-n", "api-key", "-v", "b")

	out := mustRun(t, dir, "", "export", "-o", "-")
	want := "API_KEY=$(locker decrypt -n api-key)\nDB_PASS=$(locker decrypt -n db_pass)\n"
	if out != want {
		t.Errorf("export = %q, want %q", out, want)
	}

	target := filepath.Join(t.TempDir(), "secrets.env")
	out = mustRun(t, dir, "", "export", "-o", target, "db_*")
	if !strings.Contains(out, "Exported 1 secret(s)") {
		t.Errorf("unexpected output: %s", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "DB_PASS=$(locker decrypt -n db_pass)\n" {
		t.Errorf("unexpected file content %q", data)
	}

	// Pattern matches are written in name order, not pattern order.
	out = mustRun(t, dir, "", "export", "-o", "-", "db_*", "api-*")
	if out != want {
		t.Errorf("export with patterns = %q, want %q", out, want)
	}

	if _, _, err := run(t, dir, "", "export", "-o", "-", "-f", "json"); err == nil {
		t.Error("unsupported format should fail")
	}
	if _, _, err := run(t, dir, "", "export", "-o", "-", "nomatch_*"); err == nil {
		t.Error("pattern without matches should fail")
	}
}

func TestCheck(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "a")

	if out := mustRun(t, dir, "", "check"); !strings.Contains(out, "Vault OK: 1 secret(s)") {
		t.Errorf("unexpected output: %s", out)
	}
	out := mustRun(t, dir, "", "check", "--json")
	if !strings.Contains(out, `"valid": true`) {
		t.Errorf("unexpected JSON output: %s", out)
	}

	if err := os.Remove(filepath.Join(dir, "db_pass.slock")); err != nil {
		t.Fatal(err)
	}
	out, _, err := run(t, dir, "", "check")
	if err == nil {
		t.Error("check should fail with a missing envelope")
	}
	if !strings.Contains(out, "envelope missing") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestAuditCommands(t *testing.T) {
	dir := newVault(t)
	mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "a")
	mustRun(t, dir, "", "decrypt", "-n", "db_pass")

	out := mustRun(t, dir, "", "audit", "verify")
	if !strings.Contains(out, "chain intact") {
		t.Errorf("unexpected verify output: %s", out)
	}

	out = mustRun(t, dir, "", "audit", "list", "--since", "1h")
	for _, want := range []string{"vault.init", "secret.create", "secret.open"} {
		if !strings.Contains(out, want) {
			t.Errorf("audit list missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "db_pass") {
		t.Error("audit list must not show secret names")
	}

	out = mustRun(t, dir, "", "audit", "list", "--limit", "1")
	if lines := strings.Count(out, "\n"); lines != 1 {
		t.Errorf("--limit 1 printed %d lines", lines)
	}
}

func TestAuditDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("version: 1\naudit: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	mustRun(t, dir, "", "init")
	mustRun(t, dir, "", "encrypt", "-n", "x", "-v", "y")

	if _, err := os.Stat(filepath.Join(dir, "audit")); !os.IsNotExist(err) {
		t.Error("audit directory should not exist when disabled")
	}
	if _, _, err := run(t, dir, "", "audit", "verify"); err == nil {
		t.Error("audit verify should fail when disabled")
	}
}

func TestSQLiteBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("version: 1\nmetadata_backend: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	mustRun(t, dir, "", "init")
	mustRun(t, dir, "", "encrypt", "-n", "db_pass", "-v", "s3cr3t")
	if got := mustRun(t, dir, "", "decrypt", "-n", "db_pass"); got != "s3cr3t" {
		t.Errorf("decrypt = %q", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "metadata.db")); err != nil {
		t.Errorf("metadata.db not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); !os.IsNotExist(err) {
		t.Error("metadata.json should not be used with the sqlite backend")
	}
}
