package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/storage"
	"github.com/mattjoyce/paygate/internal/webhook"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureRun(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return run(args) })
}

// writeTestConfig writes a config with one paid endpoint and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	root := `
include:
  - webhooks.yaml
state:
  path: ` + filepath.Join(dir, "data", "paygate.db") + `
backend:
  client_id: client-1
  client_secret: super-secret-value
`
	hooks := `
webhooks:
  listen: 127.0.0.1:0
  public_base_url: https://hooks.example.com
  endpoints:
    - name: premium
      path: /webhook/premium
      kind: x402
      workflow: premium-flow
      tokens:
        - payment_token: base-sepolia:0xToken
          pay_to_address: 0xMerchant
          payment_amount: "10000"
`
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(root), 0o600); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "webhooks.yaml"), []byte(hooks), 0o600); err != nil {
		t.Fatalf("write webhooks.yaml: %v", err)
	}
	return configPath
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	code, _, stderr := captureRun(t)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "paygate <noun> <action>") {
		t.Fatalf("usage missing from stderr: %q", stderr)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := captureRun(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := captureRun(t, "version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if strings.TrimSpace(stdout) != "paygate "+version {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestNounHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"system", "help"}, want: "Actions: start"},
		{args: []string{"config", "--help"}, want: "Actions: check, lock, show"},
		{args: []string{"settlement", "-h"}, want: "Actions: list"},
		{args: []string{"config", "lock", "--help"}, want: "paygate config lock"},
		{args: []string{"settlement", "list", "-h"}, want: "paygate settlement list"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, _ := captureRun(t, tt.args...)
			if code != 0 {
				t.Fatalf("exit code = %d, want 0", code)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout = %q, want %q", stdout, tt.want)
			}
		})
	}
}

func TestUnknownActions(t *testing.T) {
	for _, noun := range []string{"system", "config", "settlement"} {
		code, _, stderr := captureRun(t, noun, "explode")
		if code != 1 {
			t.Fatalf("%s: exit code = %d, want 1", noun, code)
		}
		if !strings.Contains(stderr, "Unknown "+noun+" action: explode") {
			t.Fatalf("%s: stderr = %q", noun, stderr)
		}
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureRun(t, "config", "lock", "--config", configPath, "-v")
	if code != 0 {
		t.Fatalf("lock exit code = %d, stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "HASH config.yaml") || !strings.Contains(stdout, "HASH webhooks.yaml") {
		t.Fatalf("verbose lock output missing hashes: %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); err != nil {
		t.Fatalf(".checksums not written: %v", err)
	}

	code, stdout, _ = captureRun(t, "config", "check", "--config", configPath, "--strict")
	if code != 0 {
		t.Fatalf("check exit code = %d, stdout=%q", code, stdout)
	}
	if !strings.Contains(stdout, "PASSED") || !strings.Contains(stdout, "1 endpoint(s)") {
		t.Fatalf("check stdout = %q", stdout)
	}
}

func TestConfigCheckDetectsTamper(t *testing.T) {
	configPath := writeTestConfig(t)
	if code, _, stderr := captureRun(t, "config", "lock", "--config", configPath); code != 0 {
		t.Fatalf("lock failed: %q", stderr)
	}

	hooks := filepath.Join(filepath.Dir(configPath), "webhooks.yaml")
	f, err := os.OpenFile(hooks, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("\n# edited\n")
	_ = f.Close()

	code, stdout, _ := captureRun(t, "config", "check", "--config", configPath)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "FAILED (integrity)") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigCheckStrictWarnsWithoutLock(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, _ := captureRun(t, "config", "check", "--config", configPath)
	if code != 0 {
		t.Fatalf("non-strict exit code = %d, stdout=%q", code, stdout)
	}
	if !strings.Contains(stdout, "WARN") {
		t.Fatalf("expected a warning for missing .checksums: %q", stdout)
	}

	code, _, _ = captureRun(t, "config", "check", "--config", configPath, "--strict")
	if code != 2 {
		t.Fatalf("strict exit code = %d, want 2", code)
	}
}

func TestConfigCheckInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("service:\n  log_level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureRun(t, "config", "check", "--config", configPath)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "service.log_level") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureRun(t, "config", "show", "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if strings.Contains(stdout, "super-secret-value") {
		t.Fatal("client secret leaked into config show output")
	}
	if !strings.Contains(stdout, "[redacted]") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigShowPath(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureRun(t, "config", "show", "webhooks.public_base_url", "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if strings.TrimSpace(stdout) != "https://hooks.example.com" {
		t.Fatalf("stdout = %q", stdout)
	}

	code, stdout, _ = captureRun(t, "config", "show", "--config", configPath, "--json", "endpoint:premium")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "premium-flow") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSettlementList(t *testing.T) {
	configPath := writeTestConfig(t)
	statePath := filepath.Join(filepath.Dir(configPath), "data", "paygate.db")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, statePath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	l := ledger.New(db)
	for _, s := range []ledger.Settlement{
		{Endpoint: "premium", Network: "base-sepolia", Payer: "0xA", Nonce: "0x1", Amount: "10000", TxHash: "0xabc", Status: ledger.StatusSettled},
		{Endpoint: "premium", Network: "base-sepolia", Payer: "0xB", Nonce: "0x2", Amount: "10000", TxHash: "TBD", Status: ledger.StatusUnresolved},
	} {
		if _, err := l.Record(ctx, s); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	_ = db.Close()

	code, stdout, stderr := captureRun(t, "settlement", "list", "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "0xabc") || !strings.Contains(stdout, "TBD") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, stdout, _ = captureRun(t, "settlement", "list", "--config", configPath, "--status", "unresolved", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if strings.Contains(stdout, "0xabc") || !strings.Contains(stdout, `"tx_hash": "TBD"`) {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSettlementListValidation(t *testing.T) {
	code, _, stderr := captureRun(t, "settlement", "list", "--status", "pending")
	if code != 1 || !strings.Contains(stderr, "Invalid --status") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}

	code, _, stderr = captureRun(t, "settlement", "list", "--limit", "0")
	if code != 1 || !strings.Contains(stderr, "--limit must be positive") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestHasPaidEndpoints(t *testing.T) {
	signedOnly := webhook.Config{Endpoints: []webhook.EndpointConfig{{Kind: webhook.KindSigned}}}
	if hasPaidEndpoints(signedOnly) {
		t.Fatal("signed-only config reported paid endpoints")
	}
	mixed := webhook.Config{Endpoints: []webhook.EndpointConfig{{Kind: webhook.KindSigned}, {Kind: webhook.KindX402}}}
	if !hasPaidEndpoints(mixed) {
		t.Fatal("mixed config did not report paid endpoints")
	}
}
