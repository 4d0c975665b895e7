package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"keyindex/internal/config"
	"keyindex/internal/probe"
)

// TestHelperProcess runs main() in a subprocess so exit codes can be
// observed. Arguments after "--" are passed to the command.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	i := 0
	for ; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
	}
	if i < len(args) {
		os.Args = append([]string{args[0]}, args[i+1:]...)
	} else {
		os.Args = []string{args[0]}
	}
	main()
	os.Exit(0)
}

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], append([]string{"-test.run=TestHelperProcess", "--"}, args...)...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err == nil {
		return outBuf.String(), errBuf.String(), 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return outBuf.String(), errBuf.String(), ee.ExitCode()
	}
	t.Fatalf("unexpected run error: %T: %v", err, err)
	return "", "", 1
}

func writeSample(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestMain_MissingURL_ExitsWith2(t *testing.T) {
	t.Parallel()

	stdout, stderr, code := runCmd(t)
	if code != 2 {
		t.Fatalf("exit code=%d, want 2\nstderr:\n%s\nstdout:\n%s", code, stderr, stdout)
	}
	if !strings.Contains(stderr, "missing -url") {
		t.Fatalf("stderr=%q", stderr)
	}
}

func TestRunMain_ReportMode(t *testing.T) {
	t.Parallel()

	path := writeSample(t, "sample.csv", "FK__customer,category\nacme,a\nACME,a\nnova,b\n")
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-url", path, "-report"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code=%d; stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "uniqueness report:\tsampled_rows=3") {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if strings.Contains(stdout.String(), "{") {
		t.Fatalf("report mode must not print config:\n%s", stdout.String())
	}
}

func TestRunMain_EmitsLoadableConfig(t *testing.T) {
	t.Parallel()

	path := writeSample(t, "orders.json", `[{"FK__Customer":"acme","qty":1},{"FK__Customer":"nova","qty":2}]`)

	tests := []struct {
		format string
		decode func([]byte, *config.Pipeline) error
	}{
		{"json", func(b []byte, p *config.Pipeline) error { return json.Unmarshal(b, p) }},
		{"yaml", func(b []byte, p *config.Pipeline) error { return yaml.Unmarshal(b, p) }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.format, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			args := []string{"-url", path, "-name", "orders", "-backend", "memory", "-format", tc.format}
			if code := runMain(context.Background(), args, &stdout, &stderr); code != 0 {
				t.Fatalf("exit code=%d; stderr=%s", code, stderr.String())
			}

			var p config.Pipeline
			if err := tc.decode(stdout.Bytes(), &p); err != nil {
				t.Fatalf("decode: %v\n%s", err, stdout.String())
			}
			if p.Job != "orders" || p.Input.Format != "json" || p.Storage.Kind != "memory" {
				t.Fatalf("pipeline=%+v", p)
			}
			if len(p.Entity) != 1 || p.Entity[0].Kind != "customer" {
				t.Fatalf("entities=%+v", p.Entity)
			}
			if config.HasErrors(config.ValidatePipeline(p)) {
				t.Fatalf("generated config does not validate: %v", config.ValidatePipeline(p))
			}
		})
	}
}

func TestRunMain_UsageAndProbeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantSub  string
	}{
		{"bad_flag", []string{"-nope"}, 2, "flag provided but not defined"},
		{"bad_format", []string{"-url", "x", "-format", "toml"}, 2, "unsupported -format"},
		{"missing_file", []string{"-url", filepath.Join(t.TempDir(), "absent.csv")}, 1, "probe: "},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr)
			if code != tc.wantCode || !strings.Contains(stderr.String(), tc.wantSub) {
				t.Fatalf("code=%d stderr=%q, want code=%d containing %q", code, stderr.String(), tc.wantCode, tc.wantSub)
			}
		})
	}
}

// Not parallel: swaps the probe seam.
func TestRunMain_FlagDSNWinsAndIssuesGoToStderr(t *testing.T) {
	orig := probeRun
	t.Cleanup(func() { probeRun = orig })

	var gotOpt probe.Options
	probeRun = func(_ context.Context, opt probe.Options) (probe.Result, error) {
		gotOpt = opt
		return probe.Result{Pipeline: config.Pipeline{
			Input:   config.Input{Path: "in.csv"},
			Output:  config.Output{Path: "out.csv"},
			Storage: config.Storage{Kind: "postgres", DSN: probe.DefaultDSN("postgres")},
		}}, nil
	}

	var stdout, stderr bytes.Buffer
	args := []string{"-url", "in.csv", "-bytes", "512", "-allow-insecure", "-dsn", "postgresql://real:5432/db"}
	if code := runMain(context.Background(), args, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code=%d; stderr=%s", code, stderr.String())
	}
	if gotOpt.MaxBytes != 512 || !gotOpt.AllowInsecureTLS || gotOpt.Backend != "sqlite" {
		t.Fatalf("options=%+v", gotOpt)
	}
	if !strings.Contains(stdout.String(), `"dsn": "postgresql://real:5432/db"`) {
		t.Fatalf("dsn not overridden:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "error: entities:") {
		t.Fatalf("expected validation issue on stderr, got %q", stderr.String())
	}
}

// Not parallel: uses t.Setenv.
func TestResolveDSNOverride(t *testing.T) {
	for _, k := range []string{"DSN", "DSN_HOST", "DSN_PORT", "DSN_USER", "DSN_PASSWORD", "DSN_DB", "DSN_PARAMS", "DSN_SSLMODE", "DSN_ENCRYPT", "DSN_SQLITE"} {
		t.Setenv(k, "")
	}

	if _, ok, err := resolveDSNOverride("postgres", ""); ok || err != nil {
		t.Fatalf("no override expected, ok=%v err=%v", ok, err)
	}

	t.Setenv("DSN_HOST", "db")
	t.Setenv("DSN_USER", "u")
	t.Setenv("DSN_PASSWORD", "p w")
	t.Setenv("DSN_PARAMS", "connect_timeout=5")

	tests := []struct {
		backend string
		want    string
	}{
		{"postgres", "postgresql://u:p%20w@db:5432/keyindex?connect_timeout=5&sslmode=disable"},
		{"mssql", "sqlserver://u:p%20w@db:1433?connect_timeout=5&database=keyindex&encrypt=disable"},
		{"redis", "redis://u:p%20w@db:6379/0?connect_timeout=5"},
		{"etcd", "db:2379"},
		{"sqlite", "file:keyindex.db?connect_timeout=5"},
	}
	for _, tc := range tests {
		got, ok, err := resolveDSNOverride(tc.backend, "")
		if err != nil || !ok || got != tc.want {
			t.Fatalf("%s: got (%q,%v,%v), want %q", tc.backend, got, ok, err, tc.want)
		}
	}
	if _, _, err := resolveDSNOverride("memory", ""); err == nil {
		t.Fatalf("expected error for memory backend")
	}

	t.Setenv("DSN", "postgresql://env/db")
	if got, _, _ := resolveDSNOverride("postgres", ""); got != "postgresql://env/db" {
		t.Fatalf("DSN env not preferred: %q", got)
	}
	if got, _, _ := resolveDSNOverride("postgres", "flag"); got != "flag" {
		t.Fatalf("flag not preferred: %q", got)
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ in, extra, want string }{
		{"", "", "file:keyindex.db"},
		{"data/x.db", "mode=rwc", "file:data/x.db?mode=rwc"},
		{"file:x.db?cache=shared", "mode=rwc", "file:x.db?cache=shared&mode=rwc"},
		{"file:x.db", "", "file:x.db"},
	} {
		if got := buildSQLiteDSN(tc.in, tc.extra); got != tc.want {
			t.Fatalf("buildSQLiteDSN(%q,%q)=%q, want %q", tc.in, tc.extra, got, tc.want)
		}
	}
}
