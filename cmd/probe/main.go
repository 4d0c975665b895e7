// Command probe bootstraps a keyindex pipeline config by sampling an input.
//
// It reads a bounded prefix of the input (default 20KB), detects CSV or JSON,
// proposes one entity per key-role column (FK__, PK__, keyP__, keyF__) and
// prints the config as JSON or YAML. With -report it prints the key
// uniqueness report instead.
//
// # DSN overrides
//
// The generated storage DSN is a placeholder for the chosen backend. It can be
// replaced with, in order of precedence:
//
//  1. -dsn "<dsn>"
//  2. DSN="<dsn>"
//  3. DSN_HOST / DSN_PORT / DSN_USER / DSN_PASSWORD / DSN_DB plus
//     DSN_SSLMODE (postgres), DSN_ENCRYPT (mssql), DSN_SQLITE (sqlite) and
//     DSN_PARAMS for extra query parameters.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"keyindex/internal/config"
	"keyindex/internal/probe"
)

var probeRun = probe.Run

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		flagURL      = fs.String("url", "", "URL or path of the source file (CSV or JSON)")
		flagBytes    = fs.Int("bytes", probe.DefaultMaxBytes, "Number of bytes to sample from the start of the file")
		flagName     = fs.String("name", "dataset", "Dataset name (used for job and output naming)")
		flagJob      = fs.String("job", "", "Job name; defaults to normalized -name")
		flagBackend  = fs.String("backend", "sqlite", "Storage backend: sqlite|postgres|mssql|redis|etcd|memory")
		flagFormat   = fs.String("format", "json", "Config output format: json|yaml")
		flagPretty   = fs.Bool("pretty", true, "Pretty-print JSON output")
		flagReport   = fs.Bool("report", false, "Print uniqueness report instead of the config")
		flagInsecure = fs.Bool("allow-insecure", false, "Skip TLS verification for https sources")
		flagDSN      = fs.String("dsn", "", "Override storage DSN (highest priority)")
		flagTimeout  = fs.Duration("timeout", 60*time.Second, "Probe timeout")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*flagURL) == "" {
		fmt.Fprintln(stderr, "missing -url")
		fs.Usage()
		return 2
	}
	format := strings.ToLower(strings.TrimSpace(*flagFormat))
	if format != "json" && format != "yaml" {
		fmt.Fprintf(stderr, "unsupported -format %q (want json or yaml)\n", *flagFormat)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *flagTimeout)
	defer cancel()

	res, err := probeRun(ctx, probe.Options{
		URL:              *flagURL,
		MaxBytes:         *flagBytes,
		Name:             *flagName,
		Job:              *flagJob,
		Backend:          *flagBackend,
		AllowInsecureTLS: *flagInsecure,
	})
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}

	if *flagReport {
		fmt.Fprintln(stdout, res.Stats.Report())
		return 0
	}

	p := res.Pipeline
	dsn, ok, err := resolveDSNOverride(p.Storage.Kind, strings.TrimSpace(*flagDSN))
	if err != nil {
		fmt.Fprintf(stderr, "dsn override: %v\n", err)
		return 1
	}
	if ok {
		p.Storage.DSN = dsn
	}

	for _, iss := range config.ValidatePipeline(p) {
		fmt.Fprintf(stderr, "%s\n", iss.String())
	}

	if err := encodePipeline(stdout, p, format, *flagPretty); err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return 1
	}
	return 0
}

func encodePipeline(w io.Writer, p config.Pipeline, format string, pretty bool) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(p)
}

// resolveDSNOverride returns the DSN that replaces the generated placeholder,
// or ok=false when nothing is configured.
func resolveDSNOverride(backend, flagDSN string) (dsn string, ok bool, err error) {
	if flagDSN != "" {
		return flagDSN, true, nil
	}
	if v := strings.TrimSpace(os.Getenv("DSN")); v != "" {
		return v, true, nil
	}

	host := strings.TrimSpace(os.Getenv("DSN_HOST"))
	port := strings.TrimSpace(os.Getenv("DSN_PORT"))
	user := strings.TrimSpace(os.Getenv("DSN_USER"))
	pass := os.Getenv("DSN_PASSWORD")
	db := strings.TrimSpace(os.Getenv("DSN_DB"))
	params := strings.TrimSpace(os.Getenv("DSN_PARAMS"))
	sslmode := strings.TrimSpace(os.Getenv("DSN_SSLMODE"))
	encrypt := strings.TrimSpace(os.Getenv("DSN_ENCRYPT"))
	sqlitePath := strings.TrimSpace(os.Getenv("DSN_SQLITE"))

	if host == "" && port == "" && user == "" && pass == "" && db == "" && params == "" && sslmode == "" && encrypt == "" && sqlitePath == "" {
		return "", false, nil
	}

	switch backend {
	case "postgres":
		return buildURLDSN("postgresql", orDefault(host, "localhost"), orDefault(port, "5432"), user, pass, "/"+orDefault(db, "keyindex"),
			map[string]string{"sslmode": orDefault(sslmode, "disable")}, params), true, nil
	case "mssql":
		return buildURLDSN("sqlserver", orDefault(host, "localhost"), orDefault(port, "1433"), user, pass, "",
			map[string]string{"database": orDefault(db, "keyindex"), "encrypt": orDefault(encrypt, "disable")}, params), true, nil
	case "redis":
		return buildURLDSN("redis", orDefault(host, "localhost"), orDefault(port, "6379"), user, pass, "/"+orDefault(db, "0"), nil, params), true, nil
	case "etcd":
		return orDefault(host, "localhost") + ":" + orDefault(port, "2379"), true, nil
	case "sqlite":
		return buildSQLiteDSN(sqlitePath, params), true, nil
	default:
		return "", false, fmt.Errorf("unsupported backend for DSN override: %q", backend)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func buildURLDSN(scheme, host, port, user, pass, path string, query map[string]string, extra string) string {
	u := &url.URL{Scheme: scheme, Host: host + ":" + port, Path: path}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}
	q := url.Values{}
	for k, v := range query {
		q.Set(k, v)
	}
	appendRawParams(q, extra)
	u.RawQuery = q.Encode()
	return u.String()
}

// buildSQLiteDSN treats a value containing ':' as a full DSN and anything
// else as a file path.
func buildSQLiteDSN(override, extra string) string {
	base := orDefault(override, "keyindex.db")
	if strings.Contains(base, ":") {
		if extra == "" {
			return base
		}
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + extra
	}
	dsn := "file:" + base
	if extra != "" {
		dsn += "?" + extra
	}
	return dsn
}

// appendRawParams adds DSN_PARAMS (k=v&k2=v2, no leading '?'). Malformed
// input is ignored.
func appendRawParams(q url.Values, raw string) {
	if raw == "" {
		return
	}
	parsed, err := url.ParseQuery(raw)
	if err != nil {
		return
	}
	for k, vals := range parsed {
		if strings.TrimSpace(k) == "" {
			continue
		}
		for _, v := range vals {
			q.Add(k, v)
		}
	}
}
