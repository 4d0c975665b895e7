// Command keyindex runs one indexing pipeline: it reads a CSV or JSON file,
// assigns stable surrogate indices to the configured business entities
// against durable mapping tables and writes the indexed CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keyindex/internal/config"
	"keyindex/internal/metrics"
	"keyindex/internal/metrics/datadog"
	"keyindex/internal/metrics/prompush"

	// register all backends with the storage factory; the config picks one.
	_ "keyindex/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, p config.Pipeline) error
}

// metricsBackend is what initMetrics needs from a constructed backend.
type metricsBackend interface {
	Close() error
}

// metricsSettings selects and addresses the metrics backend.
type metricsSettings struct {
	Job        string
	Backend    string
	GatewayURL string
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	decode      func(name string, raw []byte) (config.Pipeline, error)
	initMetrics func(ctx context.Context, s metricsSettings) (func(), error)
	newRunner   func(logger *log.Logger, verbose bool) runner
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		decode:      config.Decode,
		initMetrics: initMetrics,
		newRunner: func(logger *log.Logger, verbose bool) runner {
			return &pipelineRunner{logger: logger, verbose: verbose}
		},
	}
}

var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metricsBackend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain returns the process exit code: 0 on success, 1 on failure and 2 on
// usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("keyindex", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath    string
		backend    string
		gatewayURL string
		validate   bool
		verbose    bool
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config path (.json, .yaml or .yml)")
	fs.StringVar(&backend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (env METRICS_BACKEND)")
	fs.StringVar(&gatewayURL, "pushgateway-url", "", "Pushgateway base URL (env PUSHGATEWAY_URL)")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfgPath = strings.TrimSpace(cfgPath)
	if cfgPath == "" {
		fmt.Fprintln(stderr, "usage: keyindex -config <pipeline.json|yaml> [-validate] [-metrics-backend none|pushgateway|datadog] [-v]")
		return 2
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	p, err := deps.decode(cfgPath, raw)
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "invalid config: %s\n", cfgPath)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "valid: %s\n", cfgPath)
		return 0
	}

	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	if gatewayURL == "" {
		gatewayURL = os.Getenv("PUSHGATEWAY_URL")
	}
	cleanup, err := deps.initMetrics(ctx, metricsSettings{Job: p.JobName(), Backend: backend, GatewayURL: gatewayURL})
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	logger := log.New(stderr, "", log.LstdFlags)
	start := time.Now()
	if err := deps.newRunner(logger, verbose).Run(ctx, p); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if verbose {
		logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}

// initMetrics installs the selected backend. The returned cleanup is never
// nil and flushes or closes the backend.
func initMetrics(ctx context.Context, s metricsSettings) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "pushgateway", "prom", "prometheus":
		url := s.GatewayURL
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := newPushBackend(s.Job, url)
		if err != nil {
			return noop, fmt.Errorf("pushgateway: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: pushgateway close error: %v", err)
			}
		}, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    s.Job,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|pushgateway|datadog)", s.Backend)
	}
}
