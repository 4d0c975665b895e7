package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keyindex/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestPipelineRunner_SQLitePersistsAcrossRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "sales.csv")
	writeFile(t, in, "FK__customer,source_system,plant_code,amount\nAcme,SAP,001,10\n ACME ,SAP,1,20\nnova retail,SAP,002,30\n,JDE,7,40\n")

	p := config.Pipeline{
		Input:   config.Input{Path: in},
		Output:  config.Output{Path: filepath.Join(dir, "out", "sales.csv"), MappingsDir: filepath.Join(dir, "maps")},
		Storage: config.Storage{Kind: "sqlite", DSN: filepath.Join(dir, "mappings.db")},
		Entity: []config.Entity{
			{Kind: "customer", Columns: []string{"FK__customer"}},
			{Kind: "plant", Columns: []string{"source_system", "plant_code"}, Mode: "append"},
		},
		Workers: 2,
	}

	var logs bytes.Buffer
	r := &pipelineRunner{logger: log.New(&logs, "", 0), verbose: true}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v\nlogs:\n%s", err, logs.String())
	}

	want := "FK__customer,source_system,plant_code,amount,Index__customer,Index__plant\n" +
		"Acme,SAP,001,10,1,2\n" +
		"ACME,SAP,1,20,1,2\n" +
		"nova retail,SAP,002,30,2,3\n" +
		",JDE,7,40,,1\n"
	if got := readFile(t, p.Output.Path); got != want {
		t.Fatalf("output:\n%s\nwant:\n%s", got, want)
	}
	if got := readFile(t, filepath.Join(dir, "maps", "customer.csv")); got != "index,customer\n1,ACME\n2,NOVA RETAIL\n" {
		t.Fatalf("customer mapping=%q", got)
	}
	if !strings.Contains(logs.String(), "entity=customer column=Index__customer table=main.main.mapping__active_customers keys=2 new=2") {
		t.Fatalf("missing entity summary in logs:\n%s", logs.String())
	}
	if !strings.Contains(logs.String(), "stage=read path=") {
		t.Fatalf("verbose read line missing:\n%s", logs.String())
	}

	// A second run on new data keeps the stored indices and extends them.
	writeFile(t, in, "FK__customer,source_system,plant_code,amount\nbravo,SAP,1,5\nacme,SAP,9,6\n")
	logs.Reset()
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("second Run: %v\nlogs:\n%s", err, logs.String())
	}
	want = "FK__customer,source_system,plant_code,amount,Index__customer,Index__plant\n" +
		"bravo,SAP,1,5,3,2\n" +
		"acme,SAP,9,6,1,4\n"
	if got := readFile(t, p.Output.Path); got != want {
		t.Fatalf("second output:\n%s\nwant:\n%s", got, want)
	}
}

func TestPipelineRunner_PolishAndKnownOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeFile(t, in, "Amount;KeyP__Customer\n10; 0042 \n20;\n")

	p := config.Pipeline{
		Input:  config.Input{Path: in, Options: config.Options{"comma": ";"}},
		Output: config.Output{Path: filepath.Join(dir, "out.csv")},
		Polish: true,
		Entity: []config.Entity{{Kind: "customer", Columns: []string{"keyp__customer"}, Mode: "known_only"}},
	}

	r := &pipelineRunner{logger: log.New(&bytes.Buffer{}, "", 0)}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The run-scoped memory store starts empty, so known_only maps nothing.
	want := "index__customer,keyp__customer,amount\n,42,10\n,na,20\n"
	if got := readFile(t, p.Output.Path); got != want {
		t.Fatalf("output:\n%s\nwant:\n%s", got, want)
	}
}

func TestPipelineRunner_PolishNeverIndexesNullKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeFile(t, in, "KeyP__Customer,amount\nacme,10\n,20\n")

	p := config.Pipeline{
		Input:  config.Input{Path: in},
		Output: config.Output{Path: filepath.Join(dir, "out.csv"), MappingsDir: filepath.Join(dir, "maps")},
		Polish: true,
		Entity: []config.Entity{{Kind: "customer", Columns: []string{"keyp__customer"}}},
	}

	r := &pipelineRunner{logger: log.New(&bytes.Buffer{}, "", 0)}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The published key is filled, the index stays null.
	want := "index__customer,keyp__customer,amount\n1,acme,10\n,na,20\n"
	if got := readFile(t, p.Output.Path); got != want {
		t.Fatalf("output:\n%s\nwant:\n%s", got, want)
	}
	if got := readFile(t, filepath.Join(dir, "maps", "customer.csv")); got != "index,customer\n1,ACME\n" {
		t.Fatalf("customer mapping=%q", got)
	}
}

func TestPipelineRunner_EntityTablePinsNamespace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeFile(t, in, "FK__customer\nacme\n")

	p := config.Pipeline{
		Input:   config.Input{Path: in},
		Output:  config.Output{Path: filepath.Join(dir, "out.csv")},
		Storage: config.Storage{Kind: "memory"},
		Entity:  []config.Entity{{Kind: "customer", Columns: []string{"FK__customer"}, Table: "erp.archive.mapping__active_customers"}},
	}

	var logs bytes.Buffer
	r := &pipelineRunner{logger: log.New(&logs, "", 0)}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(logs.String(), "table=erp.archive.mapping__active_customers keys=1 new=1 unmapped=0 lost=0") {
		t.Fatalf("entity summary missing:\n%s", logs.String())
	}

	p.Entity[0].Table = "archive.mapping__active_customers"
	p.Output.Path = filepath.Join(dir, "bad.csv")
	if err := r.Run(context.Background(), p); err == nil || !strings.Contains(err.Error(), "catalog.schema.table") {
		t.Fatalf("err=%v, want malformed table error", err)
	}
}

func TestPipelineRunner_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	writeFile(t, in, "k\nA\n")
	r := &pipelineRunner{logger: log.New(&bytes.Buffer{}, "", 0)}

	tests := []struct {
		name    string
		p       config.Pipeline
		wantSub string
	}{
		{
			name: "unknown_storage",
			p: config.Pipeline{
				Input: config.Input{Path: in}, Output: config.Output{Path: filepath.Join(dir, "o1.csv")},
				Storage: config.Storage{Kind: "cassandra"},
				Entity:  []config.Entity{{Kind: "customer", Columns: []string{"k"}}},
			},
			wantSub: "open storage",
		},
		{
			name: "missing_input",
			p: config.Pipeline{
				Input: config.Input{Path: filepath.Join(dir, "nope.csv")}, Output: config.Output{Path: filepath.Join(dir, "o2.csv")},
				Entity: []config.Entity{{Kind: "customer", Columns: []string{"k"}}},
			},
			wantSub: "nope.csv",
		},
		{
			name: "unknown_column",
			p: config.Pipeline{
				Input: config.Input{Path: in}, Output: config.Output{Path: filepath.Join(dir, "o3.csv")},
				Entity: []config.Entity{{Kind: "customer", Columns: []string{"missing"}}},
			},
			wantSub: "unknown column",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := r.Run(context.Background(), tc.p)
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err=%v, want contains %q", err, tc.wantSub)
			}
			if _, statErr := os.Stat(tc.p.Output.Path); statErr == nil {
				t.Fatalf("output written despite error")
			}
		})
	}
}

func TestRunMain_EndToEndWithRealConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	out := filepath.Join(dir, "out.csv")
	writeFile(t, in, "FK__material\nm-1\nM-1\nm-2\n")
	cfg := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, cfg, "job: materials\ninput:\n  path: "+in+"\noutput:\n  path: "+out+"\nstorage:\n  kind: memory\nentities:\n  - kind: material\n    columns: [FK__material]\n")

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", cfg, "-metrics-backend", "none"}, &stdout, &stderr, defaultDeps())
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%s", code, stderr.String())
	}
	if stdout.String() != "ok\n" {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if got := readFile(t, out); got != "FK__material,Index__material\nm-1,1\nM-1,1\nm-2,2\n" {
		t.Fatalf("output=%q", got)
	}
}

func TestPipelineRunner_JSONInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "orders.json")
	writeFile(t, in, `{"count":3,"orders":[{"customer":"acme","qty":2},{"customer":"ACME","qty":1},{"customer":"nova","qty":7}]}`)

	p := config.Pipeline{
		Input:  config.Input{Path: in, Format: "json", Columns: []string{"customer", "qty"}},
		Output: config.Output{Path: filepath.Join(dir, "out.csv")},
		Entity: []config.Entity{{Kind: "customer", Columns: []string{"customer"}}},
	}
	r := &pipelineRunner{logger: log.New(&bytes.Buffer{}, "", 0)}
	if err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "customer,qty,Index__customer\nacme,2,1\nACME,1,1\nnova,7,2\n"
	if got := readFile(t, p.Output.Path); got != want {
		t.Fatalf("output:\n%s\nwant:\n%s", got, want)
	}
}
