package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"keyindex/internal/config"
	"keyindex/internal/dataset"
	"keyindex/internal/index"
	"keyindex/internal/indexer"
	"keyindex/internal/metrics"
	"keyindex/internal/parser/csv"
	"keyindex/internal/parser/json"
	"keyindex/internal/polish"
	"keyindex/internal/storage"
)

// memoryKind is used when the pipeline configures no storage.
const memoryKind = "memory"

// pipelineRunner executes a validated pipeline end to end.
type pipelineRunner struct {
	logger  *log.Logger
	verbose bool
}

func (r *pipelineRunner) Run(ctx context.Context, p config.Pipeline) error {
	start := time.Now()

	kind := p.Storage.Kind
	if kind == "" {
		kind = memoryKind
	}
	store, err := storage.Open(ctx, storage.Config{Kind: kind, DSN: p.Storage.DSN, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var skipped int
	onErr := func(pos int, err error) {
		skipped++
		r.logger.Printf("level=warn stage=read path=%s record=%d err=%v", p.Input.Path, pos, err)
	}
	var tbl *dataset.Table
	switch p.Input.InputFormat() {
	case config.FormatJSON:
		tbl, err = json.ReadFile(ctx, p.Input.Path, p.Input.Columns, p.Input.Options, onErr)
	default:
		tbl, err = csv.ReadFile(ctx, p.Input.Path, p.Input.Options, onErr)
	}
	if err != nil {
		return err
	}
	r.debugf("stage=read path=%s rows=%s columns=%d skipped=%d", p.Input.Path, humanize.Comma(int64(tbl.Len())), len(tbl.Columns()), skipped)

	// Key values are polished on the output only; NullKey must not reach
	// the allocator.
	if p.Polish {
		if tbl, err = polish.Columns(tbl); err != nil {
			return err
		}
	}

	ix, err := indexer.New(ctx, dataset.NewLocalEngine(p.Workers),
		indexer.WithStore(store, storage.Namespace{Catalog: p.Storage.Catalog, Schema: p.Storage.Schema}),
		indexer.WithLogger(r.logger),
		indexer.WithReloadAfterMerge(p.ReloadAfterMerge),
	)
	if err != nil {
		return err
	}

	chain := index.NewChain(tbl)
	for _, e := range p.Entity {
		mode, err := index.ParseMode(e.Mode)
		if err != nil {
			return err
		}

		ent := indexer.Entity{Kind: e.Kind, Columns: e.Columns, Mode: mode}
		if e.Table != "" {
			ref, err := storage.ParseTableRef(e.Table)
			if err != nil {
				return err
			}
			ent.Namespace = ref.Namespace
		}

		var res indexer.Result
		chain, res, err = ix.Index(ctx, chain, ent)
		if err != nil {
			return err
		}
		r.logger.Printf("entity=%s column=%s table=%s keys=%s new=%s unmapped=%s lost=%d",
			res.Kind, res.Column, res.Table,
			humanize.Comma(int64(res.Mapping.Len())),
			humanize.Comma(int64(res.Allocated)),
			humanize.Comma(int64(res.Unmapped)),
			len(res.Lost))

		if p.Output.MappingsDir != "" {
			if err := csv.WriteMappingFile(ctx, p.Output.MappingsDir, e.Kind, res.Mapping, p.Output.Options); err != nil {
				return err
			}
		}
	}

	out := chain.Current()
	if p.Polish {
		if out, err = polish.Table(out); err != nil {
			return err
		}
	}
	if err := csv.WriteFile(ctx, p.Output.Path, out, p.Output.Options); err != nil {
		return err
	}
	r.logger.Printf("stage=write path=%s rows=%s entities=%d namespace=%s duration=%s",
		p.Output.Path, humanize.Comma(int64(out.Len())), len(p.Entity), ix.Namespace(),
		time.Since(start).Truncate(time.Millisecond))

	if err := metrics.Flush(); err != nil {
		r.logger.Printf("level=warn stage=metrics err=%v", err)
	}
	return nil
}

func (r *pipelineRunner) debugf(format string, v ...any) {
	if r.verbose {
		r.logger.Printf(format, v...)
	}
}
