// Package filler contains the background workers that complete aggregates
// with off-chain payloads: workflow metadata JSON and WASM module binaries.
package filler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"registryScope/internal/ipfs"
	"registryScope/internal/model"
	"registryScope/internal/storage"
	"registryScope/internal/syncer"
)

// Config bounds one filler's batch and failure-skip behavior.
type Config struct {
	BatchSize    int
	IdleInterval time.Duration
	// Items with MaxAttempts or more recorded failures are skipped until
	// their last failure is older than FailureWindow.
	FailureWindow time.Duration
	MaxAttempts   int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Minute
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

func (c Config) filter() storage.FillerFilter {
	return storage.FillerFilter{
		Limit:       c.BatchSize,
		Window:      c.FailureWindow,
		MaxAttempts: c.MaxAttempts,
	}
}

// JSONFetcher retrieves a JSON payload by CID.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, cid string) (map[string]any, error)
}

// MetaFiller finds workflows still missing metadata, fetches their JSON
// payloads from the content store and applies them transactionally with
// per-item failure tracking.
type MetaFiller struct {
	cfg    Config
	store  storage.Store
	fetch  JSONFetcher
	logger *zap.Logger
	now    func() time.Time
}

func NewMetaFiller(cfg Config, store storage.Store, fetch JSONFetcher, logger *zap.Logger) *MetaFiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetaFiller{
		cfg:    cfg.withDefaults(),
		store:  store,
		fetch:  fetch,
		logger: logger.Named("meta_filler"),
		now:    time.Now,
	}
}

// Run polls for metadata-pending workflows until ctx is cancelled.
func (f *MetaFiller) Run(ctx context.Context) error {
	f.logger.Info("meta filler started")
	for {
		processed, err := f.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("meta filler batch failed", zap.Error(err))
		}
		if processed == 0 {
			if err := syncer.Wait(ctx, f.cfg.IdleInterval); err != nil {
				return err
			}
		}
	}
}

// RunOnce processes a single batch and returns the number of candidates seen.
// One item's failure never aborts the batch.
func (f *MetaFiller) RunOnce(ctx context.Context) (int, error) {
	var pending []*model.Workflow
	err := f.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		pending, err = tx.ListWorkflowsMissingMeta(ctx, f.cfg.filter())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list pending workflows: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	for _, wf := range pending {
		if err := ctx.Err(); err != nil {
			return len(pending), err
		}
		if err := f.fill(ctx, wf); err != nil {
			f.logger.Warn("meta fetch failed",
				zap.String("ipfs_hash", wf.IpfsHash),
				zap.Int("failures", wf.MetaFetchFailures+1),
				zap.Error(err),
			)
			if markErr := f.store.MarkWorkflowFetchFailure(ctx, wf.IpfsHash); markErr != nil {
				f.logger.Error("failure tracking update failed", zap.String("ipfs_hash", wf.IpfsHash), zap.Error(markErr))
			}
			continue
		}
		f.logger.Info("meta stored", zap.String("ipfs_hash", wf.IpfsHash))
	}
	return len(pending), nil
}

func (f *MetaFiller) fill(ctx context.Context, wf *model.Workflow) error {
	meta, err := f.fetch.FetchJSON(ctx, wf.IpfsHash)
	if err != nil {
		return err
	}

	if path := ipfs.FindRestrictedKey(meta); path != nil {
		return fmt.Errorf("metadata contains restricted key at %s", strings.Join(path, "."))
	}

	// The payload may declare an execution budget the recorded runs have
	// already met.
	cancelled := false
	probe := model.Workflow{Meta: meta}
	if count, ok := probe.ExecutionCount(); ok && wf.Runs >= count {
		cancelled = true
	}

	nextSimulation := nextCronTime(meta, f.now())

	err = f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetWorkflowMeta(ctx, wf.IpfsHash, meta, cancelled, nextSimulation)
	})
	if err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return f.store.ClearWorkflowFetchFailures(ctx, wf.IpfsHash)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronTime returns the next firing time of the first valid cron entry in
// the metadata's simulationConfig list, if any.
func nextCronTime(meta map[string]any, now time.Time) *time.Time {
	configs, ok := meta["simulationConfig"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range configs {
		cfg, ok := raw.(map[string]any)
		if !ok || cfg["type"] != "cron" {
			continue
		}
		expr, ok := cfg["expression"].(string)
		if !ok {
			continue
		}
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			continue
		}
		next := schedule.Next(now)
		return &next
	}
	return nil
}
