// Package batch runs a caller function over an ordered sequence in
// fixed-size batches, recording one report entry per batch.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/metrics"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// DefaultPause separates consecutive batches to stay under remote rate limits.
const DefaultPause = time.Second

// ProcessFunc processes one batch and returns an opaque result.
type ProcessFunc func(ctx context.Context, b types.Batch) (interface{}, error)

// Runner executes batches strictly in order.
type Runner struct {
	pause   time.Duration
	logger  zerolog.Logger
	metrics *metrics.Collector
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithPause sets the inter-batch pause. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.pause = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records batch outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithSleep replaces the pause implementation.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithClock replaces time.Now for duration measurement.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner with DefaultPause and a no-op logger.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		pause:  DefaultPause,
		logger: zerolog.Nop(),
		sleep:  Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan splits total items into batches of batchSize. The last batch holds
// the remainder.
func Plan(total, batchSize int) ([]types.Batch, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total must not be negative, got %d", types.ErrInvalidParameter, total)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", types.ErrInvalidParameter, batchSize)
	}

	batches := make([]types.Batch, 0, (total+batchSize-1)/batchSize)
	for offset := 0; offset < total; offset += batchSize {
		batches = append(batches, types.Batch{
			Number: len(batches) + 1,
			Offset: offset,
			Size:   min(batchSize, total-offset),
		})
	}
	return batches, nil
}

// Run calls fn once per batch of [0, total). A failing or panicking batch is
// recorded with zero duration and the run continues. If ctx is cancelled the
// batches not yet run are recorded as failures and ctx.Err() is returned along
// with the report.
func (r *Runner) Run(ctx context.Context, total, batchSize int, fn ProcessFunc) (*types.Report, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil process function", types.ErrInvalidParameter)
	}
	batches, err := Plan(total, batchSize)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Int("total", total).
		Int("batch_size", batchSize).
		Int("batches", len(batches)).
		Msg("Starting batch run")

	rep := report.New(nil)
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			r.abandon(rep, batches[i:], err)
			return rep, err
		}

		report.Add(rep, r.runOne(ctx, b, len(batches), fn))

		if i < len(batches)-1 && r.pause > 0 {
			if err := r.sleep(ctx, r.pause); err != nil {
				r.abandon(rep, batches[i+1:], err)
				return rep, err
			}
		}
	}

	r.logger.Info().
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Dur("total_duration", rep.TotalDuration).
		Msg("Batch run finished")
	return rep, nil
}

func (r *Runner) runOne(ctx context.Context, b types.Batch, count int, fn ProcessFunc) types.ReportEntry {
	log := r.logger.With().Int("batch", b.Number).Logger()
	log.Debug().Int("of", count).Int("offset", b.Offset).Int("size", b.Size).Msg("Processing batch")

	start := r.now()
	result, err := call(ctx, b, fn)
	elapsed := r.now().Sub(start)

	if err != nil {
		log.Error().Err(err).Msg("Batch failed")
		r.metrics.RecordBatch(false, 0)
		return failedEntry(b, err)
	}

	log.Info().Dur("duration", elapsed).Int("items", b.Size).Msg("Batch completed")
	r.metrics.RecordBatch(true, elapsed)
	return types.ReportEntry{
		UnitID:         unitID(b),
		BatchID:        b.Number,
		Outcome:        types.OutcomeSuccess,
		Duration:       elapsed,
		ItemsProcessed: b.Size,
		Result:         result,
	}
}

// abandon records every remaining batch as failed with cause.
func (r *Runner) abandon(rep *types.Report, rest []types.Batch, cause error) {
	if len(rest) == 0 {
		return
	}
	r.logger.Warn().Err(cause).Int("remaining", len(rest)).Msg("Batch run interrupted")
	for _, b := range rest {
		r.metrics.RecordBatch(false, 0)
		report.Add(rep, failedEntry(b, cause))
	}
}

// call runs fn and turns a panic into an error.
func call(ctx context.Context, b types.Batch, fn ProcessFunc) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, b)
}

func failedEntry(b types.Batch, cause error) types.ReportEntry {
	err := &types.UnitError{
		UnitID: unitID(b),
		Op:     "batch",
		Err:    fmt.Errorf("%w: %w", types.ErrBatchProcessing, cause),
	}
	return types.ReportEntry{
		UnitID:  unitID(b),
		BatchID: b.Number,
		Outcome: types.OutcomeFailure,
		Error:   err.Error(),
	}
}

func unitID(b types.Batch) string {
	return fmt.Sprintf("batch-%d", b.Number)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
