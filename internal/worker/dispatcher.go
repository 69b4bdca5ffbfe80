package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/metrics"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 50
	DefaultWorkers      = 8
)

// Handlers delivers one record to everything interested in it.
// *registry.Registry satisfies it.
type Handlers interface {
	Dispatch(ctx context.Context, rec model.Record) error
}

type Config struct {
	PollInterval time.Duration // pause between the end of one cycle and the next poll
	BatchSize    int           // records fetched per poll
	Workers      int           // records delivered concurrently within a batch
}

// BatchResult summarizes one poll cycle.
type BatchResult struct {
	Fetched      int
	Processed    int
	Failed       int // failed and still retryable
	DeadLettered int // failed for the last allowed time
	StoreErrors  int // outcomes that could not be recorded
}

func (r *BatchResult) add(o outcome) {
	switch o {
	case outcomeProcessed:
		r.Processed++
	case outcomeFailed:
		r.Failed++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeStoreError:
		r.StoreErrors++
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeDeadLettered
	outcomeStoreError
)

// Dispatcher polls the outbox and hands pending records to the registered
// handlers. Delivery is at-least-once: a record whose handlers fail is
// retried on a later poll until it reaches its retry ceiling, after which it
// stays in the store as a dead letter.
type Dispatcher struct {
	store    repository.OutboxRepository
	handlers Handlers
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher builds a stopped dispatcher. Zero config values fall back to
// the package defaults.
func NewDispatcher(store repository.OutboxRepository, handlers Handlers, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, handlers: handlers, cfg: cfg, log: log}
}

// Start launches the poll loop and returns immediately. The first poll runs
// right away. Calling Start on a running dispatcher only logs a warning.
// Cancelling ctx stops the loop like Stop does.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.log.Warn("dispatcher already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.running = true
	d.cancel = cancel
	d.done = done

	d.log.Info("dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("workers", d.cfg.Workers),
	)
	go d.loop(loopCtx, done)
}

// Stop cancels the pending poll and waits for the batch in flight, if any,
// to record its outcomes. Handlers are not interrupted. Stop returns
// ctx.Err() if ctx ends first; the loop still exits once the batch is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		if d.done == done {
			d.running = false
		}
		d.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("poll failed", zap.Error(err))
		} else if res.Fetched > 0 {
			d.log.Debug("batch delivered",
				zap.Int("fetched", res.Fetched),
				zap.Int("processed", res.Processed),
				zap.Int("failed", res.Failed),
				zap.Int("dead_lettered", res.DeadLettered),
				zap.Int("store_errors", res.StoreErrors),
			)
		}

		// the interval counts from the end of the cycle, so a slow batch
		// never overlaps the next poll
		timer.Reset(d.cfg.PollInterval)
	}
}

// RunOnce runs a single poll cycle: fetch up to BatchSize pending records,
// deliver them with at most Workers in flight, and record every outcome
// before returning. Only a failed fetch is returned as an error; failures to
// record an outcome are logged and counted in the result, and the record
// comes back on a later poll.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchResult, error) {
	recs, err := d.store.FindPending(ctx, d.cfg.BatchSize)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("find_pending").Inc()
		return BatchResult{}, fmt.Errorf("find pending: %w", err)
	}
	metrics.BatchSize.Observe(float64(len(recs)))

	res := BatchResult{Fetched: len(recs)}
	if len(recs) == 0 {
		return res, nil
	}

	// once fetched, a batch runs to completion even if the loop is stopped
	work := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, rec := range recs {
		g.Go(func() error {
			o := d.deliver(work, rec)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rec model.Record) outcome {
	log := d.log.With(
		zap.String("event_id", rec.EventID),
		zap.String("event_name", rec.EventName),
		zap.String("organization_id", rec.OrganizationID),
	)

	herr := d.handlers.Dispatch(ctx, rec)
	if herr == nil {
		if err := d.store.MarkProcessed(ctx, rec.EventID); err != nil {
			metrics.StoreErrors.WithLabelValues("mark_processed").Inc()
			log.Error("mark processed failed", zap.Error(err))
			return outcomeStoreError
		}
		metrics.EventsDelivered.WithLabelValues("processed", rec.EventName).Inc()
		return outcomeProcessed
	}

	if err := d.store.MarkFailed(ctx, rec.EventID, herr.Error()); err != nil {
		metrics.StoreErrors.WithLabelValues("mark_failed").Inc()
		log.Error("mark failed failed", zap.Error(err), zap.NamedError("handler_error", herr))
		return outcomeStoreError
	}

	attempts := rec.RetryCount + 1
	if attempts >= rec.MaxRetries {
		metrics.EventsDelivered.WithLabelValues("dead_lettered", rec.EventName).Inc()
		log.Error("event dead-lettered",
			zap.Int("retry_count", attempts),
			zap.Int("max_retries", rec.MaxRetries),
			zap.Error(herr),
		)
		return outcomeDeadLettered
	}

	metrics.EventsDelivered.WithLabelValues("failed", rec.EventName).Inc()
	log.Warn("event delivery failed, will retry",
		zap.Int("retry_count", attempts),
		zap.Int("max_retries", rec.MaxRetries),
		zap.Error(herr),
	)
	return outcomeFailed
}
