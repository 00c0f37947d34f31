package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/putto11262002/courierlink/internal/metrics"
)

const (
	kindMessage = "message"
	kindSample  = "sample"
)

type PersisterConfig struct {
	// QueueSize bounds the number of writes waiting to be stored. Writes beyond it are dropped.
	QueueSize int
	// BatchSize is the maximum number of records written in one transaction.
	BatchSize int
	// RetryInitial is the first retry delay of a failed write.
	RetryInitial time.Duration
	// RetryMaxElapsed bounds the total time spent retrying one batch.
	RetryMaxElapsed time.Duration
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing the store again.
	BreakerTimeout time.Duration
	// DrainTimeout bounds the best-effort drain on shutdown.
	DrainTimeout time.Duration
}

var DefaultPersisterConfig = PersisterConfig{
	QueueSize:       4096,
	BatchSize:       128,
	RetryInitial:    100 * time.Millisecond,
	RetryMaxElapsed: time.Minute,
	BreakerFailures: 5,
	BreakerTimeout:  30 * time.Second,
	DrainTimeout:    5 * time.Second,
}

type persistJob struct {
	message *Message
	sample  *SampleRecord
	flushed chan struct{}
}

// Persister writes accepted messages and samples to the history store in the
// background. Enqueueing never blocks the caller; failed writes are retried with
// exponential backoff behind a circuit breaker and logged when retries run out.
type Persister struct {
	store   HistoryStore
	queue   chan persistJob
	breaker *gobreaker.CircuitBreaker[struct{}]
	config  PersisterConfig
	logger  *slog.Logger
}

func NewPersister(store HistoryStore, config PersisterConfig, logger *slog.Logger) *Persister {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultPersisterConfig.QueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultPersisterConfig.BatchSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultPersisterConfig.RetryInitial
	}
	if config.RetryMaxElapsed <= 0 {
		config.RetryMaxElapsed = DefaultPersisterConfig.RetryMaxElapsed
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = DefaultPersisterConfig.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = DefaultPersisterConfig.BreakerTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultPersisterConfig.DrainTimeout
	}

	p := &Persister{
		store:  store,
		queue:  make(chan persistJob, config.QueueSize),
		config: config,
		logger: logger,
	}

	const name = "history-store"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return p
}

func (p *Persister) String() string {
	return "history-persister"
}

func (p *Persister) EnqueueMessage(m Message) {
	p.enqueue(kindMessage, persistJob{message: &m})
}

func (p *Persister) EnqueueSample(r SampleRecord) {
	p.enqueue(kindSample, persistJob{sample: &r})
}

func (p *Persister) enqueue(kind string, job persistJob) {
	select {
	case p.queue <- job:
		metrics.PersistQueueDepth.Set(float64(len(p.queue)))
	default:
		metrics.PersistDropped.WithLabelValues(kind, "queue_full").Inc()
		p.logger.Warn("persist queue full, dropping write", slog.String("kind", kind))
	}
}

// Flush blocks until every write queued before the call has been attempted.
func (p *Persister) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.queue <- persistJob{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve drains the queue until ctx is cancelled and then makes a best-effort
// attempt to store what is left.
func (p *Persister) Serve(ctx context.Context) error {
	p.logger.Info("persister started")
	for {
		select {
		case job := <-p.queue:
			p.process(ctx, p.batch(job))
		case <-ctx.Done():
			p.drain()
			p.logger.Info("persister stopped")
			return ctx.Err()
		}
	}
}

func (p *Persister) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DrainTimeout)
	defer cancel()
	for {
		select {
		case job := <-p.queue:
			p.process(ctx, p.batch(job))
		default:
			return
		}
	}
}

// batch collects up to BatchSize queued jobs without blocking.
func (p *Persister) batch(first persistJob) []persistJob {
	jobs := []persistJob{first}
	for len(jobs) < p.config.BatchSize {
		select {
		case job := <-p.queue:
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
	return jobs
}

func (p *Persister) process(ctx context.Context, jobs []persistJob) {
	metrics.PersistQueueDepth.Set(float64(len(p.queue)))

	var (
		msgs    []Message
		samples []SampleRecord
		flushes []chan struct{}
	)
	for _, job := range jobs {
		switch {
		case job.message != nil:
			msgs = append(msgs, *job.message)
		case job.sample != nil:
			samples = append(samples, *job.sample)
		case job.flushed != nil:
			flushes = append(flushes, job.flushed)
		}
	}

	if len(msgs) > 0 {
		p.write(ctx, kindMessage, len(msgs), func(ctx context.Context) error {
			return p.store.AppendMessages(ctx, msgs)
		})
	}
	if len(samples) > 0 {
		p.write(ctx, kindSample, len(samples), func(ctx context.Context) error {
			return p.store.AppendSamples(ctx, samples)
		})
	}
	for _, done := range flushes {
		close(done)
	}
}

func (p *Persister) write(ctx context.Context, kind string, n int, fn func(context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryInitial
	b.MaxElapsedTime = p.config.RetryMaxElapsed

	op := func() error {
		_, err := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("history write failed, retrying",
			slog.String("kind", kind),
			slog.Int("records", n),
			slog.Duration("next", next),
			slog.String("error", err.Error()))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		metrics.PersistDropped.WithLabelValues(kind, "retries_exhausted").Add(float64(n))
		p.logger.Error(fmt.Sprintf("history write abandoned: %v", err),
			slog.String("kind", kind), slog.Int("records", n))
		return
	}
	metrics.PersistWrites.WithLabelValues(kind).Add(float64(n))
}
