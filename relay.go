package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	workerIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	workerIDLength   = 10
	maxLastErrorLen  = 2048
)

// Relay periodically reads eligible records from the outbox table, claims them and
// dispatches them to the subscribers registered for their event type.
//
// Several relays may poll the same table. A record is only dispatched by the relay
// that won its claim, and a claim that outlives its lease is returned to pending by
// the sweep of any relay.
type Relay struct {
	dbCtx    *DBContext
	store    *store
	registry *Registry

	workerID        string
	interval        time.Duration
	sweepInterval   time.Duration
	readTimeout     time.Duration
	updateTimeout   time.Duration
	dispatchTimeout time.Duration
	leaseTimeout    time.Duration
	batchSize       int
	workers         int
	maxAttempts     int
	strictOrdering  bool
	partitions      []int
	delayFunc       DelayFunc
	retryable       func(error) bool
	now             func() time.Time

	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *relayMetrics
	tracer         trace.Tracer

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}

	chMu         sync.RWMutex
	chClosed     bool
	errCh        chan error
	deadLetterCh chan Record
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithInterval sets the time between relay cycles.
// Default is 1 second.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithSweepInterval sets how often expired leases are reclaimed.
// Default is 10 seconds.
func WithSweepInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.sweepInterval = interval
		}
	}
}

// WithReadTimeout sets the timeout for reading records from the outbox.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.readTimeout = timeout
		}
	}
}

// WithUpdateTimeout sets the timeout for claiming and settling a record.
// Default is 5 seconds.
func WithUpdateTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.updateTimeout = timeout
		}
	}
}

// WithDispatchTimeout sets the time all subscribers of a record get to handle it.
// Default is 10 seconds. It should stay below the lease timeout.
func WithDispatchTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.dispatchTimeout = timeout
		}
	}
}

// WithLeaseTimeout sets how long a claim is valid before other relays may reclaim it.
// Default is 30 seconds.
func WithLeaseTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.leaseTimeout = timeout
		}
	}
}

// WithReadBatchSize sets the maximum number of records read in a single cycle.
// Default is 100 records. Must be positive.
func WithReadBatchSize(batchSize int) RelayOption {
	return func(r *Relay) {
		if batchSize > 0 {
			r.batchSize = batchSize
		}
	}
}

// WithWorkers sets the number of goroutines dispatching a batch. Records are routed
// to workers by partition, so records of one aggregate are always dispatched in order
// by the same worker. Default is 1.
func WithWorkers(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithMaxAttempts sets the number of delivery attempts after which a record is
// dead-lettered. Dead-lettered records are sent to the channel returned by DeadLetters.
// Default is 10. Must be positive.
func WithMaxAttempts(maxAttempts int) RelayOption {
	return func(r *Relay) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

// WithStrictOrdering controls whether a record is held back while an earlier record
// of its aggregate is being processed or waits for a retry. Default is true.
func WithStrictOrdering(strict bool) RelayOption {
	return func(r *Relay) {
		r.strictOrdering = strict
	}
}

// WithPartitions restricts the relay to the given partitions. By default every
// partition is read.
func WithPartitions(partitions ...int) RelayOption {
	return func(r *Relay) {
		r.partitions = append([]int(nil), partitions...)
	}
}

// WithWorkerID sets the id stored in claimed_by. A random id is generated by default.
func WithWorkerID(id string) RelayOption {
	return func(r *Relay) {
		r.workerID = id
	}
}

// WithExponentialDelay sets the delay between delivery attempts to be exponential.
// See Exponential.
func WithExponentialDelay(initialDelay time.Duration, maxDelay time.Duration) RelayOption {
	return WithDelay(Exponential(initialDelay, maxDelay))
}

// WithFixedDelay sets the delay between delivery attempts to be fixed.
func WithFixedDelay(delay time.Duration) RelayOption {
	return WithDelay(Fixed(delay))
}

// WithDelay sets the delay function applied between delivery attempts.
// Default is Exponential(200ms, 1h).
func WithDelay(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		if delayFunc != nil {
			r.delayFunc = delayFunc
		}
	}
}

// WithRetryClassifier sets the function deciding whether a failed delivery may be
// retried. Non-retryable failures are dead-lettered at once. Poison payloads are
// never retried, whatever the classifier says.
func WithRetryClassifier(retryable func(error) bool) RelayOption {
	return func(r *Relay) {
		if retryable != nil {
			r.retryable = retryable
		}
	}
}

// WithClock sets the clock used for claims, backoff and lease expiry.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(r *Relay) {
		r.meterProvider = provider
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default is the global provider.
func WithTracerProvider(provider trace.TracerProvider) RelayOption {
	return func(r *Relay) {
		r.tracerProvider = provider
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithDeadLetterChannelSize sets the size of the dead letter channel.
// Default is 128. Size must be positive.
func WithDeadLetterChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.deadLetterCh = make(chan Record, size)
		}
	}
}

// NewRelay creates a new Relay reading the outbox table of dbCtx and dispatching
// records to the subscribers in registry.
func NewRelay(dbCtx *DBContext, registry *Registry, opts ...RelayOption) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		dbCtx:           dbCtx,
		store:           &store{dbCtx: dbCtx},
		registry:        registry,
		interval:        1 * time.Second,
		sweepInterval:   10 * time.Second,
		readTimeout:     5 * time.Second,
		updateTimeout:   5 * time.Second,
		dispatchTimeout: 10 * time.Second,
		leaseTimeout:    30 * time.Second,
		batchSize:       100,
		workers:         1,
		maxAttempts:     10,
		strictOrdering:  true,
		delayFunc:       Exponential(200*time.Millisecond, 1*time.Hour),
		retryable:       func(error) bool { return true },
		now:             func() time.Time { return time.Now().UTC() },
		logger:          zap.NewNop(),
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.registry == nil {
		r.registry = NewRegistry()
	}

	if r.workerID == "" {
		id, err := nanoid.Generate(workerIDAlphabet, workerIDLength)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("generating relay worker id: %w", err)
		}
		r.workerID = "relay-" + id
	}

	metrics, err := newRelayMetrics(r.meterProvider)
	if err != nil {
		cancel()
		return nil, err
	}
	r.metrics = metrics

	if r.tracerProvider == nil {
		r.tracerProvider = otel.GetTracerProvider()
	}
	r.tracer = r.tracerProvider.Tracer(instrumentationName)

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	if r.deadLetterCh == nil {
		r.deadLetterCh = make(chan Record, 128)
	}

	r.logger = r.logger.With(zap.String("relay_worker", r.workerID))

	return r, nil
}

// WorkerID returns the id the relay stores in claimed_by.
func (r *Relay) WorkerID() string {
	return r.workerID
}

// Start begins the background processing of outbox records.
// If Start is called multiple times, only the first call has an effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		ticker := time.NewTicker(r.interval)
		sweeper := time.NewTicker(r.sweepInterval)

		defer r.wg.Done()
		defer r.closeChannels()
		defer sweeper.Stop()
		defer ticker.Stop()

		r.logger.Info("outbox relay started",
			zap.Duration("interval", r.interval),
			zap.Int("batch_size", r.batchSize),
			zap.Int("workers", r.workers))

		for {
			select {
			case <-ticker.C:
				r.drain()
			case <-r.wake:
				r.drain()
			case <-sweeper.C:
				_, _ = r.Sweep(r.ctx)
			case <-r.ctx.Done():
				r.logger.Info("outbox relay stopped")
				return
			}
		}
	}()
}

// drain runs cycles back to back while full batches keep making progress.
func (r *Relay) drain() {
	for r.ctx.Err() == nil {
		res, err := r.RunOnce(r.ctx)
		if err != nil || res.Fetched < r.batchSize || res.progress() == 0 {
			return
		}
	}
}

// Stop gracefully shuts down the relay.
// It prevents new cycles from starting and waits for the ongoing one to finish.
// Records being dispatched when Stop is called are released back to pending.
// The provided context controls how long to wait for graceful shutdown.
//
// If the context expires before processing completes, Stop returns the context's
// error. Calling Stop multiple times is safe and only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes the relay up so it runs a cycle without waiting for the next tick.
// It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// DispatchResult summarizes one relay cycle.
type DispatchResult struct {
	Fetched           int
	Delivered         int
	Failed            int
	DeadLettered      int
	Released          int
	Skipped           int
	StateUpdateFailed int
}

func (d DispatchResult) progress() int {
	return d.Delivered + d.Failed + d.DeadLettered
}

func (d *DispatchResult) add(o DispatchResult) {
	d.Delivered += o.Delivered
	d.Failed += o.Failed
	d.DeadLettered += o.DeadLettered
	d.Released += o.Released
	d.Skipped += o.Skipped
	d.StateUpdateFailed += o.StateUpdateFailed
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeDeadLettered
	outcomeReleased
	outcomeSkipped
	outcomeStateUpdateFailed
)

func (d *DispatchResult) count(o outcome) {
	switch o {
	case outcomeDelivered:
		d.Delivered++
	case outcomeFailed:
		d.Failed++
	case outcomeDeadLettered:
		d.DeadLettered++
	case outcomeReleased:
		d.Released++
	case outcomeSkipped:
		d.Skipped++
	case outcomeStateUpdateFailed:
		d.StateUpdateFailed++
	}
}

// RunOnce runs a single relay cycle: it reads a batch of eligible records and
// dispatches them. Errors for individual records are contained and reported on the
// Errors channel; only a failure to read the batch is returned.
func (r *Relay) RunOnce(ctx context.Context) (DispatchResult, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay.run_once")
	defer span.End()

	records, err := r.readEligible(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reading outbox records")
		r.reportError(&ReadError{Err: err})
		return DispatchResult{}, err
	}

	r.metrics.batchSize.Record(ctx, int64(len(records)))

	result := DispatchResult{Fetched: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	buckets := make([][]Record, r.workers)
	for _, rec := range records {
		w := rec.Partition % r.workers
		if w < 0 {
			w = -w
		}
		buckets[w] = append(buckets[w], rec)
	}

	results := make([]DispatchResult, r.workers)
	var g errgroup.Group
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		g.Go(func() error {
			results[i] = r.processBucket(ctx, bucket)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		result.add(res)
	}

	span.SetAttributes(
		attribute.Int("outbox.records.fetched", result.Fetched),
		attribute.Int("outbox.records.delivered", result.Delivered),
		attribute.Int("outbox.records.failed", result.Failed),
		attribute.Int("outbox.records.dead_lettered", result.DeadLettered),
	)

	return result, nil
}

// Sweep returns records whose lease expired to pending, so a crashed relay does not
// hold them forever. It runs periodically once the relay is started.
func (r *Relay) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.updateTimeout)
	defer cancel()

	n, err := r.store.reclaimExpired(ctx, r.now())
	if err != nil {
		r.reportError(&SweepError{Err: err})
		return 0, err
	}

	if n > 0 {
		r.metrics.reclaimed.Add(ctx, n)
		r.logger.Info("reclaimed outbox records with expired leases", zap.Int64("count", n))
	}
	return n, nil
}

func (r *Relay) readEligible(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	return r.store.fetchEligible(ctx, fetchQuery{
		now:        r.now(),
		limit:      r.batchSize,
		partitions: r.partitions,
		strict:     r.strictOrdering,
	})
}

// processBucket dispatches the records of one worker in seq order. Once a record of
// an aggregate is not settled, later records of that aggregate wait for the next cycle.
func (r *Relay) processBucket(ctx context.Context, records []Record) DispatchResult {
	var res DispatchResult
	blocked := make(map[string]struct{})

	for i := range records {
		if ctx.Err() != nil {
			break
		}

		rec := &records[i]
		if _, ok := blocked[rec.AggregateID]; ok {
			res.count(outcomeSkipped)
			continue
		}

		o := r.process(ctx, rec)
		res.count(o)

		if o != outcomeDelivered && o != outcomeDeadLettered {
			blocked[rec.AggregateID] = struct{}{}
		}
	}

	return res
}

func (r *Relay) process(ctx context.Context, rec *Record) outcome {
	now := r.now()

	claimCtx, cancel := context.WithTimeout(ctx, r.updateTimeout)
	won, err := r.store.claim(claimCtx, rec, r.workerID, now, now.Add(r.leaseTimeout))
	cancel()
	if err != nil {
		r.reportError(&ClaimError{Record: *rec, Err: err})
		r.metrics.stateUpdateFailed.Add(ctx, 1)
		return outcomeStateUpdateFailed
	}
	if !won {
		r.logger.Debug("outbox record claimed by another relay", recordFields(rec)...)
		return outcomeSkipped
	}

	ctx, span := r.tracer.Start(ctx, "outbox.relay.dispatch", trace.WithAttributes(
		attribute.String("outbox.event_id", rec.ID.String()),
		attribute.String("outbox.event_type", rec.EventType),
		attribute.Int64("outbox.seq", rec.Seq),
	))
	defer span.End()

	start := time.Now()
	dispatchErr := r.dispatch(ctx, rec)
	r.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("event_type", rec.EventType)))

	// Settle even when the relay is stopping.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.updateTimeout)
	defer cancel()

	if ctx.Err() != nil {
		err := r.store.release(settleCtx, rec)
		if err != nil {
			return r.settleFailed(settleCtx, rec, err)
		}
		r.logger.Info("released outbox record on shutdown", recordFields(rec)...)
		return outcomeReleased
	}

	if dispatchErr == nil {
		err := r.store.markDelivered(settleCtx, rec, r.now())
		if err != nil {
			return r.settleFailed(settleCtx, rec, err)
		}
		r.metrics.delivered.Add(settleCtx, 1, metric.WithAttributes(attribute.String("event_type", rec.EventType)))
		return outcomeDelivered
	}

	span.RecordError(dispatchErr)
	span.SetStatus(codes.Error, "dispatch failed")
	return r.fail(settleCtx, rec, dispatchErr)
}

func (r *Relay) fail(ctx context.Context, rec *Record, dispatchErr error) outcome {
	r.reportError(&DispatchError{Record: *rec, Err: dispatchErr})

	now := r.now()
	poison := errors.Is(dispatchErr, ErrPoisonPayload)
	attempt := rec.RetryCount + 1
	deadLetter := poison || attempt >= r.maxAttempts || !r.retryable(dispatchErr)

	f := failure{
		lastError:     lastError(dispatchErr),
		nextAttemptAt: now.Add(r.delayFunc(rec.RetryCount)),
	}
	if deadLetter {
		f.deadLetteredAt = &now
	}

	err := r.store.markFailed(ctx, rec, f)
	if err != nil {
		return r.settleFailed(ctx, rec, err)
	}

	r.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", rec.EventType)))

	if !deadLetter {
		r.logger.Warn("outbox delivery failed, retry scheduled",
			append(recordFields(rec),
				zap.Time("next_attempt_at", f.nextAttemptAt),
				zap.Error(dispatchErr))...)
		return outcomeFailed
	}

	r.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", rec.EventType),
		attribute.Bool("poison", poison)))

	r.logger.Error("outbox record dead-lettered",
		append(recordFields(rec),
			zap.Bool("poison", poison),
			zap.String("aggregate_type", rec.AggregateType),
			zap.ByteString("payload", rec.Payload),
			zap.ByteString("metadata", rec.Metadata),
			zap.Error(dispatchErr))...)

	r.sendDeadLetter(*rec)
	return outcomeDeadLettered
}

func (r *Relay) settleFailed(ctx context.Context, rec *Record, err error) outcome {
	r.reportError(&UpdateError{Record: *rec, Err: err})
	r.metrics.stateUpdateFailed.Add(ctx, 1)
	return outcomeStateUpdateFailed
}

// dispatch invokes every subscriber of the record's event type. A failing subscriber
// does not prevent the others from running; all failures are joined.
func (r *Relay) dispatch(ctx context.Context, rec *Record) error {
	subs := r.registry.Subscribers(rec.EventType)
	if len(subs) == 0 {
		r.logger.Debug("no subscribers for outbox record", recordFields(rec)...)
		return nil
	}

	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: record %s payload is not valid JSON", ErrPoisonPayload, rec.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	e := rec.Event()

	var errs []error
	for _, s := range subs {
		if err := invoke(ctx, s.Subscriber, e); err != nil {
			errs = append(errs, &SubscriberError{Subscriber: s.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, s Subscriber, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panicked: %v", p)
		}
	}()
	return s.Handle(ctx, e)
}

func recordFields(rec *Record) []zap.Field {
	return []zap.Field{
		zap.String("event_id", rec.ID.String()),
		zap.Int64("seq", rec.Seq),
		zap.String("event_type", rec.EventType),
		zap.String("aggregate_id", rec.AggregateID),
		zap.Int("retry_count", rec.RetryCount),
	}
}

// SubscriberError is the failure of one subscriber. Dispatch errors join one
// SubscriberError per failing subscriber.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// DispatchError indicates that at least one subscriber failed to handle a record.
type DispatchError struct {
	Record Record
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching record %s: %v", e.Record.ID, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// ClaimError indicates an error while claiming a record.
type ClaimError struct {
	Record Record
	Err    error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claiming record %s: %v", e.Record.ID, e.Err)
}
func (e *ClaimError) Unwrap() error { return e.Err }

// UpdateError indicates an error when storing the outcome of a dispatch.
// The record stays in processing until its lease expires.
type UpdateError struct {
	Record Record
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating record %s: %v", e.Record.ID, e.Err)
}
func (e *UpdateError) Unwrap() error { return e.Err }

// ReadError indicates an error when reading records from the outbox.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("reading outbox records: %v", e.Err) }

func (e *ReadError) Unwrap() error { return e.Err }

// SweepError indicates an error while reclaiming expired leases.
type SweepError struct {
	Err error
}

func (e *SweepError) Error() string { return fmt.Sprintf("sweeping expired leases: %v", e.Err) }

func (e *SweepError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the relay.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors will be dropped to maintain relay throughput.
// The channel is closed when the relay is stopped.
//
// The returned error will be one of the following types, which can be checked
// using a type switch:
//   - *DispatchError: at least one subscriber failed. Contains the record.
//   - *ClaimError:    claiming a record failed. Contains the record.
//   - *UpdateError:   the outcome of a dispatch could not be stored. Contains the record.
//   - *ReadError:     reading records from the outbox failed.
//   - *SweepError:    reclaiming expired leases failed.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// DeadLetters returns a channel that receives records that were dead-lettered,
// either because they reached the maximum number of attempts or because their
// payload could not be decoded. The channel is closed when the relay is stopped.
//
// Consumers should drain this channel promptly to avoid missing records. Missed
// records can still be listed with Inspector.ListDeadLetters.
func (r *Relay) DeadLetters() <-chan Record {
	return r.deadLetterCh
}

func (r *Relay) reportError(err error) {
	r.logger.Debug("outbox relay error", zap.Error(err))

	r.chMu.RLock()
	defer r.chMu.RUnlock()

	if r.chClosed {
		return
	}

	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Relay) sendDeadLetter(rec Record) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()

	if r.chClosed {
		return
	}

	select {
	case r.deadLetterCh <- rec:
	default:
		// Channel buffer full, drop the record to prevent blocking
	}
}

func (r *Relay) closeChannels() {
	r.chMu.Lock()
	defer r.chMu.Unlock()

	r.chClosed = true
	close(r.errCh)
	close(r.deadLetterCh)
}
