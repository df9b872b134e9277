package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// TraceService provides async decision tracing with a buffered channel and
// background worker. Checks are traced without blocking the engine hot path.
type TraceService struct {
	store         trace.Store
	traceChan     chan trace.Record
	flushChan     chan chan error
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	// privacyMode replaces args with a canonical hash before buffering,
	// so raw arguments never sit in the queue.
	privacyMode bool

	channelSize int           // Track capacity for monitoring
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64  // Lock-free drop counter

	warningThreshold int          // Percentage (0-100), e.g., 80
	lastWarning      atomic.Int64 // Rate-limit warning logs (Unix nanos)

	// Depth % that triggers faster flushing (default 80, 0 disables).
	adaptiveFlushThreshold int
}

// TraceOption configures TraceService.
type TraceOption func(*TraceService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) TraceOption {
	return func(s *TraceService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) TraceOption {
	return func(s *TraceService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the trace channel buffer.
func WithChannelSize(size int) TraceOption {
	return func(s *TraceService) {
		s.traceChan = make(chan trace.Record, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately (no blocking), >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) TraceOption {
	return func(s *TraceService) {
		s.sendTimeout = timeout
	}
}

// WithPrivacyMode controls whether records carry raw args or only their hash.
func WithPrivacyMode(enabled bool) TraceOption {
	return func(s *TraceService) {
		s.privacyMode = enabled
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
// A warning is logged when channel depth exceeds this percentage of capacity.
func WithWarningThreshold(percent int) TraceOption {
	return func(s *TraceService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// WithAdaptiveFlushThreshold sets the channel depth % that triggers faster
// flushing. When depth exceeds this %, the flush interval drops to 1/4
// normal. Set to 0 to disable.
func WithAdaptiveFlushThreshold(percent int) TraceOption {
	return func(s *TraceService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.adaptiveFlushThreshold = percent
	}
}

// NewTraceService creates a new TraceService with the given store and options.
func NewTraceService(store trace.Store, logger *slog.Logger, opts ...TraceOption) *TraceService {
	defaultChannelSize := 1000
	s := &TraceService{
		store:                  store,
		traceChan:              make(chan trace.Record, defaultChannelSize),
		flushChan:              make(chan chan error),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes trace records.
func (s *TraceService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record sends a trace record to the background worker.
// Applies backpressure: attempts fast non-blocking send, then blocks up to
// sendTimeout. If the timeout expires, the record is dropped and counted.
func (s *TraceService) Record(record trace.Record) {
	record = s.applyPrivacy(record)

	// Check channel depth for early warning (rate-limited)
	if s.warningThreshold > 0 {
		depth := len(s.traceChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	// Fast path: non-blocking send
	select {
	case s.traceChan <- record:
		return
	default:
		// Channel full - apply backpressure
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(record)
		return
	}

	// Slow path: block with timeout
	select {
	case s.traceChan <- record:
		return
	case <-time.After(s.sendTimeout):
		s.recordDrop(record)
	}
}

// Flush forces the current batch plus anything queued out to the store and
// syncs it. Used by the admin flush endpoint and graceful shutdown paths.
func (s *TraceService) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushChan <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyPrivacy enforces the args handling contract: privacy mode keeps only
// the canonical hash, normal mode keeps args with sensitive keys masked.
func (s *TraceService) applyPrivacy(record trace.Record) trace.Record {
	if s.privacyMode {
		if record.Args != nil {
			record.ArgsHash = trace.CanonicalArgsHash(record.Args)
		}
		record.Args = nil
		return record
	}
	record.Args = trace.RedactSensitiveArgs(record.Args)
	return record
}

// recordDrop increments counter and logs drop
func (s *TraceService) recordDrop(record trace.Record) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("trace record dropped",
		"tool", record.Tool,
		"session", record.Session,
		"total_drops", drops,
	)
}

// warnChannelDepth logs warning about channel capacity (rate-limited to once per second).
func (s *TraceService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	// Try to claim this warning slot (CAS for thread safety)
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("trace channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns total dropped records (for metrics/alerting).
func (s *TraceService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage (for monitoring).
func (s *TraceService) ChannelDepth() int {
	return len(s.traceChan)
}

// ChannelCapacity returns channel buffer size (for percentage calculation).
func (s *TraceService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish.
// Pending records are flushed before returning.
func (s *TraceService) Stop() {
	close(s.traceChan)
	s.wg.Wait()
}

// worker is the background goroutine that collects and flushes trace records.
func (s *TraceService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]trace.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	// Track whether we're in fast-flush mode
	fastMode := false

	for {
		select {
		case record, ok := <-s.traceChan:
			if !ok {
				// Channel closed - final flush with bounded deadline
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if len(batch) > 0 {
					s.write(flushCtx, batch)
				}
				if err := s.store.Flush(flushCtx); err != nil {
					s.logger.Error("final trace flush failed", "error", err)
				}
				flushCancel()
				return
			}
			batch = append(batch, record)

			// Flush on batch full or adaptive trigger
			shouldFlush := len(batch) >= s.batchSize

			if !shouldFlush && s.adaptiveFlushThreshold > 0 && len(batch) > 0 {
				depth := len(s.traceChan)
				depthPercent := depth * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}

			if shouldFlush {
				s.write(ctx, batch)
				batch = batch[:0]
			}

			// Adaptive interval: adjust ticker based on channel pressure
			if s.adaptiveFlushThreshold > 0 {
				depth := len(s.traceChan)
				depthPercent := depth * 100 / s.channelSize

				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
					s.logger.Debug("trace adaptive flush: entering fast mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval/4,
					)
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
					s.logger.Debug("trace adaptive flush: returning to normal mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval,
					)
				}
			}

		case reply := <-s.flushChan:
			// Drain whatever is already queued so an explicit flush
			// covers every record enqueued before the call.
			batch = s.drainQueued(batch)
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}
			reply <- s.store.Flush(ctx)

		case <-ticker.C:
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Context cancelled - drain channel and flush with bounded deadline
			for {
				select {
				case record, ok := <-s.traceChan:
					if !ok {
						s.finalFlush(batch)
						return
					}
					batch = append(batch, record)
				default:
					s.finalFlush(batch)
					return
				}
			}
		}
	}
}

// drainQueued moves all currently-queued records into batch without blocking.
func (s *TraceService) drainQueued(batch []trace.Record) []trace.Record {
	for {
		select {
		case record, ok := <-s.traceChan:
			if !ok {
				return batch
			}
			batch = append(batch, record)
		default:
			return batch
		}
	}
}

// finalFlush writes remaining records with a bounded deadline.
func (s *TraceService) finalFlush(batch []trace.Record) {
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if len(batch) > 0 {
		s.write(flushCtx, batch)
	}
	if err := s.store.Flush(flushCtx); err != nil {
		s.logger.Error("final trace flush failed", "error", err)
	}
}

// write hands a batch to the store.
// Errors are logged but not propagated - tracing must not fail checks.
func (s *TraceService) write(ctx context.Context, batch []trace.Record) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write trace batch",
			"error", err,
			"count", len(batch),
		)
	}
}
