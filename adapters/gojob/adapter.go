package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDRefreshSweep = "openbanking.token.refresh_sweep"
	JobIDPendingPurge = "openbanking.pending_authorization.purge"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// TokenLister walks the stored current token records.
type TokenLister interface {
	List(ctx context.Context) ([]core.TokenRecord, error)
}

// TokenRefresher refreshes tokens that enter the lead window.
type TokenRefresher interface {
	EnsureTokenFresh(ctx context.Context, req core.EnsureTokenFreshRequest) (core.EnsureTokenFreshResult, error)
}

// PendingPurger drops authorization attempts whose verifier TTL elapsed.
type PendingPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Scanned   int
	Attempted int
	Refreshed int
	Failed    int
	Purged    int
	Duration  time.Duration
}

// RefreshSweeper walks every stored token and refreshes the ones about to
// expire, then purges expired pending authorizations. Entry failures are
// counted and logged, not returned; the next sweep retries them.
type RefreshSweeper struct {
	tokens             TokenLister
	service            TokenRefresher
	pending            PendingPurger
	logger             glog.Logger
	metrics            core.MetricsRecorder
	retry              core.RetryOptions
	refreshLeadWindow  time.Duration
	expiringSoonWindow time.Duration
}

type SweeperOption func(*RefreshSweeper)

// WithPendingPurger enables the expired pending-authorization purge step.
func WithPendingPurger(purger PendingPurger) SweeperOption {
	return func(s *RefreshSweeper) {
		s.pending = purger
	}
}

func WithLogger(logger glog.Logger) SweeperOption {
	return func(s *RefreshSweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(recorder core.MetricsRecorder) SweeperOption {
	return func(s *RefreshSweeper) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithRetryOptions bounds the per-token refresh attempts inside a sweep.
func WithRetryOptions(opts core.RetryOptions) SweeperOption {
	return func(s *RefreshSweeper) {
		s.retry = opts
	}
}

// WithWindows overrides the service freshness windows. Zero values defer
// to the service configuration.
func WithWindows(refreshLead time.Duration, expiringSoon time.Duration) SweeperOption {
	return func(s *RefreshSweeper) {
		s.refreshLeadWindow = refreshLead
		s.expiringSoonWindow = expiringSoon
	}
}

func NewRefreshSweeper(tokens TokenLister, service TokenRefresher, opts ...SweeperOption) *RefreshSweeper {
	sweeper := &RefreshSweeper{
		tokens:  tokens,
		service: service,
		logger:  glog.Nop(),
		metrics: core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}
	return sweeper
}

func (s *RefreshSweeper) Run(ctx context.Context) (SweepReport, error) {
	if s == nil || s.tokens == nil || s.service == nil {
		return SweepReport{}, fmt.Errorf("gojob: refresh sweeper is not configured")
	}
	startedAt := time.Now()
	report := SweepReport{}

	records, err := s.tokens.List(ctx)
	if err != nil {
		return report, fmt.Errorf("gojob: list tokens: %w", err)
	}

	for _, record := range records {
		if ctx.Err() != nil {
			report.Duration = time.Since(startedAt)
			return report, ctx.Err()
		}
		report.Scanned++
		token := record.Token
		req := core.EnsureTokenFreshRequest{
			BankCode:           record.BankCode,
			Environment:        record.Environment,
			Token:              &token,
			RefreshLeadWindow:  s.refreshLeadWindow,
			ExpiringSoonWindow: s.expiringSoonWindow,
		}

		var result core.EnsureTokenFreshResult
		_, err := core.RunWithRetry(ctx, s.retry, func(ctx context.Context, _ int) error {
			var innerErr error
			result, innerErr = s.service.EnsureTokenFresh(ctx, req)
			return innerErr
		})
		if err != nil {
			report.Failed++
			s.logger.Error("refresh sweep entry failed",
				"bank_code", record.BankCode,
				"environment", string(record.Environment),
				"error", err,
			)
			s.metrics.IncCounter(ctx, "openbanking.refresh_sweep.failures", 1, map[string]string{
				"bank_code":   record.BankCode,
				"environment": string(record.Environment),
			})
			continue
		}
		if result.RefreshAttempted {
			report.Attempted++
		}
		if result.Refreshed {
			report.Refreshed++
			s.metrics.IncCounter(ctx, "openbanking.refresh_sweep.refreshed", 1, map[string]string{
				"bank_code":   record.BankCode,
				"environment": string(record.Environment),
			})
		}
	}

	report.Purged = s.purge(ctx)
	report.Duration = time.Since(startedAt)
	s.metrics.ObserveHistogram(ctx, "openbanking.refresh_sweep.duration_ms",
		float64(report.Duration.Milliseconds()), map[string]string{})
	s.logger.Info("refresh sweep complete",
		"scanned", report.Scanned,
		"attempted", report.Attempted,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"purged", report.Purged,
	)
	return report, nil
}

func (s *RefreshSweeper) purge(ctx context.Context) int {
	if s.pending == nil {
		return 0
	}
	purged, err := s.pending.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("pending authorization purge failed", "error", err)
		return 0
	}
	return purged
}

// EnqueueSweep pushes a sweep execution onto the queue. The idempotency
// key collapses duplicate schedules inside one interval.
func EnqueueSweep(ctx context.Context, enqueuer queue.Enqueuer, idempotencyKey string) error {
	if enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return enqueuer.Enqueue(ctx, &job.ExecutionMessage{
		JobID:          JobIDRefreshSweep,
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
		Parameters:     map[string]any{},
	})
}

// EnqueuePendingPurge pushes a standalone purge execution onto the queue.
func EnqueuePendingPurge(ctx context.Context, enqueuer queue.Enqueuer, idempotencyKey string) error {
	if enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return enqueuer.Enqueue(ctx, &job.ExecutionMessage{
		JobID:          JobIDPendingPurge,
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
		Parameters:     map[string]any{},
	})
}

// SweepConsumer drains sweep and purge executions from a queue and routes
// them to the sweeper.
type SweepConsumer struct {
	dequeuer queue.Dequeuer
	sweeper  *RefreshSweeper
	policy   RetryPolicy
}

func NewSweepConsumer(dequeuer queue.Dequeuer, sweeper *RefreshSweeper, policy RetryPolicy) *SweepConsumer {
	return &SweepConsumer{dequeuer: dequeuer, sweeper: sweeper, policy: policy}
}

// ProcessNext handles a single delivery. Unknown job IDs are dead-lettered
// so a misrouted message cannot loop forever.
func (c *SweepConsumer) ProcessNext(ctx context.Context, attempt int) error {
	if c == nil || c.dequeuer == nil || c.sweeper == nil {
		return fmt.Errorf("gojob: sweep consumer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
			DeadLetter: true,
			Reason:     "empty execution message",
		}, attempt))
	}

	switch msg.JobID {
	case JobIDRefreshSweep:
		if _, err := c.sweeper.Run(ctx); err != nil {
			return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
				Requeue: true,
				Reason:  err.Error(),
			}, attempt))
		}
	case JobIDPendingPurge:
		if c.sweeper.pending == nil {
			return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
				DeadLetter: true,
				Reason:     "no pending purger configured",
			}, attempt))
		}
		if _, err := c.sweeper.pending.PurgeExpired(ctx); err != nil {
			return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
				Requeue: true,
				Reason:  err.Error(),
			}, attempt))
		}
	default:
		return delivery.Nack(ctx, c.policy.NormalizeAttempt(queue.NackOptions{
			DeadLetter: true,
			Reason:     fmt.Sprintf("unknown job id %q", msg.JobID),
		}, attempt))
	}
	return delivery.Ack(ctx)
}

// SweepWorkerHook reports queue worker lifecycle events through the
// openbanking logger and metrics.
type SweepWorkerHook struct {
	logger  glog.Logger
	metrics core.MetricsRecorder
}

func NewSweepWorkerHook(logger glog.Logger, metrics core.MetricsRecorder) *SweepWorkerHook {
	if logger == nil {
		logger = glog.Nop()
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &SweepWorkerHook{logger: logger, metrics: metrics}
}

func (h *SweepWorkerHook) OnStart(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.logger.Debug("sweep job started", "job_id", hookJobID(event))
}

func (h *SweepWorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.metrics.IncCounter(ctx, "openbanking.jobs.succeeded", 1, map[string]string{"job_id": hookJobID(event)})
	h.metrics.ObserveHistogram(ctx, "openbanking.jobs.duration_ms",
		float64(event.Duration.Milliseconds()), map[string]string{"job_id": hookJobID(event)})
}

func (h *SweepWorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.logger.Error("sweep job failed", "job_id", hookJobID(event), "attempt", event.Attempt, "error", event.Err)
	h.metrics.IncCounter(ctx, "openbanking.jobs.failed", 1, map[string]string{"job_id": hookJobID(event)})
}

func (h *SweepWorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.logger.Warn("sweep job retrying", "job_id", hookJobID(event), "attempt", event.Attempt, "delay", event.Delay)
	h.metrics.IncCounter(ctx, "openbanking.jobs.retried", 1, map[string]string{"job_id": hookJobID(event)})
}

func hookJobID(event worker.Event) string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message == nil {
		return ""
	}
	return message.JobID
}

var (
	_ TokenLister    = (core.TokenStore)(nil)
	_ TokenRefresher = (core.BankingService)(nil)
	_ worker.Hook    = (*SweepWorkerHook)(nil)
)
