package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/llm/circuitbreaker"
	"github.com/loomhq/loom/llm/retry"
	"github.com/loomhq/loom/types"
)

// InvokerConfig tunes the resilience layer around one provider.
type InvokerConfig struct {
	// MaxRetries is the number of retry attempts after the first call.
	MaxRetries int
	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AttemptTimeout bounds each individual provider attempt. Expiry
	// counts as a transient failure.
	AttemptTimeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	FailureThreshold int
	// RecoveryInterval is how long the breaker stays open before a
	// probe is allowed.
	RecoveryInterval time.Duration
}

// DefaultInvokerConfig returns the default resilience tuning.
func DefaultInvokerConfig() *InvokerConfig {
	return &InvokerConfig{
		MaxRetries:       3,
		BackoffBase:      100 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		AttemptTimeout:   30 * time.Second,
		FailureThreshold: 5,
		RecoveryInterval: 60 * time.Second,
	}
}

// InvokerStats is a snapshot of an invoker's counters.
type InvokerStats struct {
	TotalRequests      uint64        `json:"total_requests"`
	SuccessfulRequests uint64        `json:"successful_requests"`
	FailedRequests     uint64        `json:"failed_requests"`
	RetriesConsumed    uint64        `json:"retries_consumed"`
	AverageLatency     time.Duration `json:"average_latency"`
	BreakerState       string        `json:"breaker_state"`
}

// Invoker wraps one provider endpoint with retry, circuit breaking,
// per-attempt timeouts, and usage statistics. It is safe for use by
// concurrent callers.
type Invoker struct {
	provider       Provider
	breaker        circuitbreaker.CircuitBreaker
	retryer        retry.Retryer
	attemptTimeout time.Duration
	logger         *zap.Logger
	collector      *metrics.Collector

	total        atomic.Uint64
	success      atomic.Uint64
	failed       atomic.Uint64
	retries      atomic.Uint64
	latencyNanos atomic.Int64
	latencyCount atomic.Uint64
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) InvokerOption {
	return func(iv *Invoker) {
		iv.collector = c
	}
}

// WithBreaker replaces the breaker built from config (mainly for tests).
func WithBreaker(b circuitbreaker.CircuitBreaker) InvokerOption {
	return func(iv *Invoker) {
		iv.breaker = b
	}
}

// NewInvoker creates a resilient invoker around provider.
func NewInvoker(provider Provider, config *InvokerConfig, logger *zap.Logger, opts ...InvokerOption) *Invoker {
	if config == nil {
		config = DefaultInvokerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "invoker"),
		zap.String("provider", provider.Name()),
	)

	iv := &Invoker{
		provider:       provider,
		attemptTimeout: config.AttemptTimeout,
		logger:         logger,
	}
	if iv.attemptTimeout <= 0 {
		iv.attemptTimeout = 30 * time.Second
	}

	for _, opt := range opts {
		opt(iv)
	}

	if iv.breaker == nil {
		iv.breaker = circuitbreaker.New(&circuitbreaker.Config{
			Threshold:        config.FailureThreshold,
			RecoveryInterval: config.RecoveryInterval,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Info("breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if iv.collector != nil {
					iv.collector.SetBreakerState(provider.Name(), int(to))
				}
			},
		}, logger)
	}

	iv.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   config.MaxRetries,
		InitialDelay: config.BackoffBase,
		MaxDelay:     config.BackoffMax,
		Multiplier:   2.0,
		Jitter:       true,
	}, logger)

	return iv
}

// Invoke sends req through the retry/breaker machinery. While the
// breaker is open it fails immediately with a CIRCUIT_OPEN error and no
// network call is made. Transient failures are retried with exponential
// backoff; the final response carries the number of retries consumed.
func (iv *Invoker) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	iv.total.Add(1)

	result, attempts, err := iv.retryer.DoWithAttempts(ctx, func() (any, error) {
		return iv.attempt(ctx, req)
	})

	iv.retries.Add(uint64(attempts))
	elapsed := time.Since(start)
	iv.latencyNanos.Add(int64(elapsed))
	iv.latencyCount.Add(1)

	if err != nil {
		if ctx.Err() != nil && types.GetErrorCode(err) == "" {
			// Cancelled by the caller; the provider is not implicated
			// and the failure counters stay untouched.
			if iv.collector != nil {
				iv.collector.RecordInvokerRequest(iv.provider.Name(), "cancelled", elapsed, attempts)
			}
			iv.logger.Debug("invoke cancelled",
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			return nil, err
		}

		iv.failed.Add(1)
		outcome := "failure"
		if types.GetErrorCode(err) == types.ErrCircuitOpen {
			outcome = "circuit_open"
		}
		if iv.collector != nil {
			iv.collector.RecordInvokerRequest(iv.provider.Name(), outcome, elapsed, attempts)
		}
		iv.logger.Warn("invoke failed",
			zap.Int("retries", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	iv.success.Add(1)
	if iv.collector != nil {
		iv.collector.RecordInvokerRequest(iv.provider.Name(), "success", elapsed, attempts)
	}

	resp := result.(*ChatResponse)
	resp.Retries = attempts
	return resp, nil
}

// attempt performs one provider call gated by the breaker and bounded
// by the attempt timeout.
func (iv *Invoker) attempt(ctx context.Context, req *ChatRequest) (any, error) {
	if err := iv.breaker.Allow(); err != nil {
		// Not retryable: once the breaker opens mid-call, remaining
		// retries are pointless.
		return nil, types.NewError(types.ErrCircuitOpen, "circuit breaker is open").
			WithProvider(iv.provider.Name()).
			WithCause(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, iv.attemptTimeout)
	defer cancel()

	type callResult struct {
		resp *ChatResponse
		err  error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		resp, err := iv.provider.Completion(attemptCtx, req)
		resultCh <- callResult{resp: resp, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		// The provider may have answered at the same instant the
		// deadline fired; a buffered result that made it in wins.
		select {
		case res := <-resultCh:
			if res.err == nil {
				iv.breaker.RecordSuccess()
				return res.resp, nil
			}
		default:
		}
		if ctx.Err() != nil {
			// Caller cancellation, not a provider fault: the breaker
			// only counts observed provider failures.
			return nil, fmt.Errorf("invoke cancelled: %w", ctx.Err())
		}
		iv.breaker.RecordFailure()
		return nil, types.NewError(types.ErrTimeout,
			fmt.Sprintf("attempt exceeded %s", iv.attemptTimeout)).
			WithProvider(iv.provider.Name()).
			WithRetryable(true)

	case res := <-resultCh:
		if res.err == nil {
			iv.breaker.RecordSuccess()
			return res.resp, nil
		}
		if ctx.Err() != nil && types.GetErrorCode(res.err) == "" {
			// The provider aborted because the caller cancelled.
			return nil, fmt.Errorf("invoke cancelled: %w", ctx.Err())
		}
		// Client errors are the caller's fault: no breaker penalty.
		if !types.IsClientError(res.err) {
			iv.breaker.RecordFailure()
		}
		return nil, res.err
	}
}

// Stats returns a snapshot of the invoker's counters.
func (iv *Invoker) Stats() InvokerStats {
	var avg time.Duration
	if count := iv.latencyCount.Load(); count > 0 {
		avg = time.Duration(uint64(iv.latencyNanos.Load()) / count)
	}
	return InvokerStats{
		TotalRequests:      iv.total.Load(),
		SuccessfulRequests: iv.success.Load(),
		FailedRequests:     iv.failed.Load(),
		RetriesConsumed:    iv.retries.Load(),
		AverageLatency:     avg,
		BreakerState:       iv.breaker.State().String(),
	}
}

// Provider returns the wrapped provider's name.
func (iv *Invoker) Provider() string {
	return iv.provider.Name()
}
