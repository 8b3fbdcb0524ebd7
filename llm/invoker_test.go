package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/testutil/mocks"
	"github.com/loomhq/loom/types"
)

func fastInvokerConfig() *llm.InvokerConfig {
	return &llm.InvokerConfig{
		MaxRetries:       3,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		AttemptTimeout:   time.Second,
		FailureThreshold: 5,
		RecoveryInterval: 50 * time.Millisecond,
	}
}

func TestInvoker_Success(t *testing.T) {
	t.Parallel()

	provider := mocks.NewScriptedProvider("mock").Respond(mocks.TextResponse("hello"))
	iv := llm.NewInvoker(provider, fastInvokerConfig(), zap.NewNop())

	resp, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 0, resp.Retries)

	stats := iv.Stats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessfulRequests)
	assert.Equal(t, uint64(0), stats.FailedRequests)
	assert.Equal(t, "Closed", stats.BreakerState)
}

func TestInvoker_RetryTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	provider := mocks.NewFailNTimesProvider(2, mocks.TextResponse("recovered"))
	iv := llm.NewInvoker(provider, fastInvokerConfig(), zap.NewNop())

	resp, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Choices[0].Message.Content)
	assert.Equal(t, 2, resp.Retries)
	assert.Equal(t, 3, provider.Calls())

	stats := iv.Stats()
	assert.Equal(t, uint64(2), stats.RetriesConsumed)
	assert.Equal(t, uint64(1), stats.SuccessfulRequests)
}

func TestInvoker_NonRetryableNotRetried(t *testing.T) {
	t.Parallel()

	provider := mocks.NewScriptedProvider("mock").
		Fail(types.NewError(types.ErrAuthentication, "bad key"))
	iv := llm.NewInvoker(provider, fastInvokerConfig(), zap.NewNop())

	_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
	assert.Equal(t, 1, provider.Calls())
}

func TestInvoker_BreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 3
	cfg.RecoveryInterval = time.Minute

	provider := mocks.NewScriptedProvider("mock").Fail(mocks.TransientError("down"))
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
		require.Error(t, err)
	}
	callsBeforeOpen := provider.Calls()
	assert.Equal(t, 3, callsBeforeOpen)

	// Breaker now open: fail fast, no provider contact.
	_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, callsBeforeOpen, provider.Calls())
	assert.Equal(t, "Open", iv.Stats().BreakerState)
}

func TestInvoker_CircuitOpenDistinguishableFromProviderError(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.RecoveryInterval = time.Minute

	provider := mocks.NewScriptedProvider("mock").Fail(mocks.TransientError("down"))
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	_, genuineErr := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	_, breakerErr := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})

	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(genuineErr))
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(breakerErr))
}

func TestInvoker_SingleProbeAfterRecoveryInterval(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.RecoveryInterval = 30 * time.Millisecond

	provider := mocks.NewScriptedProvider("mock").
		Fail(mocks.TransientError("down")).
		Respond(mocks.TextResponse("back"))
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	require.Equal(t, "Open", iv.Stats().BreakerState)

	time.Sleep(50 * time.Millisecond)

	// Exactly one probe goes through and closes the breaker.
	resp, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Choices[0].Message.Content)
	assert.Equal(t, "Closed", iv.Stats().BreakerState)
	assert.Equal(t, 2, provider.Calls())
}

func TestInvoker_AttemptTimeoutCountsAsTransient(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 1
	cfg.AttemptTimeout = 20 * time.Millisecond

	// First attempt hangs past the timeout; the mock then keeps
	// replaying the same (slow) step, so both attempts time out.
	provider := mocks.NewScriptedProvider("mock").
		Respond(mocks.TextResponse("late")).
		WithDelay(200 * time.Millisecond)
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)

	var loomErr *types.Error
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, types.ErrTimeout, loomErr.Code)
	assert.Equal(t, 2, provider.Calls())
}

func TestInvoker_CancelledContextLeavesBreakerClosed(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	cfg.RecoveryInterval = time.Minute

	provider := mocks.NewScriptedProvider("mock").
		Respond(mocks.TextResponse("healthy")).
		WithDelay(20 * time.Millisecond)
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 2; i++ {
		_, err := iv.Invoke(cancelled, &llm.ChatRequest{Model: "m"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	}

	// The provider never misbehaved; cancellations must not trip the
	// breaker or count as provider failures.
	stats := iv.Stats()
	assert.Equal(t, "Closed", stats.BreakerState)
	assert.Equal(t, uint64(0), stats.FailedRequests)

	resp, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Choices[0].Message.Content)
}

func TestInvoker_MidFlightCancellationNotAFailure(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.RecoveryInterval = time.Minute

	provider := mocks.NewScriptedProvider("mock").
		Respond(mocks.TextResponse("late")).
		WithDelay(200 * time.Millisecond)
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := iv.Invoke(ctx, &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Closed", iv.Stats().BreakerState)
}

func TestInvoker_ResultRacingDeadlineNotBookedAsFailure(t *testing.T) {
	t.Parallel()

	cfg := fastInvokerConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2

	// No delay: the provider answers instantly even though the caller's
	// context is already gone, so the attempt sees the deadline and a
	// buffered result at the same time. Whichever way each race lands,
	// a completed call must never be booked as a provider failure.
	provider := mocks.NewScriptedProvider("mock").Respond(mocks.TextResponse("fast"))
	iv := llm.NewInvoker(provider, cfg, zap.NewNop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		resp, err := iv.Invoke(cancelled, &llm.ChatRequest{Model: "m"})
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		} else {
			assert.Equal(t, "fast", resp.Choices[0].Message.Content)
		}
	}

	stats := iv.Stats()
	assert.Equal(t, "Closed", stats.BreakerState)
	assert.Equal(t, uint64(0), stats.FailedRequests)
}

func TestInvoker_StatsAverageLatency(t *testing.T) {
	t.Parallel()

	provider := mocks.NewScriptedProvider("mock").
		Respond(mocks.TextResponse("a")).
		WithDelay(10 * time.Millisecond)
	iv := llm.NewInvoker(provider, fastInvokerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
		require.NoError(t, err)
	}

	stats := iv.Stats()
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.GreaterOrEqual(t, stats.AverageLatency, 10*time.Millisecond)
}

func TestInvoker_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	provider := mocks.NewScriptedProvider("mock").Respond(mocks.TextResponse("ok"))
	iv := llm.NewInvoker(provider, fastInvokerConfig(), zap.NewNop())

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := iv.Invoke(context.Background(), &llm.ChatRequest{Model: "m"})
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-done)
	}

	stats := iv.Stats()
	assert.Equal(t, uint64(20), stats.TotalRequests)
	assert.Equal(t, uint64(20), stats.SuccessfulRequests)
}
