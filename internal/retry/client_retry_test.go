package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/errkind"
)

// fakeOp is a scriptable operation: it fails with a transient error for
// the first N calls, then succeeds, mirroring the teacher's fakeBroker
// double from the original client_retry_test.go.
type fakeOp struct {
	callCount     int32
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakeOp) call(_ context.Context) error {
	n := atomic.AddInt32(&f.callCount, 1)
	if f.errPermanent != nil {
		return f.errPermanent
	}
	if int(n) <= f.successAfterN {
		return f.errTransient
	}
	return nil
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestClient_Do_SucceedsFirstTry(t *testing.T) {
	c := NewClient(nil, fastConfig())
	op := &fakeOp{}

	err := c.Do(context.Background(), "test-op", op.call)
	require.NoError(t, err)
	assert.EqualValues(t, 1, op.callCount)
}

func TestClient_Do_RetriesTransientThenSucceeds(t *testing.T) {
	c := NewClient(nil, fastConfig())
	op := &fakeOp{
		successAfterN: 2,
		errTransient:  errkind.New(errkind.Transient, errors.New("connection reset")),
	}

	err := c.Do(context.Background(), "test-op", op.call)
	require.NoError(t, err)
	assert.EqualValues(t, 3, op.callCount)
}

func TestClient_Do_StopsOnPermanentError(t *testing.T) {
	c := NewClient(nil, fastConfig())
	op := &fakeOp{
		errPermanent: errkind.New(errkind.Validation, errors.New("bad request")),
	}

	err := c.Do(context.Background(), "test-op", op.call)
	require.Error(t, err)
	assert.EqualValues(t, 1, op.callCount)
}

func TestClient_Do_ExhaustsRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	c := NewClient(nil, cfg)
	op := &fakeOp{
		successAfterN: 99,
		errTransient:  errkind.New(errkind.Transient, errors.New("timeout")),
	}

	err := c.Do(context.Background(), "test-op", op.call)
	require.Error(t, err)
	assert.EqualValues(t, cfg.MaxRetries+1, op.callCount)
}

func TestClient_Do_PlainErrorStringClassifiedTransient(t *testing.T) {
	c := NewClient(nil, fastConfig())
	op := &fakeOp{
		successAfterN: 1,
		errTransient:  errors.New("upstream 503 service unavailable"),
	}

	err := c.Do(context.Background(), "test-op", op.call)
	require.NoError(t, err)
	assert.EqualValues(t, 2, op.callCount)
}

func TestClient_Do_RespectsContextCancellation(t *testing.T) {
	c := NewClient(nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := &fakeOp{successAfterN: 1, errTransient: errors.New("timeout")}
	err := c.Do(ctx, "test-op", op.call)
	require.Error(t, err)
}

func TestNewClient_SanitizesInvalidConfig(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: -1, InitialBackoff: 10 * time.Second, MaxBackoff: time.Millisecond})
	assert.Equal(t, DefaultConfig.MaxRetries, c.config.MaxRetries)
	assert.Equal(t, 10*time.Second, c.config.MaxBackoff)
}

func TestClientOrderID_ContainsPrefixPositionAndSuffix(t *testing.T) {
	id1 := ClientOrderID("close", 42, "profit-target")
	id2 := ClientOrderID("close", 42, "profit-target")
	assert.Contains(t, id1, "close-42-profit-target-")
	assert.Contains(t, id2, "close-42-profit-target-")
}

func TestClient_Do_WrapsLastErrorInFailureMessage(t *testing.T) {
	c := NewClient(nil, fastConfig())
	op := &fakeOp{errPermanent: fmt.Errorf("explicit failure")}

	err := c.Do(context.Background(), "placement", op.call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placement")
	assert.Contains(t, err.Error(), "explicit failure")
}
