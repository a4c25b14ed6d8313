// Package retry provides exponential-backoff retry for broker
// operations, generalised from the teacher's single-purpose
// ClosePositionWithRetry into a reusable Do that any of C5/C6/C10's
// broker calls can wrap, classifying retryability with internal/errkind
// instead of the teacher's inline substring table.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/errkind"
)

// Config controls backoff shape and overall operation timeout.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig mirrors the teacher's own defaults.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client runs operations under a shared retry Config and logger.
type Client struct {
	logger *logrus.Entry
	config Config
}

// NewClient builds a retry Client. A nil logger falls back to a
// standard logrus logger.
func NewClient(logger *logrus.Entry, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{logger: logger, config: cfg}
}

// Do runs fn, retrying with exponential backoff plus jitter while
// errkind.IsTransient(err) holds and the retry budget remains.
// Non-transient errors and context cancellation return immediately.
// op is a short label used only for logging.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("retry: %s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		default:
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: %s canceled: %w", op, err)
		}

		err := fn(opCtx)
		if err == nil {
			return nil
		}

		lastErr = err
		c.logger.WithField("op", op).WithField("attempt", attempt+1).WithError(err).Debug("retry: attempt failed")

		if !errkind.IsTransient(err) || attempt >= c.config.MaxRetries {
			break
		}

		c.logger.WithField("op", op).WithField("backoff", backoff).Info("retry: transient error, backing off")
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("retry: %s timed out during backoff: %w", op, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("retry: %s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("retry: %s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// ClientOrderID builds a client order id from prefix, positionID, suffix
// and the current Unix second, the same way the teacher's
// ClosePositionWithRetry derived its clientOrderID from the position and
// a timestamp. Calls in the same second return the same id; a caller
// that builds the id once and reuses it for every retried placement
// attempt lets the broker dedupe them rather than double posting.
func ClientOrderID(prefix string, positionID int64, suffix string) string {
	return fmt.Sprintf("%s-%d-%s-%d", prefix, positionID, suffix, time.Now().Unix())
}
