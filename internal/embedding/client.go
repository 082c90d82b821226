package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"
	"golang.org/x/time/rate"

	"docindex/internal/tokenizer"
	"docindex/pkg/logger"
)

// ErrPayloadTooLarge marks a text whose token count exceeds the embedding
// service's documented limit. Such texts are rejected before any remote call
// and are never retried.
var ErrPayloadTooLarge = errors.New("payload exceeds embedding token limit")

// Config tunes the retry and throttling behavior of a Client.
type Config struct {
	// TokenLimit is the embedding service's per-request token limit.
	TokenLimit int
	// MaxRetries bounds attempts for transient failures.
	MaxRetries int
	// RequestsPerSecond throttles remote calls process-wide.
	RequestsPerSecond float64
	// RequestTimeout applies per remote call.
	RequestTimeout time.Duration
	// CoolDown is the pause imposed after a rate-limit response.
	CoolDown time.Duration
	// BackoffBase is the first retry delay; each further attempt doubles it.
	BackoffBase time.Duration
}

// BatchItem is the per-text outcome of a batch embedding call. Exactly one of
// Vector and Err is set; callers retry or skip individual items instead of
// discarding the whole batch.
type BatchItem struct {
	Index  int
	Vector []float32
	Err    error
}

// Client wraps a Provider with payload pre-validation, bounded retries with
// exponential backoff, and a process-wide rate-limit budget shared by every
// document in a run.
type Client struct {
	provider Provider
	counter  *tokenizer.Counter
	limiter  *rate.Limiter
	cfg      Config
	log      *logger.Logger

	mu            sync.Mutex
	coolDownUntil time.Time
}

// NewClient creates a Client around the given provider.
func NewClient(provider Provider, counter *tokenizer.Counter, cfg Config, log *logger.Logger) *Client {
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = 512
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{
		provider: provider,
		counter:  counter,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cfg:      cfg,
		log:      log,
	}
}

// Embed generates the vector for one text, applying the same validation,
// throttling and retry policy as batch calls.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	items := c.EmbedBatch(ctx, []string{text})
	return items[0].Vector, items[0].Err
}

// EmbedBatch embeds the texts and reports per-item success or failure in input
// order. Valid texts go to the provider as one batched call; when that call
// fails, each text is retried individually so a failure on one item does not
// discard the others.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) []BatchItem {
	items := make([]BatchItem, len(texts))
	var pending []int
	for i, text := range texts {
		items[i].Index = i
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			continue
		}
		if count := c.counter.Count(text); count > c.cfg.TokenLimit {
			items[i].Err = fmt.Errorf("%w: %d tokens, limit %d", ErrPayloadTooLarge, count, c.cfg.TokenLimit)
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return items
	}

	vectors, err := c.embedBatchOnce(ctx, texts, pending)
	if err == nil {
		for n, i := range pending {
			items[i].Vector = vectors[n]
		}
		return items
	}
	if isRateLimited(err) {
		c.startCoolDown()
	}
	c.log.Warn(fmt.Sprintf("batched embedding call failed, retrying %d texts individually: %v", len(pending), err))

	for _, i := range pending {
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			continue
		}
		items[i].Vector, items[i].Err = c.embedWithRetry(ctx, texts[i])
	}
	return items
}

// embedBatchOnce performs a single batched provider call for the pending texts.
func (c *Client) embedBatchOnce(ctx context.Context, texts []string, pending []int) ([][]float32, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	batch := make([]string, len(pending))
	for n, i := range pending {
		batch[n] = texts[i]
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	vectors, err := c.provider.EmbedBatch(callCtx, batch)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vectors), len(batch))
	}
	return vectors, nil
}

// embedWithRetry performs one embedding call with throttling, a per-call
// timeout, and exponential backoff on transient failures.
func (c *Client) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.cfg.BackoffBase
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		vector, err := c.provider.Embed(callCtx, text)
		cancel()
		if err == nil {
			return vector, nil
		}

		if isRateLimited(err) {
			c.startCoolDown()
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		c.log.Warn(fmt.Sprintf("transient embedding failure (attempt %d/%d): %v", attempt+1, c.cfg.MaxRetries, err))
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// wait blocks for the shared rate-limit budget and any active cool-down window.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	until := c.coolDownUntil
	c.mu.Unlock()
	if now := time.Now(); now.Before(until) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(until.Sub(now)):
		}
	}
	return nil
}

// startCoolDown pauses all workers after a rate-limit response. The window is
// process-wide: the remote budget is shared across every in-flight document.
func (c *Client) startCoolDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := time.Now().Add(c.cfg.CoolDown)
	if until.After(c.coolDownUntil) {
		c.coolDownUntil = until
	}
}

// isTransient reports whether an embedding error is worth retrying: timeouts,
// rate limits, and server-side failures.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatus(err); ok {
		return status == 429 || status >= 500
	}
	return false
}

func isRateLimited(err error) bool {
	status, ok := httpStatus(err)
	return ok && status == 429
}

func httpStatus(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
