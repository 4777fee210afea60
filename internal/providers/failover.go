package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

// Candidate is one entry in the failover order.
type Candidate struct {
	Name     string
	Provider Provider
}

// Failover wraps an ordered list of providers and retries transient failures
// with exponential backoff. It implements Provider itself so callers cannot
// tell it apart from a single backend.
type Failover struct {
	candidates []Candidate
	policy     config.FailoverConfig
	logger     *slog.Logger

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
	rng   *rand.Rand
}

// NewFailover builds a failover wrapper over candidates.
func NewFailover(candidates []Candidate, policy config.FailoverConfig, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Default.MaxAttempts <= 0 {
		policy.Default.MaxAttempts = 1
	}
	return &Failover{
		candidates: candidates,
		policy:     policy,
		logger:     logger,
		sleep:      sleepCtx,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FromConfig constructs the concrete providers and wraps them.
func FromConfig(cfg config.ProvidersConfig, logger *slog.Logger) (*Failover, error) {
	var candidates []Candidate
	for _, c := range cfg.Candidates {
		var (
			p   Provider
			err error
		)
		switch c.Type {
		case "anthropic":
			p, err = NewAnthropicProvider(AnthropicConfig{
				APIKey:       c.APIKey,
				BaseURL:      c.BaseURL,
				DefaultModel: c.Model,
			})
		case "openai", "":
			p, err = NewOpenAIProvider(OpenAIConfig{
				APIKey:       c.APIKey,
				BaseURL:      c.BaseURL,
				DefaultModel: c.Model,
				Name:         c.Name,
			})
		default:
			err = fmt.Errorf("unknown provider type %q", c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", c.Name, err)
		}
		name := c.Name
		if name == "" {
			name = p.Name()
		}
		candidates = append(candidates, Candidate{Name: name, Provider: p})
	}
	if len(candidates) == 0 {
		return nil, errors.New("no provider candidates configured")
	}
	return NewFailover(candidates, cfg.Failover, logger), nil
}

func (f *Failover) Name() string { return "failover" }

// policyFor resolves the retry policy for a candidate and model. Model
// overrides win over provider overrides.
func (f *Failover) policyFor(candidate, model string) config.RetryPolicy {
	policy := f.policy.Default
	if p, ok := f.policy.PerProvider[candidate]; ok {
		policy = mergePolicy(policy, p)
	}
	if p, ok := f.policy.PerModel[NormalizeModel(model)]; ok {
		policy = mergePolicy(policy, p)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return policy
}

func mergePolicy(base, over config.RetryPolicy) config.RetryPolicy {
	if over.MaxAttempts > 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.BaseBackoffMS > 0 {
		base.BaseBackoffMS = over.BaseBackoffMS
	}
	if over.MaxBackoffMS > 0 {
		base.MaxBackoffMS = over.MaxBackoffMS
	}
	return base
}

// backoff computes min(max, base*2^attempt) plus up to 20% jitter.
func (f *Failover) backoff(policy config.RetryPolicy, attempt int) time.Duration {
	ms := policy.BaseBackoffMS
	if ms <= 0 {
		ms = 100
	}
	for i := 0; i < attempt; i++ {
		ms *= 2
		if policy.MaxBackoffMS > 0 && ms >= policy.MaxBackoffMS {
			ms = policy.MaxBackoffMS
			break
		}
	}
	if policy.MaxBackoffMS > 0 && ms > policy.MaxBackoffMS {
		ms = policy.MaxBackoffMS
	}
	jitter := 0
	if ms > 0 {
		jitter = f.rng.Intn(ms/5 + 1)
	}
	return time.Duration(ms+jitter) * time.Millisecond
}

// Chat tries each candidate in order, retrying transient responses.
func (f *Failover) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var last *ChatResponse
	for _, cand := range f.candidates {
		policy := f.policyFor(cand.Name, req.Model)
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			resp, err := cand.Provider.Chat(ctx, req)
			if err != nil {
				return nil, err
			}
			if !resp.Retryable() {
				return resp, nil
			}
			last = resp
			f.logger.Warn("provider attempt failed",
				"provider", cand.Name,
				"attempt", attempt+1,
				"finish_reason", resp.FinishReason)
			if attempt < policy.MaxAttempts-1 {
				if err := f.sleep(ctx, f.backoff(policy, attempt)); err != nil {
					return nil, err
				}
			}
		}
	}
	if last != nil {
		return last, nil
	}
	return ErrorResponse(FinishError, errors.New("all providers exhausted")), nil
}

// ChatStream tries candidates like Chat, but commits to an attempt as soon as
// it has yielded a delta to the consumer. After that point failures surface
// directly; retrying would duplicate already-visible output.
func (f *Failover) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	var last *ChatResponse
	for _, cand := range f.candidates {
		policy := f.policyFor(cand.Name, req.Model)
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			committed := false
			wrapped := func(delta string) {
				committed = true
				if onDelta != nil {
					onDelta(delta)
				}
			}
			resp, err := cand.Provider.ChatStream(ctx, req, wrapped)
			if err != nil {
				return nil, err
			}
			if committed || !resp.Retryable() {
				return resp, nil
			}
			last = resp
			f.logger.Warn("provider stream attempt failed",
				"provider", cand.Name,
				"attempt", attempt+1,
				"finish_reason", resp.FinishReason)
			if attempt < policy.MaxAttempts-1 {
				if err := f.sleep(ctx, f.backoff(policy, attempt)); err != nil {
					return nil, err
				}
			}
		}
	}
	if last != nil {
		return last, nil
	}
	return ErrorResponse(FinishError, errors.New("all providers exhausted")), nil
}

// Embed tries each candidate in order and propagates the last error.
func (f *Failover) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	var lastErr error
	for _, cand := range f.candidates {
		vectors, err := cand.Provider.Embed(ctx, model, inputs)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no provider candidates configured")
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
