// Package ratelimit gatekeeps how many generation requests a user may issue per
// service within a fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tuneforge/config"
	"tuneforge/logger"
)

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"resetTime"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"` // only set when !Allowed
}

// Limiter is implemented by the in-process and the Redis backed limiters.
type Limiter interface {
	CheckLimit(ctx context.Context, userID int64, service string) (Result, error)
	Reset(ctx context.Context, userID int64, service string) error
}

// ExceededError is returned by callers that turn a denied Result into an error.
type ExceededError struct {
	Service    string
	ResetTime  time.Time
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Service, e.RetryAfter.Round(time.Second))
}

// Enforce checks the limit and converts a denial into *ExceededError.
func Enforce(ctx context.Context, l Limiter, userID int64, service string) (Result, error) {
	res, err := l.CheckLimit(ctx, userID, service)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &ExceededError{Service: service, ResetTime: res.ResetTime, RetryAfter: res.RetryAfter}
	}
	return res, nil
}

// Rules resolves the quota for a service. It is safe for concurrent use and can
// be swapped at runtime when the rules file changes.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]config.RateRule
}

// NewRules copies the given rules.
func NewRules(rules map[string]config.RateRule) *Rules {
	r := &Rules{}
	r.Set(rules)
	return r
}

// Set replaces every rule.
func (r *Rules) Set(rules map[string]config.RateRule) {
	cp := make(map[string]config.RateRule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	r.mu.Lock()
	r.rules = cp
	r.mu.Unlock()
}

// For returns the service rule, then the default rule, then a 30/min fallback.
func (r *Rules) For(service string) config.RateRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rules[service]; ok {
		return rule
	}
	if rule, ok := r.rules[config.DefaultRuleKey]; ok {
		return rule
	}
	return config.RateRule{Max: 30, Window: time.Minute}
}

// Key is the per-user, per-service counter key shared by all implementations.
func Key(userID int64, service string) string {
	return fmt.Sprintf("ratelimit:%s:%d", service, userID)
}

// failOpen allows the request whenever the wrapped limiter errors.
type failOpen struct {
	next  Limiter
	rules *Rules
	now   func() time.Time
}

// FailOpen wraps a limiter so that backend failures never block a user.
func FailOpen(next Limiter, rules *Rules) Limiter {
	return &failOpen{next: next, rules: rules, now: time.Now}
}

func (f *failOpen) CheckLimit(ctx context.Context, userID int64, service string) (Result, error) {
	res, err := f.next.CheckLimit(ctx, userID, service)
	if err == nil {
		return res, nil
	}
	logger.Warn("[RateLimit] limiter unavailable, allowing request",
		logger.UserID(userID),
		logger.Service(service),
		logger.ErrorField(err))
	rule := f.rules.For(service)
	return Result{
		Allowed:   true,
		Remaining: rule.Max - 1,
		ResetTime: f.now().Add(rule.Window),
	}, nil
}

func (f *failOpen) Reset(ctx context.Context, userID int64, service string) error {
	return f.next.Reset(ctx, userID, service)
}
