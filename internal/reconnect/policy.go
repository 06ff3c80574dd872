// Package reconnect implements the bounded retry loop that drives connect
// attempts after a failure or a dropped link.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of the retry state machine.
type State int

const (
	Idle State = iota
	Connecting
	RetryWaiting
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case RetryWaiting:
		return "retry-waiting"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind classifies a policy-level failure.
type Kind int

const (
	KindBusy Kind = iota + 1
	KindNotConnected
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindNotConnected:
		return "not connected"
	case KindExhausted:
		return "reconnect attempts exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a policy failure. Cause is the last underlying connect error for
// KindExhausted.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "reconnect: " + e.Kind.String()
	}
	return "reconnect: " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrBusy         = &Error{Kind: KindBusy}
	ErrNotConnected = &Error{Kind: KindNotConnected}
	ErrExhausted    = &Error{Kind: KindExhausted}
)

// Target identifies the device being (re)connected.
type Target struct {
	ID        string
	Name      string
	LocalName string
}

// Filter is the identity rule a device must pass before any retry.
type Filter struct {
	// Token is matched as a substring of the device name or local name.
	Token string
	// IDs are accepted by exact match.
	IDs []string
}

// Match reports whether t may be retried.
func (f Filter) Match(t Target) bool {
	for _, id := range f.IDs {
		if id != "" && strings.EqualFold(id, t.ID) {
			return true
		}
	}
	if f.Token == "" {
		return false
	}
	return strings.Contains(t.Name, f.Token) || strings.Contains(t.LocalName, f.Token)
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	// Jitter spreads each delay by ±Jitter×Delay. Zero keeps it constant.
	Jitter float64
}

// DefaultConfig is three retries one second apart.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Delay: time.Second}
}

// Hooks customise a Policy. All fields are optional.
type Hooks struct {
	// Retryable decides whether a failure may be retried. Defaults to
	// everything except context cancellation.
	Retryable func(error) bool
	// BeforeRetry runs after the delay, before the next attempt, with the
	// failure that caused the retry. Its error is logged only.
	BeforeRetry func(ctx context.Context, cause error) error
	// OnTransition observes every state change.
	OnTransition func(from, to State)
	// OnRetry runs when a retry is scheduled, with the 1-based retry number.
	OnRetry func(retry int, cause error)
}

// Policy is the retry state machine. Run calls must not overlap.
type Policy struct {
	cfg    Config
	filter Filter
	hooks  Hooks
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	attempts int
	last     *Target
	rnd      *rand.Rand
}

// New returns an idle policy.
func New(cfg Config, filter Filter, hooks Hooks, log *zap.Logger) *Policy {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if hooks.Retryable == nil {
		hooks.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		cfg:    cfg,
		filter: filter,
		hooks:  hooks,
		log:    log.Named("reconnect"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns how many retries the current budget has used.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// LastTarget returns the most recent target, if any.
func (p *Policy) LastTarget() (Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Target{}, false
	}
	return *p.last, true
}

// Filter returns the identity filter.
func (p *Policy) Filter() Filter { return p.filter }

// Reset returns to Idle with a fresh budget.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
	p.transition(Idle)
}

// Run calls attempt until it succeeds, the budget runs out, the failure is
// not retryable, the target fails the filter, or ctx is done.
//
// An explicit run starts a fresh budget and may leave Exhausted. A run
// started by link loss continues the current budget and is refused with
// ErrExhausted while the policy is exhausted.
func (p *Policy) Run(ctx context.Context, target Target, explicit bool, attempt func(context.Context) error) error {
	p.mu.Lock()
	if !explicit && p.state == Exhausted {
		p.mu.Unlock()
		return ErrExhausted
	}
	if explicit {
		p.attempts = 0
	}
	t := target
	p.last = &t
	p.mu.Unlock()

	p.transition(Connecting)
	for {
		err := attempt(ctx)
		if err == nil {
			p.mu.Lock()
			p.attempts = 0
			p.mu.Unlock()
			p.transition(Idle)
			return nil
		}
		if ctx.Err() != nil {
			p.transition(Idle)
			return ctx.Err()
		}
		if !p.hooks.Retryable(err) {
			p.log.Info("reconnect: failure not retryable", zap.String("device", target.ID), zap.Error(err))
			p.transition(Idle)
			return err
		}
		if !p.filter.Match(target) {
			p.log.Info("reconnect: device outside target filter, not retrying",
				zap.String("device", target.ID),
				zap.String("name", target.Name),
				zap.String("token", p.filter.Token),
			)
			p.transition(Idle)
			return err
		}

		p.mu.Lock()
		if p.attempts >= p.cfg.MaxAttempts {
			used := p.attempts
			p.mu.Unlock()
			p.log.Warn("reconnect: giving up",
				zap.String("device", target.ID),
				zap.Int("retries", used),
				zap.Error(err),
			)
			p.transition(Exhausted)
			return &Error{Kind: KindExhausted, Cause: err}
		}
		p.attempts++
		retry := p.attempts
		p.mu.Unlock()

		delay := p.delay()
		p.log.Info("reconnect: attempt failed, retrying",
			zap.String("device", target.ID),
			zap.Int("retry", retry),
			zap.Int("max", p.cfg.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		p.transition(RetryWaiting)
		if p.hooks.OnRetry != nil {
			p.hooks.OnRetry(retry, err)
		}

		if !sleep(ctx, delay) {
			p.transition(Idle)
			return ctx.Err()
		}
		if p.hooks.BeforeRetry != nil {
			if herr := p.hooks.BeforeRetry(ctx, err); herr != nil {
				p.log.Debug("reconnect: before-retry hook", zap.Error(herr))
			}
			if ctx.Err() != nil {
				p.transition(Idle)
				return ctx.Err()
			}
		}
		p.transition(Connecting)
	}
}

func (p *Policy) delay() time.Duration {
	d := p.cfg.Delay
	if p.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	p.mu.Lock()
	r := p.rnd.Float64()
	p.mu.Unlock()
	d = time.Duration(float64(d) * (1 + p.cfg.Jitter*(2*r-1)))
	if d < 0 {
		return 0
	}
	return d
}

func (p *Policy) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	if from != to && p.hooks.OnTransition != nil {
		p.hooks.OnTransition(from, to)
	}
}

// sleep waits for d or ctx, whichever comes first, and reports whether the
// full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
