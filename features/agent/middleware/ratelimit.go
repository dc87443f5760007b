// Package middleware provides agent.Agent middlewares such as adaptive rate
// limiting of agent turns.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/telemetry"
	"goa.design/pulse/rmap"
)

type (
	// AdaptiveRateLimiter applies an AIMD token bucket to agent turns. It
	// estimates the token cost of each turn input, blocks the run until
	// capacity is available, halves its tokens-per-minute budget when the
	// backend reports agent.ErrRateLimited and probes back up after each
	// successful turn.
	//
	// Construct one limiter per provider account and wrap every agent using
	// that account with Wrap.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter
		metrics telemetry.Metrics

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	// Options configures an AdaptiveRateLimiter.
	Options struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM bounds probing. Clamped to InitialTPM when lower.
		MaxTPM float64
		// Map, when set with Key, shares the budget across processes through
		// a Pulse replicated map.
		Map *rmap.Map
		// Key is the replicated map key holding the shared budget.
		Key string
		// Metrics records throttling. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	limitedAgent struct {
		next    agent.Agent
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs a limiter. When opts.Map and opts.Key are
// set it coordinates capacity across processes, otherwise it is process-local.
func NewAdaptiveRateLimiter(ctx context.Context, opts Options) *AdaptiveRateLimiter {
	var cm clusterMap
	if opts.Map != nil {
		cm = &rmapClusterMap{m: opts.Map}
	}
	l := newClusterAdaptiveRateLimiter(ctx, cm, opts.Key, opts.InitialTPM, opts.MaxTPM)
	if opts.Metrics != nil {
		l.metrics = opts.Metrics
	}
	return l
}

// newAdaptiveRateLimiter constructs a process-local limiter. When maxTPM is
// zero or less than initialTPM, it is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		metrics:      telemetry.NoopMetrics{},
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns an agent whose turns are subject to the limiter.
func (l *AdaptiveRateLimiter) Wrap(next agent.Agent) agent.Agent {
	if next == nil {
		return nil
	}
	return &limitedAgent{next: next, limiter: l}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Run waits for capacity before delegating to the wrapped agent.
func (a *limitedAgent) Run(ctx context.Context, in *agent.Input) (agent.Stream, error) {
	if err := a.limiter.wait(ctx, in); err != nil {
		return nil, err
	}
	s, err := a.next.Run(ctx, in)
	a.limiter.observe(err)
	return s, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, in *agent.Input) error {
	tokens := estimateTokens(in)
	if b := l.limiter.Burst(); tokens > b {
		tokens = b
	}
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, agent.ErrRateLimited) {
		l.metrics.IncCounter(telemetry.MetricAgentThrottled, 1)
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPM(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPM(newTPM)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// setTPM must be called with l.mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the token cost of a turn from the size of its
// history, tool call arguments and shared state at one token per three
// characters, plus a fixed buffer for system prompts and provider framing.
func estimateTokens(in *agent.Input) int {
	if in == nil {
		return 500
	}
	charCount := len(in.State)
	for _, m := range in.Messages {
		charCount += len(m.Content)
		for _, tc := range m.ToolCalls {
			charCount += len(tc.Arguments)
		}
	}
	for _, t := range in.Tools {
		charCount += len(t.Description) + len(t.Parameters)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// replaceTPM updates the budget to tpm clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.setTPM(tpm)
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Seed the shared budget when absent. A concurrent writer may win, the
	// value is re-read below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	if sharedTPM > maxTPM {
		maxTPM = sharedTPM
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.setClusterCallbacks(
		func(float64) { go updateShared(context.Background(), m, key, func(cur float64) float64 { return max(cur*0.5, floor) }) },
		func(float64) { go updateShared(context.Background(), m, key, func(cur float64) float64 { return min(cur+step, ceiling) }) },
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// updateShared applies next to the shared budget with optimistic concurrency,
// retrying a few times when another process updated it first.
func updateShared(ctx context.Context, m clusterMap, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nv := next(cur)
		if nv == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(nv)))
		if err != nil || prev == curStr {
			return
		}
	}
}
