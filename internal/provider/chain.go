package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/parser"
)

var tracer = otel.Tracer("kestrel-provider")

var (
	onlineFirst = []domain.ProviderKind{
		domain.ProviderHostedAPI,
		domain.ProviderOnlineGateway,
		domain.ProviderLocalDaemon,
		domain.ProviderLocalCLI,
	}
	localFirst = []domain.ProviderKind{
		domain.ProviderLocalDaemon,
		domain.ProviderLocalCLI,
		domain.ProviderHostedAPI,
		domain.ProviderOnlineGateway,
	}
)

// Options configures a Chain.
type Options struct {
	// PreferOnline selects online-first ordering; otherwise local-first.
	PreferOnline bool

	// ForceLocalDaemon moves the local daemon to the front of the order.
	ForceLocalDaemon bool

	// MaxAttempts bounds providers tried per call, synthetic fallback
	// included. Defaults to 4.
	MaxAttempts int

	// ProbeTimeout bounds a single capability probe. Defaults to 3s.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

type probeResult struct {
	available bool
	err       error
	at        time.Time
}

// Chain drives the analysis providers. It is safe for concurrent use; all
// mutable state sits behind one RWMutex.
type Chain struct {
	opts      Options
	logger    *slog.Logger
	providers map[domain.ProviderKind]Provider
	enhanced  Provider

	// Serializes probing per provider so each is probed once.
	probeLocks map[domain.ProviderKind]*sync.Mutex

	mu         sync.RWMutex
	order      []domain.ProviderKind
	probed     map[domain.ProviderKind]probeResult
	demoted    map[domain.ProviderKind]bool
	pinned     domain.ProviderKind
	active     domain.ProviderKind
	lastFailed []domain.ProviderKind
}

// NewChain builds a chain over the given providers. A provider of kind
// EnhancedMock replaces the built-in synthetic provider.
func NewChain(opts Options, providers ...Provider) *Chain {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Chain{
		opts:       opts,
		logger:     opts.Logger,
		providers:  make(map[domain.ProviderKind]Provider),
		enhanced:   EnhancedMock{},
		probeLocks: make(map[domain.ProviderKind]*sync.Mutex),
		probed:     make(map[domain.ProviderKind]probeResult),
		demoted:    make(map[domain.ProviderKind]bool),
	}

	for _, p := range providers {
		switch p.Kind() {
		case domain.ProviderEnhancedMock:
			c.enhanced = p
		case domain.ProviderBasicMock:
			// always built in
		default:
			c.providers[p.Kind()] = p
			c.probeLocks[p.Kind()] = &sync.Mutex{}
		}
	}

	for _, kind := range ordering(opts.PreferOnline, opts.ForceLocalDaemon) {
		if _, ok := c.providers[kind]; ok {
			c.order = append(c.order, kind)
		}
	}
	return c
}

// FromConfig builds the providers enabled by cfg and wraps them in a Chain.
func FromConfig(cfg domain.ProvidersConfig, logger *slog.Logger) *Chain {
	var ps []Provider
	if cfg.HostedAPIKey != "" {
		ps = append(ps, NewHosted(cfg.HostedAPIURL, cfg.HostedModel, cfg.HostedAPIKey, cfg.HostedTimeout))
	}
	if cfg.UseOnlineGateway && cfg.OnlineGatewayURL != "" {
		ps = append(ps, NewGateway(cfg.OnlineGatewayURL, cfg.OnlineGatewayKey, cfg.LocalModelName, cfg.GatewayTimeout))
	}
	if cfg.UseLocalDaemon || cfg.ForceLocalDaemon {
		ps = append(ps, NewDaemon(cfg.LocalDaemonURL, cfg.LocalModelName, cfg.DaemonTimeout))
	}
	if cfg.LocalCLIPath != "" {
		ps = append(ps, NewCLI(cfg.LocalCLIPath, cfg.CLITimeout))
	}

	return NewChain(Options{
		PreferOnline:     cfg.PreferOnline,
		ForceLocalDaemon: cfg.ForceLocalDaemon,
		MaxAttempts:      cfg.MaxAttempts,
		ProbeTimeout:     cfg.ProbeTimeout,
		Logger:           logger,
	}, ps...)
}

func ordering(preferOnline, forceDaemon bool) []domain.ProviderKind {
	base := localFirst
	if preferOnline {
		base = onlineFirst
	}
	if !forceDaemon {
		return append([]domain.ProviderKind(nil), base...)
	}
	order := []domain.ProviderKind{domain.ProviderLocalDaemon}
	for _, k := range base {
		if k != domain.ProviderLocalDaemon {
			order = append(order, k)
		}
	}
	return order
}

// Analyze returns a structured analysis for req. It always returns a
// result: when every real provider fails, is skipped, or the context
// deadline passes, the synthetic provider answers.
func (c *Chain) Analyze(ctx context.Context, req *domain.AnalysisRequest) domain.AnalysisResult {
	ctx, span := tracer.Start(ctx, "provider.Analyze")
	defer span.End()

	c.mu.RLock()
	pinned := c.pinned
	c.mu.RUnlock()

	var res domain.AnalysisResult
	if pinned != 0 {
		res = c.analyzePinned(ctx, pinned, req)
	} else {
		res = c.analyzeOrdered(ctx, req)
	}

	span.SetAttributes(
		attribute.String("provider", res.Provider.String()),
		attribute.Bool("degraded", res.Degraded),
	)
	return res
}

func (c *Chain) analyzeOrdered(ctx context.Context, req *domain.AnalysisRequest) domain.AnalysisResult {
	var failed []domain.ProviderKind
	budget := c.opts.MaxAttempts - 1 // one slot is reserved for the synthetic provider
	attempts := 0

	for _, kind := range c.candidates() {
		if attempts >= budget || ctx.Err() != nil {
			break
		}
		p := c.providers[kind]
		if !c.available(ctx, p) {
			continue
		}

		attempts++
		res, err := c.attempt(ctx, p, req)
		if err == nil {
			c.setActive(kind, failed)
			return res
		}
		failed = append(failed, kind)
		c.recordFailure(kind, err)
	}

	c.setActive(domain.ProviderEnhancedMock, failed)

	switch {
	case ctx.Err() != nil:
		return c.synthetic(ctx, req, true, "deadline")
	case len(failed) > 0:
		return c.synthetic(ctx, req, true, "exhausted")
	default:
		// Nothing usable is configured: the synthetic provider is the
		// regular answer, not a degradation.
		return c.synthetic(ctx, req, false, "")
	}
}

func (c *Chain) analyzePinned(ctx context.Context, kind domain.ProviderKind, req *domain.AnalysisRequest) domain.AnalysisResult {
	if kind.IsMock() {
		return c.synthetic(ctx, req, false, "")
	}

	c.mu.RLock()
	demoted := c.demoted[kind]
	c.mu.RUnlock()

	if !demoted && ctx.Err() == nil {
		res, err := c.attempt(ctx, c.providers[kind], req)
		if err == nil {
			c.setActive(kind, nil)
			return res
		}
		c.recordFailure(kind, err)
	}

	c.mu.Lock()
	c.lastFailed = []domain.ProviderKind{kind}
	c.mu.Unlock()
	return c.synthetic(ctx, req, true, "pinned_failure")
}

// attempt runs one provider call bounded by its own timeout and the
// caller's deadline, whichever comes first.
func (c *Chain) attempt(ctx context.Context, p Provider, req *domain.AnalysisRequest) (res domain.AnalysisResult, err error) {
	kind := p.Kind()

	if t := p.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "provider.attempt",
		trace.WithAttributes(attribute.String("provider", kind.String())),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Provider: kind, Class: ClassFatal, Err: fmt.Errorf("panic: %v", r)}
		}
		providerLatency.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = Classify(err).String()
			span.RecordError(err)
		}
		providerAttempts.WithLabelValues(kind.String(), outcome).Inc()
	}()

	raw, err := p.Analyze(ctx, req)
	if err != nil {
		return res, wrap(kind, err)
	}
	if strings.TrimSpace(raw) == "" {
		return res, wrap(kind, fmt.Errorf("%w: empty text", ErrMalformedResponse))
	}
	return c.result(kind, raw, req, false), nil
}

// synthetic answers with the enhanced mock, or the basic mock if the
// enhanced one fails or panics.
func (c *Chain) synthetic(ctx context.Context, req *domain.AnalysisRequest, degraded bool, reason string) (res domain.AnalysisResult) {
	if reason != "" {
		providerFallbacks.WithLabelValues(reason).Inc()
		c.logger.Warn("using synthetic analysis", "reason", reason, "degraded", degraded)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("synthetic provider panicked", "panic", fmt.Sprint(r))
			providerFallbacks.WithLabelValues("mock_panic").Inc()
			res = c.result(domain.ProviderBasicMock, basicText, req, degraded)
		}
	}()

	raw, err := c.enhanced.Analyze(ctx, req)
	if err != nil || strings.TrimSpace(raw) == "" {
		return c.result(domain.ProviderBasicMock, basicText, req, degraded)
	}
	return c.result(domain.ProviderEnhancedMock, raw, req, degraded)
}

func (c *Chain) result(kind domain.ProviderKind, raw string, req *domain.AnalysisRequest, degraded bool) domain.AnalysisResult {
	res := parser.Parse(raw)
	res.Provider = kind
	res.RetrievedPatternIDs = req.PatternIDs()
	if degraded {
		res.Degraded = true
		res.Recommendation = domain.RecommendReview
	}
	return res
}

// candidates returns the current order without demoted providers.
func (c *Chain) candidates() []domain.ProviderKind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.ProviderKind, 0, len(c.order))
	for _, k := range c.order {
		if !c.demoted[k] {
			out = append(out, k)
		}
	}
	return out
}

func (c *Chain) cachedProbe(kind domain.ProviderKind) (probeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.probed[kind]
	return r, ok
}

// available probes p on first use and caches the answer until the cache
// is invalidated by Reset or Switch.
func (c *Chain) available(ctx context.Context, p Provider) bool {
	kind := p.Kind()
	if r, ok := c.cachedProbe(kind); ok {
		return r.available
	}

	lock := c.probeLocks[kind]
	lock.Lock()
	defer lock.Unlock()

	if r, ok := c.cachedProbe(kind); ok {
		return r.available
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	err := p.Probe(pctx)
	cancel()

	if err != nil && ctx.Err() != nil {
		// The caller ran out of time; leave the provider unprobed.
		return false
	}

	c.mu.Lock()
	c.probed[kind] = probeResult{available: err == nil, err: err, at: time.Now()}
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("provider unavailable", "provider", kind.String(), "error", err)
		if Classify(err) == ClassQuota {
			c.demote(kind)
		}
		return false
	}
	c.logger.Info("provider available", "provider", kind.String())
	return true
}

func (c *Chain) setActive(kind domain.ProviderKind, failed []domain.ProviderKind) {
	c.mu.Lock()
	c.active = kind
	c.lastFailed = failed
	c.mu.Unlock()
}

func (c *Chain) recordFailure(kind domain.ProviderKind, err error) {
	class := Classify(err)
	c.logger.Warn("provider attempt failed",
		"provider", kind.String(),
		"class", class.String(),
		"error", err,
	)
	if class == ClassQuota {
		c.demote(kind)
	}
}

func (c *Chain) demote(kind domain.ProviderKind) {
	c.mu.Lock()
	already := c.demoted[kind]
	c.demoted[kind] = true
	c.mu.Unlock()

	if !already {
		providerDemotions.WithLabelValues(kind.String()).Inc()
		c.logger.Warn("provider demoted for session", "provider", kind.String())
	}
}

// SwitchResult is the outcome of a Switch request.
type SwitchResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	CurrentType string `json:"current_type"`
}

// Switch pins the chain to a provider family or returns it to automatic
// ordering. Accepted targets: hosted, local, mock, auto. The target is
// re-probed and only pinned if available.
func (c *Chain) Switch(ctx context.Context, target string) SwitchResult {
	var family []domain.ProviderKind

	switch strings.ToLower(strings.TrimSpace(target)) {
	case "auto":
		c.mu.Lock()
		c.pinned = 0
		c.probed = make(map[domain.ProviderKind]probeResult)
		c.mu.Unlock()
		c.logger.Info("provider pin cleared")
		return SwitchResult{Success: true, Message: "automatic provider selection enabled", CurrentType: "auto"}
	case "mock":
		return c.pin(domain.ProviderEnhancedMock)
	case "hosted":
		family = c.registered(domain.ProviderHostedAPI, domain.ProviderOnlineGateway)
	case "local":
		family = c.registered(domain.ProviderLocalDaemon, domain.ProviderLocalCLI)
	default:
		return SwitchResult{
			Success:     false,
			Message:     fmt.Sprintf("unknown provider type %q", target),
			CurrentType: c.currentType(),
		}
	}

	if len(family) == 0 {
		return SwitchResult{
			Success:     false,
			Message:     fmt.Sprintf("no %s provider configured", target),
			CurrentType: c.currentType(),
		}
	}

	// First member of the family that probes as available wins.
	problems := make([]string, 0, len(family))
	for _, kind := range family {
		c.mu.Lock()
		delete(c.probed, kind)
		c.mu.Unlock()

		if c.available(ctx, c.providers[kind]) {
			return c.pin(kind)
		}
		msg := fmt.Sprintf("%s is unavailable", kind)
		if r, ok := c.cachedProbe(kind); ok && r.err != nil {
			msg += ": " + r.err.Error()
		}
		problems = append(problems, msg)
	}
	return SwitchResult{Success: false, Message: strings.Join(problems, "; "), CurrentType: c.currentType()}
}

func (c *Chain) pin(kind domain.ProviderKind) SwitchResult {
	c.mu.Lock()
	c.pinned = kind
	delete(c.demoted, kind)
	c.mu.Unlock()

	c.logger.Info("provider pinned", "provider", kind.String())
	return SwitchResult{
		Success:     true,
		Message:     fmt.Sprintf("pinned to %s", kind),
		CurrentType: kind.String(),
	}
}

// registered returns the kinds that have a provider, in the given order.
func (c *Chain) registered(kinds ...domain.ProviderKind) []domain.ProviderKind {
	var out []domain.ProviderKind
	for _, k := range kinds {
		if _, ok := c.providers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (c *Chain) currentType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pinned == 0 {
		return "auto"
	}
	return c.pinned.String()
}

// Reset clears demotions, the probe cache and failure history. The pin,
// if any, is kept.
func (c *Chain) Reset() {
	c.mu.Lock()
	c.probed = make(map[domain.ProviderKind]probeResult)
	c.demoted = make(map[domain.ProviderKind]bool)
	c.lastFailed = nil
	c.active = 0
	c.mu.Unlock()
	c.logger.Info("provider chain reset")
}

// ProviderStatus is the state of one provider in a Status snapshot.
type ProviderStatus struct {
	Name       string     `json:"name"`
	Probed     bool       `json:"probed"`
	Available  bool       `json:"available"`
	Demoted    bool       `json:"demoted"`
	ProbeError string     `json:"probe_error,omitempty"`
	ProbedAt   *time.Time `json:"probed_at,omitempty"`
}

// Status is an operator snapshot of the chain.
type Status struct {
	Mode       string           `json:"mode"`
	Pinned     string           `json:"pinned,omitempty"`
	Active     string           `json:"active,omitempty"`
	Order      []string         `json:"order"`
	LastFailed []string         `json:"last_failed"`
	Providers  []ProviderStatus `json:"providers"`
}

// Status returns a snapshot of the chain state.
func (c *Chain) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Mode:       "auto",
		Order:      make([]string, 0, len(c.order)),
		LastFailed: make([]string, 0, len(c.lastFailed)),
		Providers:  make([]ProviderStatus, 0, len(c.order)),
	}
	if c.pinned != 0 {
		st.Mode = "pinned"
		st.Pinned = c.pinned.String()
	}
	if c.active != 0 {
		st.Active = c.active.String()
	}
	for _, k := range c.lastFailed {
		st.LastFailed = append(st.LastFailed, k.String())
	}
	for _, k := range c.order {
		st.Order = append(st.Order, k.String())

		ps := ProviderStatus{Name: k.String(), Demoted: c.demoted[k]}
		if r, ok := c.probed[k]; ok {
			at := r.at
			ps.Probed = true
			ps.Available = r.available
			ps.ProbedAt = &at
			if r.err != nil {
				ps.ProbeError = r.err.Error()
			}
		}
		st.Providers = append(st.Providers, ps)
	}
	return st
}
