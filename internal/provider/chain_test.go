package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const goodAnswer = "Fraud Probability: 0.9\nConfidence: 0.8\nRecommendation: DENY\nReasoning: matches card testing"

type fakeProvider struct {
	kind     domain.ProviderKind
	timeout  time.Duration
	probeErr error
	text     string
	err      error
	delay    time.Duration
	panics   bool

	calls  atomic.Int32
	probes atomic.Int32
}

func (f *fakeProvider) Kind() domain.ProviderKind { return f.kind }

func (f *fakeProvider) Timeout() time.Duration { return f.timeout }

func (f *fakeProvider) Probe(ctx context.Context) error {
	f.probes.Add(1)
	return f.probeErr
}

func (f *fakeProvider) Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func ok(kind domain.ProviderKind) *fakeProvider {
	return &fakeProvider{kind: kind, timeout: time.Second, text: goodAnswer}
}

func failing(kind domain.ProviderKind, err error) *fakeProvider {
	return &fakeProvider{kind: kind, timeout: time.Second, err: err}
}

func testRequest() *domain.AnalysisRequest {
	return &domain.AnalysisRequest{
		TransactionText: "Transaction tx-1: 1500.00 USD, category electronics, online purchase.",
		RetrievedPatterns: []domain.Pattern{
			{ID: "p-1", FraudType: "card testing", Text: "many small charges"},
			{ID: "p-2", FraudType: "account takeover", Text: "new device and address"},
		},
	}
}

type panicMock struct{ EnhancedMock }

func (panicMock) Analyze(context.Context, *domain.AnalysisRequest) (string, error) {
	panic("mock exploded")
}

func TestChainOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("OnlineFirst", func(t *testing.T) {
		hosted, daemon := ok(domain.ProviderHostedAPI), ok(domain.ProviderLocalDaemon)
		c := NewChain(Options{PreferOnline: true}, daemon, hosted)

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderHostedAPI, res.Provider)
		assert.False(t, res.Degraded)
		assert.InDelta(t, 0.9, res.FraudProbability, 1e-9)
		assert.Equal(t, domain.RecommendDeny, res.Recommendation)
		assert.Equal(t, []string{"p-1", "p-2"}, res.RetrievedPatternIDs)
		assert.Equal(t, int32(0), daemon.calls.Load())
	})

	t.Run("LocalFirst", func(t *testing.T) {
		hosted, cli := ok(domain.ProviderHostedAPI), ok(domain.ProviderLocalCLI)
		c := NewChain(Options{PreferOnline: false}, hosted, cli)

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderLocalCLI, res.Provider)
		assert.Equal(t, int32(0), hosted.calls.Load())
	})

	t.Run("ForceLocalDaemon", func(t *testing.T) {
		hosted, daemon := ok(domain.ProviderHostedAPI), ok(domain.ProviderLocalDaemon)
		c := NewChain(Options{PreferOnline: true, ForceLocalDaemon: true}, hosted, daemon)

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderLocalDaemon, res.Provider)
		assert.Equal(t, []string{"local_daemon", "hosted_api"}, c.Status().Order)
	})
}

func TestChainFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("TransientMovesOnWithoutDemotion", func(t *testing.T) {
		hosted := failing(domain.ProviderHostedAPI, &StatusError{Code: 503, Body: "overloaded"})
		gateway := ok(domain.ProviderOnlineGateway)
		c := NewChain(Options{PreferOnline: true}, hosted, gateway)

		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderOnlineGateway, res.Provider)
		assert.False(t, res.Degraded)

		c.Analyze(ctx, testRequest())
		assert.Equal(t, int32(2), hosted.calls.Load(), "transient failures are retried on the next call")
	})

	t.Run("QuotaDemotesForSession", func(t *testing.T) {
		hosted := failing(domain.ProviderHostedAPI, &StatusError{Code: 429, Body: "slow down"})
		gateway := ok(domain.ProviderOnlineGateway)
		c := NewChain(Options{PreferOnline: true}, hosted, gateway)

		for i := 0; i < 3; i++ {
			res := c.Analyze(ctx, testRequest())
			assert.Equal(t, domain.ProviderOnlineGateway, res.Provider)
		}
		assert.Equal(t, int32(1), hosted.calls.Load())

		st := c.Status()
		require.Len(t, st.Providers, 2)
		assert.True(t, st.Providers[0].Demoted)
		assert.False(t, st.Providers[1].Demoted)

		c.Reset()
		c.Analyze(ctx, testRequest())
		assert.Equal(t, int32(2), hosted.calls.Load(), "reset lifts demotion")
	})

	t.Run("QuotaMarkerInMessage", func(t *testing.T) {
		hosted := failing(domain.ProviderHostedAPI, errors.New("You exceeded your current quota"))
		c := NewChain(Options{PreferOnline: true}, hosted, ok(domain.ProviderLocalDaemon))

		c.Analyze(ctx, testRequest())
		c.Analyze(ctx, testRequest())

		assert.Equal(t, int32(1), hosted.calls.Load())
	})

	t.Run("PanickingProviderIsAFailure", func(t *testing.T) {
		hosted := ok(domain.ProviderHostedAPI)
		hosted.panics = true
		c := NewChain(Options{PreferOnline: true}, hosted, ok(domain.ProviderLocalDaemon))

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderLocalDaemon, res.Provider)
	})

	t.Run("EmptyTextIsMalformed", func(t *testing.T) {
		hosted := &fakeProvider{kind: domain.ProviderHostedAPI, timeout: time.Second, text: "  "}
		c := NewChain(Options{PreferOnline: true}, hosted, ok(domain.ProviderLocalCLI))

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderLocalCLI, res.Provider)
	})
}

func TestChainTermination(t *testing.T) {
	ctx := context.Background()

	t.Run("AllFailYieldsDegradedMock", func(t *testing.T) {
		c := NewChain(Options{PreferOnline: true},
			failing(domain.ProviderHostedAPI, errors.New("bad key")),
			failing(domain.ProviderLocalDaemon, &StatusError{Code: 500}),
		)

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderEnhancedMock, res.Provider)
		assert.True(t, res.Degraded)
		assert.Equal(t, domain.RecommendReview, res.Recommendation)
		assert.Equal(t, []string{"p-1", "p-2"}, res.RetrievedPatternIDs)
		assert.Equal(t, []string{"hosted_api", "local_daemon"}, c.Status().LastFailed)
		assert.Equal(t, "enhanced_mock", c.Status().Active)
	})

	t.Run("AttemptBudget", func(t *testing.T) {
		ps := []*fakeProvider{
			failing(domain.ProviderHostedAPI, errors.New("x")),
			failing(domain.ProviderOnlineGateway, errors.New("x")),
			failing(domain.ProviderLocalDaemon, errors.New("x")),
			failing(domain.ProviderLocalCLI, errors.New("x")),
		}
		c := NewChain(Options{PreferOnline: true, MaxAttempts: 4}, ps[0], ps[1], ps[2], ps[3])

		res := c.Analyze(ctx, testRequest())

		assert.True(t, res.Degraded)
		assert.Equal(t, int32(1), ps[0].calls.Load())
		assert.Equal(t, int32(1), ps[1].calls.Load())
		assert.Equal(t, int32(1), ps[2].calls.Load())
		assert.Equal(t, int32(0), ps[3].calls.Load(), "fourth real provider exceeds the budget")
	})

	t.Run("DeadlineReturnsPromptly", func(t *testing.T) {
		slow := ok(domain.ProviderHostedAPI)
		slow.timeout = 10 * time.Second
		slow.delay = 5 * time.Second
		c := NewChain(Options{PreferOnline: true}, slow, ok(domain.ProviderLocalDaemon))

		dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		res := c.Analyze(dctx, testRequest())

		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, domain.ProviderEnhancedMock, res.Provider)
		assert.True(t, res.Degraded)
	})

	t.Run("ProviderTimeout", func(t *testing.T) {
		slow := ok(domain.ProviderHostedAPI)
		slow.timeout = 20 * time.Millisecond
		slow.delay = 2 * time.Second
		c := NewChain(Options{PreferOnline: true}, slow, ok(domain.ProviderOnlineGateway))

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderOnlineGateway, res.Provider)
	})

	t.Run("NoProvidersIsNotDegraded", func(t *testing.T) {
		c := NewChain(Options{})

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderEnhancedMock, res.Provider)
		assert.False(t, res.Degraded)
	})

	t.Run("PanickingMockFallsBackToBasic", func(t *testing.T) {
		c := NewChain(Options{}, panicMock{})

		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderBasicMock, res.Provider)
		assert.Equal(t, domain.RecommendReview, res.Recommendation)
	})
}

func TestChainProbing(t *testing.T) {
	ctx := context.Background()

	unavailable := ok(domain.ProviderHostedAPI)
	unavailable.probeErr = ErrInvalidCredential
	daemon := ok(domain.ProviderLocalDaemon)
	c := NewChain(Options{PreferOnline: true}, unavailable, daemon)

	for i := 0; i < 3; i++ {
		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderLocalDaemon, res.Provider)
		assert.False(t, res.Degraded)
	}

	assert.Equal(t, int32(1), unavailable.probes.Load(), "probe result is cached")
	assert.Equal(t, int32(0), unavailable.calls.Load())
	assert.Equal(t, int32(1), daemon.probes.Load())

	st := c.Status()
	assert.True(t, st.Providers[0].Probed)
	assert.False(t, st.Providers[0].Available)
	assert.Contains(t, st.Providers[0].ProbeError, "credential")

	c.Reset()
	c.Analyze(ctx, testRequest())
	assert.Equal(t, int32(2), unavailable.probes.Load(), "reset invalidates the probe cache")
}

func TestChainSwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("PinLocal", func(t *testing.T) {
		hosted, daemon := ok(domain.ProviderHostedAPI), ok(domain.ProviderLocalDaemon)
		c := NewChain(Options{PreferOnline: true}, hosted, daemon)

		sr := c.Switch(ctx, "local")
		require.True(t, sr.Success, sr.Message)
		assert.Equal(t, "local_daemon", sr.CurrentType)

		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderLocalDaemon, res.Provider)
		assert.Equal(t, int32(0), hosted.calls.Load())
		assert.Equal(t, "pinned", c.Status().Mode)
	})

	t.Run("PinnedFailureGoesToMock", func(t *testing.T) {
		hosted := failing(domain.ProviderHostedAPI, &StatusError{Code: 502})
		daemon := ok(domain.ProviderLocalDaemon)
		c := NewChain(Options{PreferOnline: true}, hosted, daemon)

		require.True(t, c.Switch(ctx, "hosted").Success)
		res := c.Analyze(ctx, testRequest())

		assert.Equal(t, domain.ProviderEnhancedMock, res.Provider)
		assert.True(t, res.Degraded)
		assert.Equal(t, int32(0), daemon.calls.Load(), "pinned failure does not fail over")
	})

	t.Run("HostedFallsBackToGateway", func(t *testing.T) {
		c := NewChain(Options{}, ok(domain.ProviderOnlineGateway))

		sr := c.Switch(ctx, "hosted")

		assert.True(t, sr.Success)
		assert.Equal(t, "online_gateway", sr.CurrentType)
	})

	t.Run("HostedSkipsUnavailableKey", func(t *testing.T) {
		hosted := ok(domain.ProviderHostedAPI)
		hosted.probeErr = errors.New("credential format invalid")
		gateway := ok(domain.ProviderOnlineGateway)
		c := NewChain(Options{}, hosted, gateway)

		sr := c.Switch(ctx, "hosted")

		require.True(t, sr.Success, sr.Message)
		assert.Equal(t, "online_gateway", sr.CurrentType)
		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderOnlineGateway, res.Provider)
		assert.Equal(t, int32(0), hosted.calls.Load())
	})

	t.Run("LocalFamilyAllUnavailable", func(t *testing.T) {
		daemon := ok(domain.ProviderLocalDaemon)
		daemon.probeErr = errors.New("connection refused")
		cli := ok(domain.ProviderLocalCLI)
		cli.probeErr = errors.New("not found")
		c := NewChain(Options{}, daemon, cli)

		sr := c.Switch(ctx, "local")

		assert.False(t, sr.Success)
		assert.Contains(t, sr.Message, "local_daemon is unavailable")
		assert.Contains(t, sr.Message, "local_cli is unavailable")
		assert.Equal(t, "auto", sr.CurrentType)
	})

	t.Run("UnavailableTargetNotPinned", func(t *testing.T) {
		daemon := ok(domain.ProviderLocalDaemon)
		daemon.probeErr = errors.New("connection refused")
		c := NewChain(Options{}, daemon)

		sr := c.Switch(ctx, "local")

		assert.False(t, sr.Success)
		assert.Contains(t, sr.Message, "unavailable")
		assert.Equal(t, "auto", sr.CurrentType)
		assert.Equal(t, "auto", c.Status().Mode)
	})

	t.Run("NotConfigured", func(t *testing.T) {
		c := NewChain(Options{}, ok(domain.ProviderLocalDaemon))

		sr := c.Switch(ctx, "hosted")

		assert.False(t, sr.Success)
		assert.Equal(t, "auto", sr.CurrentType)
	})

	t.Run("MockAndAuto", func(t *testing.T) {
		hosted := ok(domain.ProviderHostedAPI)
		c := NewChain(Options{PreferOnline: true}, hosted)

		require.True(t, c.Switch(ctx, "mock").Success)
		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderEnhancedMock, res.Provider)
		assert.False(t, res.Degraded)

		sr := c.Switch(ctx, "AUTO")
		assert.True(t, sr.Success)
		assert.Equal(t, "auto", sr.CurrentType)
		res = c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderHostedAPI, res.Provider)
	})

	t.Run("UnknownType", func(t *testing.T) {
		sr := NewChain(Options{}).Switch(ctx, "quantum")
		assert.False(t, sr.Success)
	})

	t.Run("PinClearsDemotion", func(t *testing.T) {
		hosted := failing(domain.ProviderHostedAPI, &StatusError{Code: 429})
		c := NewChain(Options{PreferOnline: true}, hosted)
		c.Analyze(ctx, testRequest())
		require.True(t, c.Status().Providers[0].Demoted)

		hosted.err = nil
		hosted.text = goodAnswer
		require.True(t, c.Switch(ctx, "hosted").Success)

		res := c.Analyze(ctx, testRequest())
		assert.Equal(t, domain.ProviderHostedAPI, res.Provider)
	})
}

func TestChainConcurrentUse(t *testing.T) {
	hosted := failing(domain.ProviderHostedAPI, &StatusError{Code: 429})
	c := NewChain(Options{PreferOnline: true}, hosted, ok(domain.ProviderLocalDaemon))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := c.Analyze(context.Background(), testRequest())
			assert.NotZero(t, res.Provider)
			if i%8 == 0 {
				_ = c.Status()
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, c.Status().Providers[0].Demoted)
}
