package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	result   domain.AnalysisResult
	panics   bool
	requests []*domain.AnalysisRequest
	deadline time.Time
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req *domain.AnalysisRequest) domain.AnalysisResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.deadline, _ = ctx.Deadline()
	if f.panics {
		panic("chain exploded")
	}
	return f.result
}

func (f *fakeAnalyzer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeRetrieval struct {
	patterns []domain.Pattern
	err      error
	gotK     int
}

func (f *fakeRetrieval) Search(ctx context.Context, query string, k int) ([]domain.Pattern, error) {
	f.gotK = k
	return f.patterns, f.err
}

func (f *fakeRetrieval) Add(ctx context.Context, p *domain.Pattern) error { return nil }

type fakeSink struct {
	mu      sync.Mutex
	records []*domain.AuditRecord
	err     error
}

func (f *fakeSink) Record(ctx context.Context, rec *domain.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeFeatures struct {
	snapshot domain.FeatureSnapshot
	err      error
}

func (f *fakeFeatures) Compute(ctx context.Context, tx *domain.Transaction) (domain.FeatureSnapshot, error) {
	return f.snapshot, f.err
}

type fakeScreening struct {
	result domain.ScreeningResult
	err    error
	panics bool
}

func (f *fakeScreening) Score(ctx context.Context, fs domain.FeatureSnapshot, tx *domain.Transaction) (domain.ScreeningResult, error) {
	if f.panics {
		panic("model exploded")
	}
	return f.result, f.err
}

func testTx(amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-001",
		Amount:           amount,
		Currency:         "USD",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		MerchantID:       "m-001",
		MerchantCategory: "electronics",
		CustomerID:       "c-001",
		Online:           true,
	}
}

func lowRisk() domain.FeatureSnapshot {
	return domain.FeatureSnapshot{domain.FeatureMerchantRisk: 0.1}
}

func analysis(p, c float64) domain.AnalysisResult {
	return domain.AnalysisResult{
		FraudProbability: p,
		Confidence:       c,
		Reasoning:        "pattern match on card testing",
		Recommendation:   domain.RecommendDeny,
		Provider:         domain.ProviderHostedAPI,
	}
}

func newTestOrchestrator(a Analyzer, r domain.RetrievalStore, s domain.AuditSink) *Orchestrator {
	return NewOrchestrator(domain.DefaultConfig().Decision, Deps{Analyzer: a, Retrieval: r, Audit: s})
}

func TestShouldEscalate(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		risk   float64
		prob   float64
		conf   float64
		want   bool
	}{
		{"ConfidentLowRisk", 100, 0.1, 0.05, 0.97, false},
		{"ConfidenceAtThreshold", 100, 0.1, 0.05, 0.95, false},
		{"ConfidenceBelowThreshold", 100, 0.1, 0.05, 0.9499, true},
		{"ProbabilityAtLowerBound", 100, 0.1, 0.2, 0.97, false},
		{"ProbabilityInsideBand", 100, 0.1, 0.21, 0.97, true},
		{"ProbabilityAtUpperBound", 100, 0.1, 0.8, 0.97, false},
		{"ProbabilityHigh", 100, 0.1, 0.95, 0.97, false},
		{"AmountAtLimit", 1000, 0.1, 0.05, 0.97, false},
		{"AmountAboveLimit", 1000.01, 0.1, 0.05, 0.97, true},
		{"MerchantRiskAtLimit", 100, 0.6, 0.05, 0.97, false},
		{"MerchantRiskAboveLimit", 100, 0.61, 0.05, 0.97, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldEscalate(testTx(tt.amount),
				domain.FeatureSnapshot{domain.FeatureMerchantRisk: tt.risk},
				domain.ScreeningResult{FraudProbability: tt.prob, Confidence: tt.conf})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideWithoutEscalation(t *testing.T) {
	a := &fakeAnalyzer{result: analysis(0.9, 0.9)}
	sink := &fakeSink{}
	o := newTestOrchestrator(a, nil, sink)

	res := o.Decide(context.Background(), testTx(100), lowRisk(),
		domain.ScreeningResult{FraudProbability: 0.05, Confidence: 0.97})

	assert.Equal(t, "tx-001", res.TransactionID)
	assert.False(t, res.IsFraud)
	assert.Equal(t, 0.97, res.ConfidenceScore)
	assert.Equal(t, ReasonScreening, res.DecisionReason)
	assert.False(t, res.RequiresReview)
	assert.False(t, res.Escalated)
	assert.Equal(t, 0, a.calls())
	assert.GreaterOrEqual(t, res.ProcessingTimeMs, 0.0)

	require.Equal(t, 1, sink.count())
	assert.Nil(t, sink.records[0].Analysis)
	assert.Equal(t, res.AuditID, sink.records[0].ID)
}

func TestDecideWithEscalation(t *testing.T) {
	t.Run("Blending", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.73, 0.8)}
		o := newTestOrchestrator(a, nil, nil)

		res := o.Decide(context.Background(), testTx(100), lowRisk(),
			domain.ScreeningResult{FraudProbability: 0.3, Confidence: 0.96})

		assert.True(t, res.Escalated)
		assert.InDelta(t, 0.558, res.FraudProbability, 1e-9)
		assert.True(t, res.IsFraud)
		assert.Equal(t, 0.96, res.ConfidenceScore)
		assert.False(t, res.RequiresReview)
		assert.Equal(t, "pattern match on card testing", res.DecisionReason)
		assert.Equal(t, domain.ProviderHostedAPI, res.Provider)
	})

	t.Run("BlendAtHalfIsNotFraud", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.5, 0.5)}
		o := newTestOrchestrator(a, nil, nil)

		res := o.Decide(context.Background(), testTx(5000), lowRisk(),
			domain.ScreeningResult{FraudProbability: 0.5, Confidence: 0.5})

		assert.InDelta(t, 0.5, res.FraudProbability, 1e-9)
		assert.False(t, res.IsFraud)
		assert.True(t, res.RequiresReview)
	})

	t.Run("LowConfidenceRequiresReview", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.1, 0.6)}
		o := newTestOrchestrator(a, nil, nil)

		res := o.Decide(context.Background(), testTx(100), lowRisk(),
			domain.ScreeningResult{FraudProbability: 0.1, Confidence: 0.5})

		assert.Equal(t, 0.6, res.ConfidenceScore)
		assert.True(t, res.RequiresReview)
		assert.False(t, res.IsFraud)
	})

	t.Run("ZeroThresholdNeverRequiresReview", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.1, 0.3)}
		cfg := domain.DefaultConfig().Decision
		cfg.ConfidenceThreshold = 0
		o := NewOrchestrator(cfg, Deps{Analyzer: a})

		res := o.Decide(context.Background(), testTx(100), lowRisk(),
			domain.ScreeningResult{FraudProbability: 0.1, Confidence: 0.3})

		assert.True(t, res.Escalated)
		assert.Equal(t, 0.3, res.ConfidenceScore)
		assert.False(t, res.RequiresReview)
	})

	t.Run("OutOfRangeScoresClamped", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(7, 3)}
		o := newTestOrchestrator(a, nil, nil)

		res := o.Decide(context.Background(), testTx(2000), lowRisk(),
			domain.ScreeningResult{FraudProbability: -1, Confidence: 2})

		assert.InDelta(t, 0.6, res.FraudProbability, 1e-9)
		assert.Equal(t, 1.0, res.ConfidenceScore)
	})

	t.Run("RequestCarriesPatternsAndDeadline", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.4, 0.8)}
		r := &fakeRetrieval{patterns: []domain.Pattern{{ID: "p-1", FraudType: "card testing", Text: "burst"}}}
		o := NewOrchestrator(domain.DecisionConfig{ConfidenceThreshold: 0.7, SimilarityTopK: 3, AnalysisDeadline: 2 * time.Second},
			Deps{Analyzer: a, Retrieval: r})

		before := time.Now()
		o.Decide(context.Background(), testTx(1500), lowRisk(), domain.ScreeningResult{FraudProbability: 0.1, Confidence: 0.99})

		require.Equal(t, 1, a.calls())
		req := a.requests[0]
		assert.Equal(t, 3, r.gotK)
		assert.Equal(t, []string{"p-1"}, req.PatternIDs())
		assert.Contains(t, req.TransactionText, "tx-001")
		assert.Contains(t, req.TransactionText, domain.FeatureMerchantRisk)
		assert.WithinDuration(t, before.Add(2*time.Second), a.deadline, time.Second)
	})

	t.Run("RetrievalFailureMeansNoPatterns", func(t *testing.T) {
		a := &fakeAnalyzer{result: analysis(0.4, 0.8)}
		r := &fakeRetrieval{err: errors.New("index offline")}
		o := newTestOrchestrator(a, r, nil)

		res := o.Decide(context.Background(), testTx(1500), lowRisk(), domain.ScreeningResult{FraudProbability: 0.1, Confidence: 0.99})

		require.Equal(t, 1, a.calls())
		assert.Empty(t, a.requests[0].RetrievedPatterns)
		assert.True(t, res.Escalated)
		assert.NotContains(t, res.DecisionReason, "Error during analysis")
	})
}

func TestDecideFailureDefault(t *testing.T) {
	sink := &fakeSink{}
	o := newTestOrchestrator(&fakeAnalyzer{panics: true}, nil, sink)

	res := o.Decide(context.Background(), testTx(5000), lowRisk(), domain.ScreeningResult{FraudProbability: 0.5, Confidence: 0.5})

	assert.Equal(t, "tx-001", res.TransactionID)
	assert.False(t, res.IsFraud)
	assert.Equal(t, ErrorConfidence, res.ConfidenceScore)
	assert.True(t, res.RequiresReview)
	assert.True(t, strings.HasPrefix(res.DecisionReason, "Error during analysis: "))
	assert.Contains(t, res.DecisionReason, "chain exploded")
	assert.Equal(t, 1, sink.count(), "failed decisions are audited too")
}

func TestDecideAuditSinkFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("broker down")}
	o := newTestOrchestrator(&fakeAnalyzer{result: analysis(0.9, 0.9)}, nil, sink)

	res := o.Decide(context.Background(), testTx(5000), lowRisk(), domain.ScreeningResult{FraudProbability: 0.5, Confidence: 0.5})

	assert.Equal(t, 1, sink.count())
	assert.True(t, res.IsFraud)
	assert.Equal(t, "pattern match on card testing", res.DecisionReason)

	rec := sink.records[0]
	require.NotNil(t, rec.Analysis)
	assert.Equal(t, res.TransactionID, rec.Decision.TransactionID)
	assert.Equal(t, res.AuditID, rec.Decision.AuditID)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("ValidationError", func(t *testing.T) {
		o := NewOrchestrator(domain.DefaultConfig().Decision, Deps{})
		tx := testTx(-5)
		tx.Currency = "US"

		_, err := o.Evaluate(ctx, tx)

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrValidation)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Problems, 2)
	})

	t.Run("FullPipeline", func(t *testing.T) {
		sink := &fakeSink{}
		o := NewOrchestrator(domain.DefaultConfig().Decision, Deps{
			Features:  &fakeFeatures{snapshot: lowRisk()},
			Screening: &fakeScreening{result: domain.ScreeningResult{FraudProbability: 0.9, Confidence: 0.99}},
			Analyzer:  &fakeAnalyzer{},
			Audit:     sink,
		})

		res, err := o.Evaluate(ctx, testTx(50))

		require.NoError(t, err)
		assert.True(t, res.IsFraud)
		assert.False(t, res.Escalated)
		assert.Equal(t, 1, sink.count())
	})

	t.Run("FeatureFailureIsConservative", func(t *testing.T) {
		sink := &fakeSink{}
		o := NewOrchestrator(domain.DefaultConfig().Decision, Deps{
			Features:  &fakeFeatures{err: errors.New("cache unreachable")},
			Screening: &fakeScreening{},
			Analyzer:  &fakeAnalyzer{},
			Audit:     sink,
		})

		res, err := o.Evaluate(ctx, testTx(50))

		require.NoError(t, err)
		assert.Equal(t, ErrorConfidence, res.ConfidenceScore)
		assert.True(t, res.RequiresReview)
		assert.Contains(t, res.DecisionReason, "cache unreachable")
		assert.Equal(t, 1, sink.count())
	})

	t.Run("ScreeningPanicIsConservative", func(t *testing.T) {
		o := NewOrchestrator(domain.DefaultConfig().Decision, Deps{
			Features:  &fakeFeatures{snapshot: lowRisk()},
			Screening: &fakeScreening{panics: true},
			Analyzer:  &fakeAnalyzer{},
		})

		res, err := o.Evaluate(ctx, testTx(50))

		require.NoError(t, err)
		assert.False(t, res.IsFraud)
		assert.Contains(t, res.DecisionReason, "model exploded")
	})
}

func TestDecideConcurrent(t *testing.T) {
	sink := &fakeSink{}
	a := &fakeAnalyzer{result: analysis(0.7, 0.9)}
	o := newTestOrchestrator(a, nil, sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := 100.0
			if i%2 == 0 {
				amount = 5000
			}
			res := o.Decide(context.Background(), testTx(amount), lowRisk(),
				domain.ScreeningResult{FraudProbability: 0.05, Confidence: 0.99})
			assert.Equal(t, amount > HighValueAmount, res.Escalated)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, sink.count())
	assert.Equal(t, 25, a.calls())
}
