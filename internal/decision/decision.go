// Package decision implements the decision orchestrator: it decides
// whether a transaction needs textual analysis beyond the screening
// model, drives the provider chain when it does, blends the scores and
// emits one audit record per decision.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-decision")

// Escalation and blending constants.
const (
	EscalationConfidence = 0.95
	UncertainLow         = 0.2
	UncertainHigh        = 0.8
	HighValueAmount      = 1000.0
	MerchantRiskLimit    = 0.6

	ScreeningWeight = 0.4
	AnalysisWeight  = 0.6

	// ErrorConfidence is the confidence reported by the conservative default.
	ErrorConfidence = 0.1

	ReasonScreening = "Determined by ML model with high confidence"
)

// Analyzer produces a structured analysis. The provider chain satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req *domain.AnalysisRequest) domain.AnalysisResult
}

// Deps are the collaborators of the orchestrator. Retrieval and Audit may be nil.
type Deps struct {
	Features  domain.FeatureProvider
	Screening domain.ScreeningModel
	Retrieval domain.RetrievalStore
	Analyzer  Analyzer
	Audit     domain.AuditSink
	Logger    *slog.Logger
}

// Orchestrator produces a DecisionResult for every transaction.
type Orchestrator struct {
	threshold float64
	topK      int
	deadline  time.Duration

	features  domain.FeatureProvider
	screening domain.ScreeningModel
	retrieval domain.RetrievalStore
	analyzer  Analyzer
	audit     domain.AuditSink
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. The confidence threshold is used
// as given, so 0 disables review routing; pass domain.DefaultConfig().Decision
// for the defaults. A non-positive top-k or deadline falls back to the default.
func NewOrchestrator(cfg domain.DecisionConfig, deps Deps) *Orchestrator {
	def := domain.DefaultConfig().Decision
	if cfg.SimilarityTopK <= 0 {
		cfg.SimilarityTopK = def.SimilarityTopK
	}
	if cfg.AnalysisDeadline <= 0 {
		cfg.AnalysisDeadline = def.AnalysisDeadline
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		threshold: cfg.ConfidenceThreshold,
		topK:      cfg.SimilarityTopK,
		deadline:  cfg.AnalysisDeadline,
		features:  deps.Features,
		screening: deps.Screening,
		retrieval: deps.Retrieval,
		analyzer:  deps.Analyzer,
		audit:     deps.Audit,
		logger:    logger,
	}
}

// ShouldEscalate reports whether the screening result alone is not enough.
func ShouldEscalate(tx *domain.Transaction, features domain.FeatureSnapshot, screening domain.ScreeningResult) bool {
	return screening.Confidence < EscalationConfidence ||
		(screening.FraudProbability > UncertainLow && screening.FraudProbability < UncertainHigh) ||
		tx.Amount > HighValueAmount ||
		features.Get(domain.FeatureMerchantRisk) > MerchantRiskLimit
}

// Evaluate validates tx, computes features and the screening score, then
// decides. Only a validation failure is returned as an error; anything
// that goes wrong later yields the conservative default decision.
func (o *Orchestrator) Evaluate(ctx context.Context, tx *domain.Transaction) (domain.DecisionResult, error) {
	if tx == nil {
		verr := &domain.ValidationError{}
		verr.Add("transaction", "is required")
		return domain.DecisionResult{}, verr
	}
	if err := tx.Validate(); err != nil {
		return domain.DecisionResult{}, err
	}

	start := time.Now()

	var features domain.FeatureSnapshot
	var screening domain.ScreeningResult
	err := safely(func() error {
		if o.features == nil || o.screening == nil {
			return errors.New("screening pipeline not configured")
		}
		var err error
		if features, err = o.features.Compute(ctx, tx); err != nil {
			return fmt.Errorf("compute features: %w", err)
		}
		if screening, err = o.screening.Score(ctx, features, tx); err != nil {
			return fmt.Errorf("screening: %w", err)
		}
		return nil
	})
	if err != nil {
		res := o.conservative(tx.ID, err, start)
		o.emit(ctx, tx, features, screening, &res, nil)
		decisionsTotal.WithLabelValues("error").Inc()
		return res, nil
	}

	return o.Decide(ctx, tx, features, screening), nil
}

// Decide produces the final decision. It never panics and never fails:
// any error inside the pipeline yields the conservative default.
func (o *Orchestrator) Decide(ctx context.Context, tx *domain.Transaction, features domain.FeatureSnapshot, screening domain.ScreeningResult) domain.DecisionResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "decision.Decide")
	defer span.End()

	res, analysis, err := o.decide(ctx, tx, features, screening, start)
	outcome := "legit"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
	case res.IsFraud:
		outcome = "fraud"
	}
	decisionsTotal.WithLabelValues(outcome).Inc()
	decisionDuration.Observe(time.Since(start).Seconds())

	o.emit(ctx, tx, features, screening, &res, analysis)

	span.SetAttributes(
		attribute.String("transaction.id", res.TransactionID),
		attribute.Bool("escalated", res.Escalated),
		attribute.Bool("is_fraud", res.IsFraud),
	)
	return res
}

func (o *Orchestrator) decide(ctx context.Context, tx *domain.Transaction, features domain.FeatureSnapshot, screening domain.ScreeningResult, start time.Time) (res domain.DecisionResult, analysis *domain.AnalysisResult, err error) {
	txID := ""
	if tx != nil {
		txID = tx.ID
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			res = o.conservative(txID, err, start)
			analysis = nil
		}
	}()

	if tx == nil {
		err = errors.New("nil transaction")
		return o.conservative(txID, err, start), nil, err
	}

	screening.FraudProbability = domain.Clamp01(screening.FraudProbability)
	screening.Confidence = domain.Clamp01(screening.Confidence)

	res = domain.DecisionResult{TransactionID: tx.ID}

	if !ShouldEscalate(tx, features, screening) {
		res.FraudProbability = screening.FraudProbability
		res.ConfidenceScore = screening.Confidence
		res.DecisionReason = ReasonScreening
		o.finalize(&res, start)
		return res, nil, nil
	}

	if o.analyzer == nil {
		err = errors.New("analysis chain not configured")
		return o.conservative(tx.ID, err, start), nil, err
	}

	escalationsTotal.Inc()
	a := o.analyze(ctx, tx, features)

	res.Escalated = true
	res.Provider = a.Provider
	res.FraudProbability = domain.Clamp01(ScreeningWeight*screening.FraudProbability + AnalysisWeight*domain.Clamp01(a.FraudProbability))
	res.ConfidenceScore = max(screening.Confidence, domain.Clamp01(a.Confidence))
	res.DecisionReason = a.Reasoning
	o.finalize(&res, start)

	o.logger.Debug("transaction escalated",
		"transaction_id", tx.ID,
		"provider", a.Provider.String(),
		"degraded", a.Degraded,
		"fraud_probability", res.FraudProbability,
	)
	return res, &a, nil
}

func (o *Orchestrator) analyze(ctx context.Context, tx *domain.Transaction, features domain.FeatureSnapshot) domain.AnalysisResult {
	text := tx.Describe() + "Features:\n" + features.Describe()

	req := &domain.AnalysisRequest{
		TransactionText:   text,
		RetrievedPatterns: o.search(ctx, text),
	}

	actx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()
	return o.analyzer.Analyze(actx, req)
}

// search returns similar patterns; any retrieval failure means none.
func (o *Orchestrator) search(ctx context.Context, query string) (patterns []domain.Pattern) {
	if o.retrieval == nil {
		return nil
	}
	err := safely(func() error {
		var err error
		patterns, err = o.retrieval.Search(ctx, query, o.topK)
		return err
	})
	if err != nil {
		o.logger.Warn("retrieval failed, continuing without patterns", "error", err)
		return nil
	}
	return patterns
}

func (o *Orchestrator) finalize(res *domain.DecisionResult, start time.Time) {
	res.IsFraud = res.FraudProbability > 0.5
	res.RequiresReview = res.ConfidenceScore < o.threshold
	res.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
}

func (o *Orchestrator) conservative(txID string, err error, start time.Time) domain.DecisionResult {
	o.logger.Error("decision pipeline failed", "transaction_id", txID, "error", err)
	return domain.DecisionResult{
		TransactionID:    txID,
		IsFraud:          false,
		ConfidenceScore:  ErrorConfidence,
		DecisionReason:   "Error during analysis: " + err.Error(),
		RequiresReview:   true,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// emit hands one audit record to the sink. Sink failures are logged only.
func (o *Orchestrator) emit(ctx context.Context, tx *domain.Transaction, features domain.FeatureSnapshot, screening domain.ScreeningResult, res *domain.DecisionResult, analysis *domain.AnalysisResult) {
	if o.audit == nil || tx == nil {
		return
	}

	rec := &domain.AuditRecord{
		ID:          uuid.New().String(),
		Transaction: *tx,
		Features:    features,
		Screening:   screening,
		Analysis:    analysis,
		CreatedAt:   time.Now().UTC(),
	}
	res.AuditID = rec.ID
	rec.Decision = *res

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := safely(func() error { return o.audit.Record(actx, rec) })
	if err != nil {
		auditFailures.Inc()
		o.logger.Error("audit emission failed",
			"transaction_id", tx.ID,
			"audit_id", rec.ID,
			"error", err,
		)
	}
}

// safely runs fn and converts a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
