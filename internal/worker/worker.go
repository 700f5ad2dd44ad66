// Package worker provides async message processing: decisions for
// transactions ingested through the event bus, and persistence of audit
// records published by the bus audit sink.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator runs the decision pipeline for one transaction.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (domain.DecisionResult, error)
}

// Worker processes transactions and audit records asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	evaluator Evaluator
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config selects which consumers run.
type Config struct {
	// Decide consumes kestrel.transaction.ingested and publishes kestrel.decision.
	Decide bool

	// PersistAudits consumes kestrel.decision.audit and stores each record.
	PersistAudits bool
}

// DecisionMessage is published on kestrel.decision for every ingested transaction.
type DecisionMessage struct {
	TransactionID string                 `json:"transaction_id"`
	Decision      *domain.DecisionResult `json:"decision,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// NewWorker creates a new async worker. repo may be nil when audit
// persistence is disabled.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, evaluator Evaluator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		repo:      repo,
		evaluator: evaluator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the configured consumers.
func (w *Worker) Start(cfg Config) error {
	if cfg.Decide {
		if w.evaluator == nil {
			return errors.New("decision worker requires an evaluator")
		}
		if err := w.subscribe(domain.TopicTransactionIngested, w.processTransaction); err != nil {
			return err
		}
	}

	if cfg.PersistAudits {
		if w.repo == nil {
			return errors.New("audit worker requires a repository")
		}
		if err := w.subscribe(domain.TopicDecisionAudit, w.persistAudit); err != nil {
			return err
		}
	}

	w.logger.Info("workers started",
		"decide", cfg.Decide,
		"persist_audits", cfg.PersistAudits,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, func(ctx context.Context, msg *domain.Message) error {
		w.wg.Add(1)
		defer w.wg.Done()
		return handler(ctx, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("worker subscribed", "topic", topic)
	return nil
}

// processTransaction decides one ingested transaction and publishes the result.
// Requests made through EventBus.Request also get the result as a reply.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return w.publishDecision(ctx, msg, DecisionMessage{Error: "malformed transaction payload"})
	}

	tx, err := req.ToTransaction()
	if err != nil {
		w.logger.Warn("rejected ingested transaction",
			"message_id", msg.ID,
			"tx_id", req.ID,
			"error", err,
		)
		return w.publishDecision(ctx, msg, DecisionMessage{TransactionID: req.ID, Error: err.Error()})
	}

	res, err := w.evaluator.Evaluate(ctx, tx)
	if err != nil {
		return w.publishDecision(ctx, msg, DecisionMessage{TransactionID: tx.ID, Error: err.Error()})
	}

	if w.repo != nil {
		if err := w.repo.SaveTransaction(ctx, tx); err != nil {
			w.logger.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	if err := w.publishDecision(ctx, msg, DecisionMessage{TransactionID: tx.ID, Decision: &res}); err != nil {
		return err
	}

	w.logger.Info("transaction processed",
		"tx_id", tx.ID,
		"is_fraud", res.IsFraud,
		"requires_review", res.RequiresReview,
		"escalated", res.Escalated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publishDecision(ctx context.Context, msg *domain.Message, out DecisionMessage) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}

	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		w.logger.Error("failed to publish decision",
			"tx_id", out.TransactionID,
			"error", err,
		)
		return err
	}
	return bus.Reply(ctx, w.bus, msg, payload)
}

// persistAudit stores an audit record published by the bus sink.
func (w *Worker) persistAudit(ctx context.Context, msg *domain.Message) error {
	rec, err := audit.Decode(msg.Payload)
	if err != nil {
		w.logger.Error("failed to decode audit record",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := w.repo.SaveAudit(ctx, rec); err != nil {
		w.logger.Error("failed to persist audit record",
			"audit_id", rec.ID,
			"tx_id", rec.Decision.TransactionID,
			"error", err,
		)
		return err
	}

	w.logger.Debug("audit record persisted",
		"audit_id", rec.ID,
		"tx_id", rec.Decision.TransactionID,
	)
	return nil
}

// Stop unsubscribes all consumers and waits for in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
