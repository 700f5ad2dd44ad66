// Package audit delivers decision audit records to their configured sink.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink is an AuditSink that owns resources.
type Sink interface {
	domain.AuditSink
	Close() error
}

// New builds the sink named by cfg.Sink. The bus and repository are only
// required by the sinks that use them.
func New(cfg domain.AuditConfig, repo domain.Repository, bus domain.EventBus) (Sink, error) {
	switch cfg.Sink {
	case "bus":
		if bus == nil {
			return nil, fmt.Errorf("audit sink %q requires an event bus", cfg.Sink)
		}
		return NewBusSink(bus, domain.TopicDecisionAudit), nil

	case "kafka":
		return NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)

	case "repository":
		if repo == nil {
			return nil, fmt.Errorf("audit sink %q requires a repository", cfg.Sink)
		}
		return NewRepositorySink(repo), nil

	case "none", "":
		return NopSink{}, nil

	default:
		return nil, fmt.Errorf("unsupported audit sink: %s", cfg.Sink)
	}
}

// Decode parses an audit record published by the bus or kafka sinks.
func Decode(data []byte) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("audit record has no id")
	}
	return &rec, nil
}

// BusSink publishes audit records as JSON on an event bus topic.
type BusSink struct {
	bus   domain.EventBus
	topic string
}

// NewBusSink creates a bus sink.
func NewBusSink(bus domain.EventBus, topic string) *BusSink {
	return &BusSink{bus: bus, topic: topic}
}

// Record publishes rec.
func (s *BusSink) Record(ctx context.Context, rec *domain.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	return s.bus.Publish(ctx, s.topic, data)
}

// Close is a no-op; the bus is owned by the caller.
func (s *BusSink) Close() error { return nil }

// RepositorySink writes audit records straight to the repository.
type RepositorySink struct {
	repo domain.Repository
}

// NewRepositorySink creates a repository sink.
func NewRepositorySink(repo domain.Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Record stores rec.
func (s *RepositorySink) Record(ctx context.Context, rec *domain.AuditRecord) error {
	return s.repo.SaveAudit(ctx, rec)
}

// Close is a no-op; the repository is owned by the caller.
func (s *RepositorySink) Close() error { return nil }

// NopSink discards audit records.
type NopSink struct{}

func (NopSink) Record(context.Context, *domain.AuditRecord) error { return nil }
func (NopSink) Close() error                                      { return nil }
