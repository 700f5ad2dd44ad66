package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func sampleRecord() *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:          "audit-1",
		Transaction: domain.Transaction{ID: "tx-1", Amount: 1200, Currency: "USD"},
		Features:    domain.FeatureSnapshot{domain.FeatureMerchantRisk: 0.4},
		Screening:   domain.ScreeningResult{FraudProbability: 0.6, Confidence: 0.3},
		Decision: domain.DecisionResult{
			TransactionID:   "tx-1",
			IsFraud:         true,
			ConfidenceScore: 0.8,
			Escalated:       true,
			Provider:        domain.ProviderEnhancedMock,
		},
		Analysis:  &domain.AnalysisResult{Reasoning: "matches card testing", Provider: domain.ProviderEnhancedMock},
		CreatedAt: time.Now().UTC(),
	}
}

func TestBusSink(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	got := make(chan *domain.AuditRecord, 1)
	_, err := b.Subscribe(ctx, domain.TopicDecisionAudit, func(ctx context.Context, msg *domain.Message) error {
		rec, err := Decode(msg.Payload)
		if err != nil {
			return err
		}
		got <- rec
		return nil
	})
	require.NoError(t, err)

	sink := NewBusSink(b, domain.TopicDecisionAudit)
	require.NoError(t, sink.Record(ctx, sampleRecord()))

	select {
	case rec := <-got:
		assert.Equal(t, "audit-1", rec.ID)
		assert.True(t, rec.Decision.IsFraud)
		require.NotNil(t, rec.Analysis)
		assert.Equal(t, domain.ProviderEnhancedMock, rec.Analysis.Provider)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for audit record")
	}
}

func TestRepositorySink(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	sink := NewRepositorySink(repo)
	require.NoError(t, sink.Record(ctx, sampleRecord()))

	stored, err := repo.GetAuditByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "audit-1", stored.ID)
	assert.InDelta(t, 0.4, stored.Features.Get(domain.FeatureMerchantRisk), 1e-9)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "audits"}

	require.NoError(t, sink.Record(context.Background(), sampleRecord()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "audits", msg.Topic)
	assert.Equal(t, "tx-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "audit-1", string(msg.Headers[0].Value))

	rec, err := Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, "audit-1", rec.ID)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNew(t *testing.T) {
	b := bus.NewChannelBus(1)
	defer b.Close()

	tests := []struct {
		name    string
		cfg     domain.AuditConfig
		bus     domain.EventBus
		want    any
		wantErr bool
	}{
		{name: "bus", cfg: domain.AuditConfig{Sink: "bus"}, bus: b, want: &BusSink{}},
		{name: "bus without bus", cfg: domain.AuditConfig{Sink: "bus"}, wantErr: true},
		{name: "kafka", cfg: domain.AuditConfig{Sink: "kafka", KafkaBrokers: []string{"localhost:9092"}}, want: &KafkaSink{}},
		{name: "kafka without brokers", cfg: domain.AuditConfig{Sink: "kafka"}, wantErr: true},
		{name: "repository without repository", cfg: domain.AuditConfig{Sink: "repository"}, wantErr: true},
		{name: "none", cfg: domain.AuditConfig{Sink: "none"}, want: NopSink{}},
		{name: "unknown", cfg: domain.AuditConfig{Sink: "s3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := New(tt.cfg, nil, tt.bus)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer sink.Close()
			assert.IsType(t, tt.want, sink)
		})
	}
}

func TestKafkaSinkDefaultsTopic(t *testing.T) {
	sink, err := NewKafkaSink([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, domain.TopicDecisionAudit, sink.topic)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"decision":{}}`))
	assert.Error(t, err)
}
