// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database, applies pending migrations and
// returns the repository.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	ctx := context.Background()

	db, d, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(ctx, db, d.goose); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLRepository{
		db:     db,
		driver: d.name,
		sb:     sq.StatementBuilder.PlaceholderFormat(d.placeholders),
	}, nil
}

var transactionColumns = []string{
	"id", "customer_id", "merchant_id", "merchant_category", "merchant_country",
	"customer_country", "amount", "currency", "online", "device_id", "ip", "geo",
	"occurred_at",
}

// SaveTransaction stores a transaction. Saving the same id twice is a no-op.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" || tx.CustomerID == "" {
		return fmt.Errorf("%w: transaction id and customer id are required", ErrInvalidInput)
	}

	geo := ""
	if tx.Geo != nil {
		b, err := json.Marshal(tx.Geo)
		if err != nil {
			return err
		}
		geo = string(b)
	}

	query, args, err := r.sb.Insert("transactions").
		Columns(append(transactionColumns, "created_at")...).
		Values(
			tx.ID, tx.CustomerID, tx.MerchantID, tx.MerchantCategory, tx.MerchantCountry,
			tx.CustomerCountry, tx.Amount, tx.Currency, boolInt(tx.Online), tx.DeviceID, tx.IP, geo,
			tx.Timestamp.UTC().UnixNano(), time.Now().UTC().UnixNano(),
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query, args, err := r.sb.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"id": txID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// GetTransactionsByCustomer returns the customer's transactions at or after
// since, newest first.
func (r *SQLRepository) GetTransactionsByCustomer(ctx context.Context, customerID string, since time.Time) ([]*domain.Transaction, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerID is required", ErrInvalidInput)
	}

	query, args, err := r.sb.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"customer_id": customerID}).
		Where(sq.GtOrEq{"occurred_at": since.UTC().UnixNano()}).
		OrderBy("occurred_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var online int
	var geo string
	var occurred int64

	if err := s.Scan(
		&tx.ID, &tx.CustomerID, &tx.MerchantID, &tx.MerchantCategory, &tx.MerchantCountry,
		&tx.CustomerCountry, &tx.Amount, &tx.Currency, &online, &tx.DeviceID, &tx.IP, &geo,
		&occurred,
	); err != nil {
		return nil, err
	}

	tx.Online = online == 1
	tx.Timestamp = time.Unix(0, occurred).UTC()
	if geo != "" {
		var p domain.GeoPoint
		if err := json.Unmarshal([]byte(geo), &p); err == nil {
			tx.Geo = &p
		}
	}
	return &tx, nil
}

// SaveAudit stores an audit record. Records are immutable: a second save
// with the same id fails.
func (r *SQLRepository) SaveAudit(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: audit id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query, args, err := r.sb.Insert("audits").
		Columns("id", "tx_id", "record", "created_at").
		Values(rec.ID, rec.Decision.TransactionID, string(body), createdAt.UnixNano()).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// GetAudit retrieves an audit record by its id.
func (r *SQLRepository) GetAudit(ctx context.Context, auditID string) (*domain.AuditRecord, error) {
	return r.getAudit(ctx, sq.Eq{"id": auditID})
}

// GetAuditByTransaction returns the latest audit record for a transaction.
func (r *SQLRepository) GetAuditByTransaction(ctx context.Context, txID string) (*domain.AuditRecord, error) {
	return r.getAudit(ctx, sq.Eq{"tx_id": txID})
}

func (r *SQLRepository) getAudit(ctx context.Context, where sq.Eq) (*domain.AuditRecord, error) {
	query, args, err := r.sb.Select("record").
		From("audits").
		Where(where).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var body string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec domain.AuditRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}
	return &rec, nil
}

// SavePattern inserts or replaces a fraud pattern.
func (r *SQLRepository) SavePattern(ctx context.Context, p *domain.Pattern) error {
	if p == nil || p.ID == "" || p.Text == "" {
		return fmt.Errorf("%w: pattern id and text are required", ErrInvalidInput)
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query, args, err := r.sb.Insert("patterns").
		Columns("id", "fraud_type", "text", "source", "created_at").
		Values(p.ID, p.FraudType, p.Text, p.Source, createdAt.UnixNano()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			fraud_type = excluded.fraud_type,
			text = excluded.text,
			source = excluded.source`).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// ListPatterns returns every stored pattern, oldest first.
func (r *SQLRepository) ListPatterns(ctx context.Context) ([]*domain.Pattern, error) {
	query, args, err := r.sb.Select("id", "fraud_type", "text", "source", "created_at").
		From("patterns").
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.FraudType, &p.Text, &p.Source, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(0, createdAt).UTC()
		patterns = append(patterns, &p)
	}

	return patterns, rows.Err()
}

// SaveFeedback appends analyst feedback for a transaction.
func (r *SQLRepository) SaveFeedback(ctx context.Context, fb *domain.Feedback) error {
	if fb == nil || fb.TransactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query, args, err := r.sb.Insert("feedback").
		Columns("id", "tx_id", "actual_fraud", "analyst_notes", "created_at").
		Values(uuid.NewString(), fb.TransactionID, boolInt(fb.ActualFraud), fb.AnalystNotes, createdAt.UnixNano()).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// SaveRuleConfig stores a rule configuration, replacing any previous one
// with the same id.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	query, args, err := r.sb.Insert("rule_configs").
		Columns("id", "name", "description", "version", "expression", "weight", "enabled", "updated_at").
		Values(rule.ID, rule.Name, rule.Description, rule.Version, rule.Expression,
			rule.Weight, boolInt(rule.Enabled), time.Now().UTC().UnixNano()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

var ruleColumns = []string{"id", "name", "description", "version", "expression", "weight", "enabled"}

// GetRuleConfig retrieves a rule configuration by id, enabled or not.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query, args, err := r.sb.Select(ruleColumns...).
		From("rule_configs").
		Where(sq.Eq{"id": ruleID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	cfg, err := scanRule(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs returns all rule configurations ordered by id, including
// disabled ones so a reload can unload them.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query, args, err := r.sb.Select(ruleColumns...).
		From("rule_configs").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var enabled int
	if err := s.Scan(&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Version, &cfg.Expression, &cfg.Weight, &enabled); err != nil {
		return nil, err
	}
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
