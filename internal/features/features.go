// Package features computes the numeric feature snapshot for a transaction
// from the customer's recent history and shared velocity counters.
package features

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// History window used for behavioral baselines.
const historyWindow = 30 * 24 * time.Hour

// Minimum history before amount and behavior baselines are trusted.
const minHistory = 3

var categoryRisk = map[string]float64{
	"gift_cards":     0.8,
	"gift card":      0.8,
	"crypto":         0.85,
	"gambling":       0.75,
	"money_transfer": 0.7,
	"wire_transfer":  0.7,
	"jewelry":        0.5,
	"electronics":    0.4,
	"travel":         0.35,
	"luxury":         0.45,
}

// Countries with elevated card fraud exposure. Reference list only.
var highRiskCountries = map[string]bool{
	"NG": true, "RU": true, "KP": true, "IR": true, "VE": true, "MM": true,
}

// Service computes feature snapshots.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

var _ domain.FeatureProvider = (*Service)(nil)

// NewService creates a new feature service. Either dependency may be nil;
// missing sources yield zero-valued features.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Compute returns the full feature snapshot for tx.
func (s *Service) Compute(ctx context.Context, tx *domain.Transaction) (domain.FeatureSnapshot, error) {
	if tx == nil || tx.CustomerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}

	history, err := s.history(ctx, tx)
	if err != nil {
		return nil, err
	}

	v1h, v24h, err := s.velocity(ctx, tx, history)
	if err != nil {
		return nil, err
	}

	z := amountZScore(tx.Amount, history)

	fs := domain.FeatureSnapshot{
		domain.FeatureMerchantRisk:    merchantRisk(tx.MerchantCategory),
		domain.FeatureBehaviorAnomaly: behaviorAnomaly(tx, history, z),
		domain.FeatureVelocity1h:      float64(v1h),
		domain.FeatureVelocity24h:     float64(v24h),
		domain.FeatureGeoRisk:         geoRisk(tx),
		domain.FeatureAmountZScore:    z,
		domain.FeatureIsOnline:        boolFeature(tx.Online),
		domain.FeatureIsForeign:       boolFeature(isForeign(tx)),
	}
	return fs, nil
}

// history returns the customer's earlier transactions, excluding tx itself.
func (s *Service) history(ctx context.Context, tx *domain.Transaction) ([]*domain.Transaction, error) {
	if s.repo == nil {
		return nil, nil
	}
	since := tx.Timestamp.Add(-historyWindow)
	all, err := s.repo.GetTransactionsByCustomer(ctx, tx.CustomerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get customer history: %w", err)
	}

	out := all[:0]
	for _, h := range all {
		if h.ID != tx.ID && !h.Timestamp.After(tx.Timestamp) {
			out = append(out, h)
		}
	}
	return out, nil
}

// velocity counts the customer's transactions in the last hour and day,
// the current one included. Shared cache counters are used when a cache
// is configured so counts hold across replicas.
func (s *Service) velocity(ctx context.Context, tx *domain.Transaction, history []*domain.Transaction) (int64, int64, error) {
	if s.cache != nil {
		v1h, err := s.cache.IncrementCounter(ctx, "velocity:1h:"+tx.CustomerID, time.Hour)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to increment velocity counter: %w", err)
		}
		v24h, err := s.cache.IncrementCounter(ctx, "velocity:24h:"+tx.CustomerID, 24*time.Hour)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to increment velocity counter: %w", err)
		}
		return v1h, v24h, nil
	}

	v1h, v24h := int64(1), int64(1)
	for _, h := range history {
		age := tx.Timestamp.Sub(h.Timestamp)
		if age <= time.Hour {
			v1h++
		}
		if age <= 24*time.Hour {
			v24h++
		}
	}
	return v1h, v24h, nil
}

func merchantRisk(category string) float64 {
	if r, ok := categoryRisk[strings.ToLower(strings.TrimSpace(category))]; ok {
		return r
	}
	return 0.1
}

func amountZScore(amount float64, history []*domain.Transaction) float64 {
	if len(history) < minHistory {
		return 0
	}
	var sum float64
	for _, h := range history {
		sum += h.Amount
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, h := range history {
		d := h.Amount - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(history)))
	if std == 0 {
		if amount > mean {
			return 3
		}
		return 0
	}
	return (amount - mean) / std
}

func behaviorAnomaly(tx *domain.Transaction, history []*domain.Transaction, z float64) float64 {
	var score float64

	if h := tx.Timestamp.UTC().Hour(); h < 5 {
		score += 0.2
	}
	if z > 2 {
		score += 0.3
	}

	if len(history) >= minHistory {
		seenCategory, seenDevice := false, tx.DeviceID == ""
		for _, h := range history {
			if strings.EqualFold(h.MerchantCategory, tx.MerchantCategory) {
				seenCategory = true
			}
			if tx.DeviceID != "" && h.DeviceID == tx.DeviceID {
				seenDevice = true
			}
		}
		if !seenCategory {
			score += 0.25
		}
		if !seenDevice {
			score += 0.25
		}
	}
	return domain.Clamp01(score)
}

func geoRisk(tx *domain.Transaction) float64 {
	var score float64
	if highRiskCountries[tx.MerchantCountry] {
		score += 0.7
	}
	if isForeign(tx) {
		score += 0.2
	}
	return domain.Clamp01(score)
}

func isForeign(tx *domain.Transaction) bool {
	return tx.CustomerCountry != "" && tx.MerchantCountry != "" && tx.CustomerCountry != tx.MerchantCountry
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
