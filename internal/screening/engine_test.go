package screening

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-001",
		Amount:           250,
		Currency:         "USD",
		Timestamp:        time.Now().UTC(),
		MerchantID:       "m-001",
		MerchantCategory: "grocery",
		MerchantCountry:  "US",
		CustomerID:       "c-001",
		CustomerCountry:  "US",
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	t.Run("Valid", func(t *testing.T) {
		err := engine.LoadRule(&domain.RuleConfig{
			ID: "high-amount", Expression: "amount > 100.0", Weight: 1.0, Enabled: true,
		})
		if err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		err := engine.LoadRule(&domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true})
		if err == nil {
			t.Error("expected error for invalid CEL expression")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		err := engine.ValidateRule(&domain.RuleConfig{ID: "str", Expression: "currency", Enabled: true})
		if err == nil {
			t.Error("expected error for string-valued expression")
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		err := engine.ValidateRule(&domain.RuleConfig{ID: "unknown", Expression: "debtor_balance > 1.0"})
		if err == nil {
			t.Error("expected error for unknown variable")
		}
	})

	t.Run("DisabledRuleUnloads", func(t *testing.T) {
		err := engine.LoadRule(&domain.RuleConfig{ID: "high-amount", Expression: "amount > 100.0", Enabled: false})
		if err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.RulesCount() != 0 {
			t.Errorf("expected disabled rule to be unloaded, got %d rules", engine.RulesCount())
		}
	})
}

func TestScore(t *testing.T) {
	ctx := context.Background()

	t.Run("NoRules", func(t *testing.T) {
		engine, _ := NewEngine(5)
		res, err := engine.Score(ctx, domain.FeatureSnapshot{}, testTx())
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if res.FraudProbability != 0.5 || res.Confidence != 0 {
			t.Errorf("expected (0.5, 0), got (%.2f, %.2f)", res.FraudProbability, res.Confidence)
		}
	})

	t.Run("CleanTransactionIsConfident", func(t *testing.T) {
		engine, _ := NewEngine(5)
		if err := engine.ReloadRules(DefaultRules()); err != nil {
			t.Fatalf("reload failed: %v", err)
		}

		res, _ := engine.Score(ctx, domain.FeatureSnapshot{
			domain.FeatureMerchantRisk: 0.1,
			domain.FeatureVelocity1h:   1,
		}, testTx())

		if res.FraudProbability != 0 {
			t.Errorf("expected probability 0, got %.3f", res.FraudProbability)
		}
		if res.Confidence != 1 {
			t.Errorf("expected confidence 1, got %.3f", res.Confidence)
		}
		if len(res.RuleResults) != len(DefaultRules()) {
			t.Errorf("expected %d rule results, got %d", len(DefaultRules()), len(res.RuleResults))
		}
	})

	t.Run("WeightedEnsemble", func(t *testing.T) {
		engine, _ := NewEngine(5)
		_ = engine.ReloadRules([]*domain.RuleConfig{
			{ID: "a", Expression: "1.0", Weight: 3, Enabled: true},
			{ID: "b", Expression: "0.5", Weight: 1, Enabled: true},
		})

		res, _ := engine.Score(ctx, nil, testTx())

		// (1.0*3 + 0.5*1) / 4
		if math.Abs(res.FraudProbability-0.875) > 1e-9 {
			t.Errorf("expected 0.875, got %.4f", res.FraudProbability)
		}
		// (|1|*3 + |0|*1) / 4
		if math.Abs(res.Confidence-0.75) > 1e-9 {
			t.Errorf("expected confidence 0.75, got %.4f", res.Confidence)
		}
	})

	t.Run("ScoresClamped", func(t *testing.T) {
		engine, _ := NewEngine(5)
		_ = engine.ReloadRules([]*domain.RuleConfig{
			{ID: "big", Expression: "amount", Weight: 1, Enabled: true},
		})

		res, _ := engine.Score(ctx, nil, testTx())

		if res.FraudProbability != 1 {
			t.Errorf("expected clamped probability 1, got %.2f", res.FraudProbability)
		}
	})

	t.Run("FeatureMapAccess", func(t *testing.T) {
		engine, _ := NewEngine(5)
		_ = engine.ReloadRules([]*domain.RuleConfig{
			{ID: "map", Expression: `"custom" in features && features["custom"] > 0.5`, Weight: 1, Enabled: true},
			{ID: "tx", Expression: `online && merchant_category == "grocery"`, Weight: 1, Enabled: true},
		})

		tx := testTx()
		tx.Online = true
		res, _ := engine.Score(ctx, domain.FeatureSnapshot{"custom": 0.9}, tx)

		if res.FraudProbability != 1 {
			t.Errorf("expected 1, got %.2f", res.FraudProbability)
		}
		if res.RuleResults[0].RuleID != "map" || res.RuleResults[1].RuleID != "tx" {
			t.Errorf("expected results ordered by rule id, got %+v", res.RuleResults)
		}
	})

	t.Run("EvaluationErrorsExcluded", func(t *testing.T) {
		engine, _ := NewEngine(5)
		_ = engine.ReloadRules([]*domain.RuleConfig{
			{ID: "missing-key", Expression: `features["absent"] > 0.5`, Weight: 1, Enabled: true},
			{ID: "ok", Expression: "0.0", Weight: 1, Enabled: true},
		})

		res, _ := engine.Score(ctx, domain.FeatureSnapshot{}, testTx())

		if res.RuleResults[0].Error == "" {
			t.Error("expected evaluation error for missing map key")
		}
		if res.FraudProbability != 0 || res.Confidence != 1 {
			t.Errorf("expected only the valid rule to count, got (%.2f, %.2f)", res.FraudProbability, res.Confidence)
		}
	})

	t.Run("HighRiskFeatures", func(t *testing.T) {
		engine, _ := NewEngine(5)
		_ = engine.ReloadRules(DefaultRules())

		res, _ := engine.Score(ctx, domain.FeatureSnapshot{
			domain.FeatureMerchantRisk:    0.9,
			domain.FeatureBehaviorAnomaly: 0.8,
			domain.FeatureVelocity1h:      12,
			domain.FeatureAmountZScore:    4,
			domain.FeatureGeoRisk:         0.7,
			domain.FeatureIsForeign:       1,
			domain.FeatureIsOnline:        1,
		}, testTx())

		if res.FraudProbability < 0.7 {
			t.Errorf("expected high probability, got %.3f", res.FraudProbability)
		}
	})
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	_ = engine.ReloadRules(DefaultRules())

	t.Run("InvalidKeepsPrevious", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "((", Enabled: true}})
		if err == nil {
			t.Fatal("expected reload error")
		}
		if engine.RulesCount() != len(DefaultRules()) {
			t.Errorf("expected previous rules to stay, got %d", engine.RulesCount())
		}
	})

	t.Run("SkipsDisabled", func(t *testing.T) {
		rules := DefaultRules()
		rules[0].Enabled = false
		if err := engine.ReloadRules(rules); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if engine.RulesCount() != len(rules)-1 {
			t.Errorf("expected %d rules, got %d", len(rules)-1, engine.RulesCount())
		}
		loaded := engine.GetLoadedRules()
		for i := 1; i < len(loaded); i++ {
			if loaded[i-1].ID > loaded[i].ID {
				t.Errorf("loaded rules not ordered: %s before %s", loaded[i-1].ID, loaded[i].ID)
			}
		}
	})
}

func TestConcurrentScoreAndReload(t *testing.T) {
	engine, _ := NewEngine(4)
	_ = engine.ReloadRules(DefaultRules())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := engine.Score(ctx, domain.FeatureSnapshot{domain.FeatureVelocity1h: 7}, testTx()); err != nil {
				t.Errorf("score failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = engine.ReloadRules(DefaultRules())
		}()
	}
	wg.Wait()
}
