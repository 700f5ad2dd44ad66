// Package screening provides the CEL-Go based screening model: a weighted
// ensemble of rule expressions over the feature snapshot.
package screening

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based screening model.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

var _ domain.ScreeningModel = (*Engine)(nil)

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// featureVariables are exposed to expressions as top-level doubles.
var featureVariables = []string{
	domain.FeatureMerchantRisk,
	domain.FeatureBehaviorAnomaly,
	domain.FeatureVelocity1h,
	domain.FeatureVelocity24h,
	domain.FeatureGeoRisk,
	domain.FeatureAmountZScore,
	domain.FeatureIsOnline,
	domain.FeatureIsForeign,
}

// NewEngine creates a new screening engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	opts := []cel.EnvOption{
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("merchant_country", cel.StringType),
		cel.Variable("customer_country", cel.StringType),
		cel.Variable("online", cel.BoolType),
	}
	for _, name := range featureVariables {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	if cfg.Enabled {
		e.compiledRules[cfg.ID] = compiled
	} else {
		delete(e.compiledRules, cfg.ID)
	}
	return nil
}

// ReloadRules replaces all loaded rules. On error the previous set stays.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// Score evaluates every loaded rule and combines them. The fraud
// probability is the weighted mean of rule scores; confidence is the
// weighted mean distance of each score from 0.5, scaled to [0,1]. With
// no usable rule the result is (0.5, 0).
func (e *Engine) Score(ctx context.Context, features domain.FeatureSnapshot, tx *domain.Transaction) (domain.ScreeningResult, error) {
	results := e.EvaluateAll(ctx, features, tx)

	var sum, conf, totalWeight float64
	for _, r := range results {
		if r.Error != "" {
			continue
		}
		w := r.Weight
		if w <= 0 {
			w = 1.0
		}
		sum += r.Score * w
		conf += math.Abs(2*r.Score-1) * w
		totalWeight += w
	}

	out := domain.ScreeningResult{FraudProbability: 0.5, RuleResults: results}
	if totalWeight > 0 {
		out.FraudProbability = domain.Clamp01(sum / totalWeight)
		out.Confidence = domain.Clamp01(conf / totalWeight)
	}
	return out, nil
}

// EvaluateAll evaluates all loaded rules in parallel, ordered by rule id.
func (e *Engine) EvaluateAll(ctx context.Context, features domain.FeatureSnapshot, tx *domain.Transaction) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := buildActivation(features, tx)

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()
	return results
}

func buildActivation(features domain.FeatureSnapshot, tx *domain.Transaction) map[string]any {
	fm := make(map[string]float64, len(features))
	for k, v := range features {
		fm[k] = v
	}

	activation := map[string]any{
		"features":          fm,
		"amount":            0.0,
		"currency":          "",
		"merchant_category": "",
		"merchant_country":  "",
		"customer_country":  "",
		"online":            false,
	}
	for _, name := range featureVariables {
		activation[name] = features.Get(name)
	}
	if tx != nil {
		activation["amount"] = tx.Amount
		activation["currency"] = tx.Currency
		activation["merchant_category"] = tx.MerchantCategory
		activation["merchant_country"] = tx.MerchantCountry
		activation["customer_country"] = tx.CustomerCountry
		activation["online"] = tx.Online
	}
	return activation
}

// evaluateRule evaluates a single rule and returns the result.
func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		Weight: rule.Config.Weight,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Score = domain.Clamp01(toScore(out))
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations, ordered by id.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
