// Package retrieval serves historical fraud patterns similar to a
// transaction description. Similarity is lexical TF-IDF cosine over the
// pattern corpus kept in the repository.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultCacheTTL bounds how long a cached result set is served.
const DefaultCacheTTL = 5 * time.Minute

// Store implements domain.RetrievalStore.
type Store struct {
	repo   domain.Repository
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	ix       *index
	patterns []domain.Pattern
	loaded   bool

	// Bumped on every corpus change. Keys also carry the instance id since
	// other replicas keep their own corpus snapshot.
	instance   string
	generation atomic.Uint64
}

var _ domain.RetrievalStore = (*Store)(nil)

// NewStore creates a store. repo and cache may be nil: without a repository
// the corpus lives in memory only, without a cache nothing is memoized.
func NewStore(repo domain.Repository, cache domain.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		cache:    cache,
		ttl:      DefaultCacheTTL,
		logger:   logger,
		ix:       buildIndex(nil),
		instance: uuid.NewString()[:8],
	}
}

// Load reads the corpus from the repository, seeding the built-in
// typologies when it is empty.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) error {
	var patterns []domain.Pattern

	if s.repo != nil {
		stored, err := s.repo.ListPatterns(ctx)
		if err != nil {
			return fmt.Errorf("failed to list patterns: %w", err)
		}
		for _, p := range stored {
			patterns = append(patterns, *p)
		}
	}

	if len(patterns) == 0 {
		now := time.Now().UTC()
		for _, seed := range seedPatterns {
			p := seed
			p.Source = SourceSeed
			p.CreatedAt = now
			if s.repo != nil {
				if err := s.repo.SavePattern(ctx, &p); err != nil {
					return fmt.Errorf("failed to seed pattern %s: %w", p.ID, err)
				}
			}
			patterns = append(patterns, p)
		}
		s.logger.Info("retrieval corpus seeded", "patterns", len(patterns))
	}

	s.patterns = patterns
	s.ix = buildIndex(patterns)
	s.loaded = true
	s.generation.Add(1)
	return nil
}

// Search returns up to k patterns similar to query, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]domain.Pattern, error) {
	if k <= 0 {
		return nil, nil
	}

	ix, gen, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	key := cacheKey(s.instance, gen, query, k)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var cached []domain.Pattern
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	hits := ix.search(query, k)
	out := make([]domain.Pattern, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.pattern)
	}

	if s.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				s.logger.Warn("retrieval cache write failed", "error", err)
			}
		}
	}
	return out, nil
}

// Add stores a new pattern and makes it searchable immediately.
func (s *Store) Add(ctx context.Context, p *domain.Pattern) error {
	if p == nil || p.Text == "" {
		return fmt.Errorf("pattern text is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Source == "" {
		p.Source = SourceFeedback
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}

	if s.repo != nil {
		if err := s.repo.SavePattern(ctx, p); err != nil {
			return fmt.Errorf("failed to save pattern: %w", err)
		}
	}

	replaced := false
	for i := range s.patterns {
		if s.patterns[i].ID == p.ID {
			s.patterns[i] = *p
			replaced = true
		}
	}
	if !replaced {
		s.patterns = append(s.patterns, *p)
	}
	s.ix = buildIndex(s.patterns)
	s.generation.Add(1)
	return nil
}

// Len returns the corpus size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// current returns the index together with the generation it belongs to.
func (s *Store) current(ctx context.Context) (*index, uint64, error) {
	s.mu.RLock()
	if s.loaded {
		ix, gen := s.ix, s.generation.Load()
		s.mu.RUnlock()
		return ix, gen, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.loadLocked(ctx); err != nil {
			return nil, 0, err
		}
	}
	return s.ix, s.generation.Load(), nil
}

func cacheKey(instance string, gen uint64, query string, k int) string {
	sum := sha256.Sum256([]byte(query))
	return "retrieval:" + instance + ":" + strconv.FormatUint(gen, 10) + ":" +
		strconv.Itoa(k) + ":" + hex.EncodeToString(sum[:16])
}
