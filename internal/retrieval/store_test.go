package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "retrieval.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestTokenize(t *testing.T) {
	got := tokenize("The high-value ONLINE purchase, at 3am: électronique!")
	assert.Equal(t, []string{"high", "value", "online", "purchase", "3am", "électronique"}, got)
}

func TestSearchSeedsEmptyRepository(t *testing.T) {
	repo := newRepo(t)
	store := NewStore(repo, nil, nil)
	ctx := context.Background()

	hits, err := store.Search(ctx, "many small online purchases testing stolen card numbers", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "seed-card-testing", hits[0].ID)
	assert.LessOrEqual(t, len(hits), 3)

	stored, err := repo.ListPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, len(seedPatterns))
	assert.Equal(t, SourceSeed, stored[0].Source)
}

func TestSearchLoadsExistingCorpus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SavePattern(ctx, &domain.Pattern{ID: "p-1", FraudType: "refund_abuse", Text: "serial refund requests after delivery"}))

	store := NewStore(repo, nil, nil)
	require.NoError(t, store.Load(ctx))
	assert.Equal(t, 1, store.Len())

	hits, err := store.Search(ctx, "refund requests", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p-1", hits[0].ID)
}

func TestSearchEdgeCases(t *testing.T) {
	store := NewStore(nil, nil, nil)
	ctx := context.Background()

	t.Run("zero k", func(t *testing.T) {
		hits, err := store.Search(ctx, "card testing", 0)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("no overlap", func(t *testing.T) {
		hits, err := store.Search(ctx, "zzzz qqqq", 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("ordering is stable", func(t *testing.T) {
		a, err := store.Search(ctx, "foreign high value online purchase new device", 5)
		require.NoError(t, err)
		b, err := store.Search(ctx, "foreign high value online purchase new device", 5)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestAddInvalidatesCachedResults(t *testing.T) {
	lru := cache.NewLRUCache(100)
	store := NewStore(nil, lru, nil)
	ctx := context.Background()

	query := "chargeback after loyalty points redemption"
	before, err := store.Search(ctx, query, 5)
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, &domain.Pattern{
		FraudType: "loyalty_fraud",
		Text:      "Loyalty points redemption followed by chargeback",
	}))

	after, err := store.Search(ctx, query, 5)
	require.NoError(t, err)
	require.NotEmpty(t, after)
	assert.Equal(t, "loyalty_fraud", after[0].FraudType)
	assert.Equal(t, SourceFeedback, after[0].Source)
	assert.NotEqual(t, before, after)
}

func TestAddPersistsAndReplaces(t *testing.T) {
	repo := newRepo(t)
	store := NewStore(repo, nil, nil)
	ctx := context.Background()

	p := &domain.Pattern{ID: "fb-1", FraudType: "friendly_fraud", Text: "customer disputes a delivered order"}
	require.NoError(t, store.Add(ctx, p))
	n := store.Len()

	p.Text = "customer disputes a delivered order twice"
	require.NoError(t, store.Add(ctx, p))
	assert.Equal(t, n, store.Len())

	reopened := NewStore(repo, nil, nil)
	require.NoError(t, reopened.Load(ctx))
	assert.Equal(t, n, reopened.Len())
}

func TestAddRejectsEmptyText(t *testing.T) {
	store := NewStore(nil, nil, nil)
	assert.Error(t, store.Add(context.Background(), &domain.Pattern{}))
}

type failingRepo struct {
	domain.Repository
}

func (failingRepo) ListPatterns(context.Context) ([]*domain.Pattern, error) {
	return nil, errors.New("db down")
}

func TestSearchSurfacesLoadError(t *testing.T) {
	store := NewStore(failingRepo{}, nil, nil)
	_, err := store.Search(context.Background(), "anything", 3)
	assert.Error(t, err)
}
