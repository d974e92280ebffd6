package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/config"
	"github.com/highscore-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

const testTTL = 30 * time.Second

// countingLookup is an in-memory store that counts how often it was asked
type countingLookup struct {
	mu         sync.Mutex
	games      map[uuid.UUID]*domain.Game
	tables     map[uuid.UUID]*domain.HighscoreTable
	gameCalls  int
	tableCalls int
}

func (l *countingLookup) GameByUUID(_ context.Context, id uuid.UUID) (*domain.Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gameCalls++
	g, ok := l.games[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *g
	return &out, nil
}

func (l *countingLookup) TableByUUID(_ context.Context, gameID int64, id uuid.UUID) (*domain.HighscoreTable, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tableCalls++
	t, ok := l.tables[id]
	if !ok || t.GameID != gameID {
		return nil, domain.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (l *countingLookup) calls() (games, tables int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gameCalls, l.tableCalls
}

type cacheFixture struct {
	mr    *miniredis.Miniredis
	cache *LookupCache
	store *countingLookup
	game  *domain.Game
	table *domain.HighscoreTable
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig().Redis
	cfg.Addr = mr.Addr()
	cfg.CacheTTL = testTTL
	client, err := NewClient(&cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	capped := 10
	game := &domain.Game{ID: 1, DeveloperID: 1, GameUUID: uuid.New(), SecretKey: "k", Name: "g", SecurityLevel: 1}
	table := &domain.HighscoreTable{ID: 7, GameID: game.ID, Name: "main", TableUUID: uuid.New(), MaxEntries: &capped}
	store := &countingLookup{
		games:  map[uuid.UUID]*domain.Game{game.GameUUID: game},
		tables: map[uuid.UUID]*domain.HighscoreTable{table.TableUUID: table},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &cacheFixture{
		mr:    mr,
		cache: NewLookupCache(client, store, &cfg, logger),
		store: store,
		game:  game,
		table: table,
	}
}

func TestGameLookupFillsCache(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx := context.Background()

	for range 3 {
		g, err := f.cache.GameByUUID(ctx, f.game.GameUUID)
		if err != nil {
			t.Fatalf("GameByUUID: %v", err)
		}
		if *g != *f.game {
			t.Fatalf("game = %+v, want %+v", g, f.game)
		}
	}
	if games, _ := f.store.calls(); games != 1 {
		t.Fatalf("store lookups = %d, want 1", games)
	}
	if ttl := f.mr.TTL(gameKey(f.game.GameUUID)); ttl != testTTL {
		t.Fatalf("ttl = %v, want %v", ttl, testTTL)
	}

	// expiry sends the next lookup back to the store
	f.mr.FastForward(testTTL + time.Second)
	if _, err := f.cache.GameByUUID(ctx, f.game.GameUUID); err != nil {
		t.Fatalf("GameByUUID after expiry: %v", err)
	}
	if games, _ := f.store.calls(); games != 2 {
		t.Fatalf("store lookups = %d, want 2", games)
	}
}

func TestNotFoundIsNotCached(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx := context.Background()

	unknown := uuid.New()
	for i := range 2 {
		if _, err := f.cache.GameByUUID(ctx, unknown); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GameByUUID #%d = %v, want %v", i, err, domain.ErrNotFound)
		}
		if _, err := f.cache.TableByUUID(ctx, f.game.ID, unknown); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("TableByUUID #%d = %v, want %v", i, err, domain.ErrNotFound)
		}
	}
	if games, tables := f.store.calls(); games != 2 || tables != 2 {
		t.Fatalf("store lookups = %d games, %d tables, want 2 and 2", games, tables)
	}
	if f.mr.Exists(gameKey(unknown)) || f.mr.Exists(tableKey(unknown)) {
		t.Fatal("not-found lookup was cached")
	}
}

func TestCachedTableKeepsItsOwner(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx := context.Background()

	got, err := f.cache.TableByUUID(ctx, f.game.ID, f.table.TableUUID)
	if err != nil {
		t.Fatalf("TableByUUID: %v", err)
	}
	if got.ID != f.table.ID || got.MaxEntries == nil || *got.MaxEntries != 10 {
		t.Fatalf("table = %+v, want %+v", got, f.table)
	}
	if !f.mr.Exists(tableKey(f.table.TableUUID)) {
		t.Fatal("table was not cached")
	}

	// another game naming the same table is refused from the cached copy
	if _, err := f.cache.TableByUUID(ctx, f.game.ID+1, f.table.TableUUID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("TableByUUID(other game) = %v, want %v", err, domain.ErrNotFound)
	}
	if _, tables := f.store.calls(); tables != 1 {
		t.Fatalf("store lookups = %d, want 1", tables)
	}

	if _, err := f.cache.TableByUUID(ctx, f.game.ID, f.table.TableUUID); err != nil {
		t.Fatalf("TableByUUID(owner) after refusal: %v", err)
	}
}

func TestCorruptEntryFallsThrough(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx := context.Background()

	key := gameKey(f.game.GameUUID)
	f.mr.HSet(key, "id", "not-a-number", "secret", "stale")

	g, err := f.cache.GameByUUID(ctx, f.game.GameUUID)
	if err != nil {
		t.Fatalf("GameByUUID: %v", err)
	}
	if g.SecretKey != "k" {
		t.Fatalf("secret = %q, want the stored one", g.SecretKey)
	}
	if games, _ := f.store.calls(); games != 1 {
		t.Fatalf("store lookups = %d, want 1", games)
	}
	if got := f.mr.HGet(key, "id"); got != "1" {
		t.Fatalf("cached id = %q, want the entry rewritten from the store", got)
	}
}

func TestInvalidationDropsEntries(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx := context.Background()

	if _, err := f.cache.GameByUUID(ctx, f.game.GameUUID); err != nil {
		t.Fatalf("GameByUUID: %v", err)
	}
	if _, err := f.cache.TableByUUID(ctx, f.game.ID, f.table.TableUUID); err != nil {
		t.Fatalf("TableByUUID: %v", err)
	}

	f.cache.handleInvalidation(ctx, "garbage")
	f.cache.handleInvalidation(ctx, "player:"+f.game.GameUUID.String())
	if !f.mr.Exists(gameKey(f.game.GameUUID)) || !f.mr.Exists(tableKey(f.table.TableUUID)) {
		t.Fatal("malformed invalidation dropped an entry")
	}

	f.cache.handleInvalidation(ctx, KindGame+":"+f.game.GameUUID.String())
	if f.mr.Exists(gameKey(f.game.GameUUID)) {
		t.Fatal("game still cached after invalidation")
	}
	if !f.mr.Exists(tableKey(f.table.TableUUID)) {
		t.Fatal("game invalidation dropped the table")
	}

	if err := f.cache.InvalidateTable(ctx, f.table.TableUUID); err != nil {
		t.Fatalf("InvalidateTable: %v", err)
	}
	if f.mr.Exists(tableKey(f.table.TableUUID)) {
		t.Fatal("table still cached after invalidation")
	}
}

func TestListenDropsPublishedEntries(t *testing.T) {
	t.Parallel()
	f := newCacheFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.cache.Listen(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for f.mr.PubSubNumSub(f.cache.channel)[f.cache.channel] != 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.cache.TableByUUID(ctx, f.game.ID, f.table.TableUUID); err != nil {
		t.Fatalf("TableByUUID: %v", err)
	}
	if err := PublishInvalidation(ctx, f.cache.client, f.cache.channel, KindTable, f.table.TableUUID); err != nil {
		t.Fatalf("PublishInvalidation: %v", err)
	}
	for f.mr.Exists(tableKey(f.table.TableUUID)) {
		if time.Now().After(deadline) {
			t.Fatal("table still cached after published invalidation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestUnreachableRedisFallsBackToStore(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	game := &domain.Game{ID: 3, GameUUID: uuid.New(), SecretKey: "k", SecurityLevel: 1}
	store := &countingLookup{games: map[uuid.UUID]*domain.Game{game.GameUUID: game}}
	cfg := config.RedisConfig{CacheTTL: testTTL}
	cache := NewLookupCache(client, store, &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	g, err := cache.GameByUUID(context.Background(), game.GameUUID)
	if err != nil {
		t.Fatalf("GameByUUID = %v, want the store's game", err)
	}
	if g.ID != game.ID {
		t.Fatalf("game = %+v, want %+v", g, game)
	}
}
