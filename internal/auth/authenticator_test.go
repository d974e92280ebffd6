package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/envelope"
	"github.com/highscore-gateway/internal/replay"
	"github.com/highscore-gateway/internal/signing"
)

type mockclock struct {
	now time.Time
}

func (m *mockclock) Now() time.Time {
	return m.now
}

var nowish = time.Date(2024, 3, 29, 22, 53, 12, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	games    map[uuid.UUID]*domain.Game
	tables   map[uuid.UUID]*domain.HighscoreTable
	requests map[string]bool
	failGame bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		games:    make(map[uuid.UUID]*domain.Game),
		tables:   make(map[uuid.UUID]*domain.HighscoreTable),
		requests: make(map[string]bool),
	}
}

func (f *fakeStore) GameByUUID(_ context.Context, id uuid.UUID) (*domain.Game, error) {
	if f.failGame {
		return nil, errors.New("connection reset")
	}
	g, ok := f.games[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) TableByUUID(_ context.Context, gameID int64, id uuid.UUID) (*domain.HighscoreTable, error) {
	t, ok := f.tables[id]
	if !ok || t.GameID != gameID {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) RecordRequest(_ context.Context, gameID int64, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", gameID, id)
	if f.requests[key] {
		return domain.ErrReplayDetected
	}
	f.requests[key] = true
	return nil
}

type fixture struct {
	auth   *Authenticator
	store  *fakeStore
	strict *domain.Game
	legacy *domain.Game
	table  *domain.HighscoreTable
	other  *domain.HighscoreTable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newFakeStore()
	strict := &domain.Game{ID: 1, GameUUID: uuid.New(), SecretKey: "strict-secret", SecurityLevel: 1}
	legacy := &domain.Game{ID: 2, GameUUID: uuid.New(), SecretKey: "legacy-secret", SecurityLevel: 0}
	table := &domain.HighscoreTable{ID: 10, GameID: strict.ID, Name: "main", TableUUID: uuid.New()}
	other := &domain.HighscoreTable{ID: 20, GameID: legacy.ID, Name: "main", TableUUID: uuid.New()}
	store.games[strict.GameUUID] = strict
	store.games[legacy.GameUUID] = legacy
	store.tables[table.TableUUID] = table
	store.tables[other.TableUUID] = other

	guard := replay.NewGuard(store, time.Minute).WithClock(&mockclock{now: nowish})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		auth:   New(store, guard, logger),
		store:  store,
		strict: strict,
		legacy: legacy,
		table:  table,
		other:  other,
	}
}

func header(g *domain.Game, algo string) envelope.Header {
	return envelope.Header{
		GameUUID:         g.GameUUID,
		RequestUUID:      uuid.New(),
		RequestTimestamp: nowish.Unix(),
		Algorithm:        algo,
	}
}

func seal(t *testing.T, h envelope.Header, fields any, secret string) string {
	t.Helper()
	body, err := signing.Seal(h, fields, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return body
}

func TestAuthenticateSubmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := header(f.strict, "sha256")
	body := seal(t, h, &envelope.ScoreSubmission{
		TableUUID:   f.table.TableUUID,
		PlayerName:  "ada",
		PlayerScore: envelope.Score(42),
	}, f.strict.SecretKey)

	var sub envelope.ScoreSubmission
	req, err := f.auth.Authenticate(context.Background(), body, &sub)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if req.Game != f.strict || req.Table != f.table {
		t.Fatalf("resolved game=%v table=%v", req.Game, req.Table)
	}
	if req.Header != h {
		t.Fatalf("header = %+v, want %+v", req.Header, h)
	}
	if sub.PlayerName != "ada" || *sub.PlayerScore != 42 {
		t.Fatalf("fields = %+v", sub)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body func(t *testing.T, f *fixture) string
		want error
	}{
		{
			name: "no separator",
			body: func(*testing.T, *fixture) string { return "bm9wZQ" },
			want: domain.ErrMalformedPayload,
		},
		{
			name: "garbage payload",
			body: func(*testing.T, *fixture) string { return "!!!.abc" },
			want: domain.ErrMalformedPayload,
		},
		{
			name: "missing table",
			body: func(t *testing.T, f *fixture) string {
				return seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{}, f.strict.SecretKey)
			},
			want: domain.ErrMalformedPayload,
		},
		{
			name: "unknown game",
			body: func(t *testing.T, f *fixture) string {
				g := &domain.Game{GameUUID: uuid.New()}
				return seal(t, header(g, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, "x")
			},
			want: domain.ErrUnknownGame,
		},
		{
			name: "legacy algorithm at level one",
			body: func(t *testing.T, f *fixture) string {
				return seal(t, header(f.strict, "sha1"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)
			},
			want: domain.ErrAlgorithmNotAllowed,
		},
		{
			name: "unknown algorithm",
			body: func(t *testing.T, f *fixture) string {
				h := header(f.strict, "sha256")
				payload, _ := envelope.Encode(envelope.Header{GameUUID: h.GameUUID, RequestUUID: h.RequestUUID, RequestTimestamp: h.RequestTimestamp, Algorithm: "md5"}, &envelope.ScoresQuery{TableUUID: f.table.TableUUID})
				return envelope.Join(payload, "c2ln")
			},
			want: domain.ErrAlgorithmNotAllowed,
		},
		{
			name: "wrong secret",
			body: func(t *testing.T, f *fixture) string {
				return seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, "not-the-secret")
			},
			want: domain.ErrInvalidSignature,
		},
		{
			name: "stale",
			body: func(t *testing.T, f *fixture) string {
				h := header(f.strict, "sha256")
				h.RequestTimestamp -= 61
				return seal(t, h, &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)
			},
			want: domain.ErrStaleRequest,
		},
		{
			name: "from the future",
			body: func(t *testing.T, f *fixture) string {
				h := header(f.strict, "sha256")
				h.RequestTimestamp += 3600
				return seal(t, h, &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)
			},
			want: domain.ErrStaleRequest,
		},
		{
			name: "unknown table",
			body: func(t *testing.T, f *fixture) string {
				return seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: uuid.New()}, f.strict.SecretKey)
			},
			want: domain.ErrUnknownTable,
		},
		{
			name: "table of another game",
			body: func(t *testing.T, f *fixture) string {
				return seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.other.TableUUID}, f.strict.SecretKey)
			},
			want: domain.ErrUnknownTable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.auth.Authenticate(context.Background(), tt.body(t, f), &envelope.ScoresQuery{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Authenticate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLegacyLevelAcceptsBothAlgorithms(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, algo := range []string{"sha1", "sha256"} {
		body := seal(t, header(f.legacy, algo), &envelope.ScoresQuery{TableUUID: f.other.TableUUID}, f.legacy.SecretKey)
		if _, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{}); err != nil {
			t.Fatalf("Authenticate(%s) = %v, want nil", algo, err)
		}
	}
}

func TestSignatureFlipsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)
	payload, sig, err := envelope.Split(body)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	for i := range sig {
		b := []byte(sig)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		_, err := f.auth.Authenticate(context.Background(), envelope.Join(payload, string(b)), &envelope.ScoresQuery{})
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Fatalf("flip at %d: Authenticate = %v, want %v", i, err, domain.ErrInvalidSignature)
		}
	}

	if _, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{}); err != nil {
		t.Fatalf("original body after rejected forgeries = %v, want nil", err)
	}
}

func TestReplayedBodyRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)

	if _, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{}); err != nil {
		t.Fatalf("first Authenticate = %v, want nil", err)
	}
	if _, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{}); !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("second Authenticate = %v, want %v", err, domain.ErrReplayDetected)
	}
}

func TestConcurrentReplayOneWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, domain.ErrReplayDetected) {
			t.Fatalf("Authenticate = %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successes = %d, want 1", ok)
	}
}

func TestLookupFailureIsStoreFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.failGame = true
	body := seal(t, header(f.strict, "sha256"), &envelope.ScoresQuery{TableUUID: f.table.TableUUID}, f.strict.SecretKey)

	_, err := f.auth.Authenticate(context.Background(), body, &envelope.ScoresQuery{})
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("Authenticate = %v, want %v", err, domain.ErrStoreFailure)
	}
	if domain.IsForbidden(err) {
		t.Fatalf("store failure classified as forbidden")
	}
}
