// Package sqlite provides an embedded SQLite highscore store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Options tunes the store
type Options struct {
	// MaxRetries bounds how often a submission is retried after the
	// database reported itself busy. Zero disables retries.
	MaxRetries int
	RetryDelay time.Duration
	// Now stamps new entries and defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store persists highscore state in SQLite
type Store struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies the embedded migrations. Every
// transaction begins IMMEDIATE so writers to the same database serialize on
// the write lock instead of upgrading from a shared one.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		db:         db,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		logger:     opts.Logger,
	}, nil
}

// Close closes the SQLite handle
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GameByUUID returns the game with the given public identifier
func (s *Store) GameByUUID(ctx context.Context, gameUUID uuid.UUID) (*domain.Game, error) {
	var g domain.Game
	err := s.db.QueryRowContext(ctx, `
		SELECT id, developer_id, game_uuid, game_secret_key, game_name, security_level
		FROM games WHERE game_uuid = ?`, gameUUID.String(),
	).Scan(&g.ID, &g.DeveloperID, &g.GameUUID, &g.SecretKey, &g.Name, &g.SecurityLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting game: %w", err)
	}
	return &g, nil
}

// TableByUUID returns the table with the given public identifier if it
// belongs to gameID.
func (s *Store) TableByUUID(ctx context.Context, gameID int64, tableUUID uuid.UUID) (*domain.HighscoreTable, error) {
	var (
		t          domain.HighscoreTable
		maxEntries sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, game_id, table_name, table_uuid, maximum_scores_retained
		FROM highscore_tables WHERE table_uuid = ? AND game_id = ?`, tableUUID.String(), gameID,
	).Scan(&t.ID, &t.GameID, &t.Name, &t.TableUUID, &maxEntries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting table: %w", err)
	}
	if maxEntries.Valid {
		n := int(maxEntries.Int64)
		t.MaxEntries = &n
	}
	return &t, nil
}

// RecordRequest marks requestUUID as consumed for gameID
func (s *Store) RecordRequest(ctx context.Context, gameID int64, requestUUID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO historical_requests (game_id, request_uuid, timestamp) VALUES (?, ?, ?)`,
		gameID, requestUUID.String(), toMillis(at),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReplayDetected
		}
		return fmt.Errorf("recording request: %w", err)
	}
	return nil
}

// PurgeRequests deletes replay records consumed before the cutoff
func (s *Store) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM historical_requests WHERE timestamp < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purging requests: %w", err)
	}
	return res.RowsAffected()
}

// QueryScores returns the table's entries in rank order. A non-positive
// limit returns every entry.
func (s *Store) QueryScores(ctx context.Context, tableID int64, limit int) ([]domain.HighscoreEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning read: %w", domain.ErrStoreFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, highscore_table_id, player_name, player_score, player_score_metadata, creation_timestamp
		FROM highscore_entries
		WHERE highscore_table_id = ?
		ORDER BY player_score DESC, creation_timestamp ASC, id ASC
		LIMIT ?`, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: querying scores: %w", domain.ErrStoreFailure, err)
	}
	defer rows.Close()

	entries := make([]domain.HighscoreEntry, 0)
	for rows.Next() {
		var (
			e       domain.HighscoreEntry
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TableID, &e.PlayerName, &e.PlayerScore, &meta, &created); err != nil {
			return nil, fmt.Errorf("%w: scanning score: %w", domain.ErrStoreFailure, err)
		}
		if meta.Valid {
			e.Metadata = &meta.String
		}
		e.CreationTimestamp = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating scores: %w", domain.ErrStoreFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing read: %w", domain.ErrStoreFailure, err)
	}
	return entries, nil
}

// SubmitScore inserts an entry and trims the table to its retention cap in
// the same transaction.
func (s *Store) SubmitScore(ctx context.Context, tableID int64, entry domain.NewEntry) (domain.HighscoreEntry, error) {
	var (
		out domain.HighscoreEntry
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = s.submitOnce(ctx, tableID, entry)
		if err == nil || !isBusy(err) || attempt >= s.maxRetries {
			break
		}
		s.logger.Warn("retrying busy score submission", "table_id", tableID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return domain.HighscoreEntry{}, fmt.Errorf("%w: %w", domain.ErrStoreFailure, ctx.Err())
		case <-time.After(s.retryDelay * time.Duration(attempt+1)):
		}
	}
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, domain.ErrUnknownTable):
		return domain.HighscoreEntry{}, err
	default:
		return domain.HighscoreEntry{}, fmt.Errorf("%w: submitting score: %w", domain.ErrStoreFailure, err)
	}
}

func (s *Store) submitOnce(ctx context.Context, tableID int64, entry domain.NewEntry) (domain.HighscoreEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.HighscoreEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxEntries sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT maximum_scores_retained FROM highscore_tables WHERE id = ?`, tableID,
	).Scan(&maxEntries)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HighscoreEntry{}, domain.ErrUnknownTable
	}
	if err != nil {
		return domain.HighscoreEntry{}, err
	}

	out := domain.HighscoreEntry{
		TableID:           tableID,
		PlayerName:        entry.PlayerName,
		PlayerScore:       entry.PlayerScore,
		Metadata:          entry.Metadata,
		CreationTimestamp: fromMillis(toMillis(s.now())),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO highscore_entries
		    (highscore_table_id, player_name, player_score, player_score_metadata, creation_timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		tableID, out.PlayerName, out.PlayerScore, out.Metadata, toMillis(out.CreationTimestamp),
	)
	if err != nil {
		return domain.HighscoreEntry{}, err
	}
	if out.ID, err = res.LastInsertId(); err != nil {
		return domain.HighscoreEntry{}, err
	}

	if maxEntries.Valid {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM highscore_entries WHERE id IN (
			    SELECT id FROM highscore_entries
			    WHERE highscore_table_id = ?
			    ORDER BY player_score DESC, creation_timestamp ASC, id ASC
			    LIMIT -1 OFFSET ?
			)`, tableID, max(maxEntries.Int64, 0),
		); err != nil {
			return domain.HighscoreEntry{}, err
		}
		var kept int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM highscore_entries WHERE id = ?`, out.ID,
		).Scan(&kept); err != nil {
			return domain.HighscoreEntry{}, err
		}
		out.Evicted = kept == 0
	}

	if err := tx.Commit(); err != nil {
		return domain.HighscoreEntry{}, err
	}
	return out, nil
}

// CreateDeveloper inserts a developer and fills in its id
func (s *Store) CreateDeveloper(ctx context.Context, d *domain.Developer) error {
	if d.DeveloperUUID == uuid.Nil {
		d.DeveloperUUID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO developers (developer_uuid, developer_name, email, url, is_admin, api_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeveloperUUID.String(), d.Name, d.Email, d.URL, d.IsAdmin, d.APIKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating developer: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// CreateGame inserts a game and fills in its id
func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	if g.GameUUID == uuid.Nil {
		g.GameUUID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO games (developer_id, game_uuid, game_secret_key, game_name, security_level)
		VALUES (?, ?, ?, ?, ?)`,
		g.DeveloperID, g.GameUUID.String(), g.SecretKey, g.Name, g.SecurityLevel,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating game: %w", err)
	}
	g.ID, err = res.LastInsertId()
	return err
}

// CreateTable inserts a table and fills in its id. Retention caps of tables
// owned by non-admin developers are clamped.
func (s *Store) CreateTable(ctx context.Context, t *domain.HighscoreTable) error {
	var isAdmin bool
	err := s.db.QueryRowContext(ctx, `
		SELECT d.is_admin FROM games g JOIN developers d ON d.id = g.developer_id
		WHERE g.id = ?`, t.GameID,
	).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("getting table owner: %w", err)
	}

	if t.TableUUID == uuid.Nil {
		t.TableUUID = uuid.New()
	}
	t.MaxEntries = domain.NormalizeRetention(t.MaxEntries, isAdmin)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO highscore_tables (game_id, table_name, table_uuid, maximum_scores_retained)
		VALUES (?, ?, ?, ?)`,
		t.GameID, t.Name, t.TableUUID.String(), t.MaxEntries,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating table: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	primary := sqliteErr.Code() & 0xff
	return primary == sqlite3lib.SQLITE_BUSY || primary == sqlite3lib.SQLITE_LOCKED
}
