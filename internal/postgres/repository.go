package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/config"
	"github.com/highscore-gateway/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL error codes the repository reacts to
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, lb config.LeaderboardConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return newRepository(poolConfig, cfg, lb, logger)
}

// NewRepositoryFromURL creates a repository from a connection URL
func NewRepositoryFromURL(url string, lb config.LeaderboardConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return newRepository(poolConfig, nil, lb, logger)
}

func newRepository(poolConfig *pgxpool.Config, cfg *config.PostgresConfig, lb config.LeaderboardConfig, logger *slog.Logger) (*Repository, error) {
	if cfg != nil {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
		poolConfig.MinConns = int32(cfg.MinConnections)
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:       pool,
		logger:     logger,
		maxRetries: lb.MaxRetries,
		retryDelay: lb.RetryDelay,
		now:        time.Now,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS developers (
			id BIGSERIAL PRIMARY KEY,
			developer_uuid UUID NOT NULL UNIQUE,
			developer_name VARCHAR(100) NOT NULL,
			email VARCHAR(100) NOT NULL,
			url VARCHAR(100),
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			api_key VARCHAR(128) UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS games (
			id BIGSERIAL PRIMARY KEY,
			developer_id BIGINT NOT NULL REFERENCES developers(id) ON DELETE CASCADE,
			game_uuid UUID NOT NULL UNIQUE,
			game_secret_key VARCHAR(128) NOT NULL,
			game_name VARCHAR(100) NOT NULL,
			security_level INT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS highscore_tables (
			id BIGSERIAL PRIMARY KEY,
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			table_name VARCHAR(100) NOT NULL,
			table_uuid UUID NOT NULL UNIQUE,
			maximum_scores_retained INT,
			UNIQUE(game_id, table_name)
		)`,
		`CREATE TABLE IF NOT EXISTS highscore_entries (
			id BIGSERIAL PRIMARY KEY,
			highscore_table_id BIGINT NOT NULL REFERENCES highscore_tables(id) ON DELETE CASCADE,
			player_name VARCHAR(100) NOT NULL,
			player_score DOUBLE PRECISION NOT NULL,
			player_score_metadata TEXT,
			creation_timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS historical_requests (
			id BIGSERIAL PRIMARY KEY,
			game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			request_uuid UUID NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			UNIQUE(game_id, request_uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_highscore_entries_rank
			ON highscore_entries(highscore_table_id, player_score DESC, creation_timestamp ASC, id ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_historical_requests_timestamp ON historical_requests(timestamp)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// GameByUUID returns the game with the given public identifier
func (r *Repository) GameByUUID(ctx context.Context, gameUUID uuid.UUID) (*domain.Game, error) {
	query := `
		SELECT id, developer_id, game_uuid, game_secret_key, game_name, security_level
		FROM games
		WHERE game_uuid = $1
	`
	var (
		g  domain.Game
		id pgtype.UUID
	)
	err := r.pool.QueryRow(ctx, query, pgUUID(gameUUID)).Scan(
		&g.ID, &g.DeveloperID, &id, &g.SecretKey, &g.Name, &g.SecurityLevel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting game: %w", err)
	}
	g.GameUUID = id.Bytes
	return &g, nil
}

// TableByUUID returns the table with the given public identifier if it
// belongs to gameID.
func (r *Repository) TableByUUID(ctx context.Context, gameID int64, tableUUID uuid.UUID) (*domain.HighscoreTable, error) {
	query := `
		SELECT id, game_id, table_name, table_uuid, maximum_scores_retained
		FROM highscore_tables
		WHERE table_uuid = $1 AND game_id = $2
	`
	var (
		t  domain.HighscoreTable
		id pgtype.UUID
	)
	err := r.pool.QueryRow(ctx, query, pgUUID(tableUUID), gameID).Scan(
		&t.ID, &t.GameID, &t.Name, &id, &t.MaxEntries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting table: %w", err)
	}
	t.TableUUID = id.Bytes
	return &t, nil
}

// RecordRequest marks requestUUID as consumed for gameID
func (r *Repository) RecordRequest(ctx context.Context, gameID int64, requestUUID uuid.UUID, at time.Time) error {
	query := `
		INSERT INTO historical_requests (game_id, request_uuid, timestamp)
		VALUES ($1, $2, $3)
	`
	_, err := r.pool.Exec(ctx, query, gameID, pgUUID(requestUUID), at.UTC())
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return domain.ErrReplayDetected
		}
		return fmt.Errorf("recording request: %w", err)
	}
	return nil
}

// PurgeRequests deletes replay records consumed before the cutoff
func (r *Repository) PurgeRequests(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM historical_requests WHERE timestamp < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueryScores returns the table's entries in rank order. A non-positive
// limit returns every entry.
func (r *Repository) QueryScores(ctx context.Context, tableID int64, limit int) ([]domain.HighscoreEntry, error) {
	query := `
		SELECT id, highscore_table_id, player_name, player_score, player_score_metadata, creation_timestamp
		FROM highscore_entries
		WHERE highscore_table_id = $1
		ORDER BY player_score DESC, creation_timestamp ASC, id ASC
		LIMIT $2
	`
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	entries := make([]domain.HighscoreEntry, 0)
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, tableID, lim)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e domain.HighscoreEntry
			if err := rows.Scan(&e.ID, &e.TableID, &e.PlayerName, &e.PlayerScore, &e.Metadata, &e.CreationTimestamp); err != nil {
				return err
			}
			e.CreationTimestamp = e.CreationTimestamp.UTC()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying scores: %w", domain.ErrStoreFailure, err)
	}
	return entries, nil
}

// SubmitScore inserts an entry and trims the table to its retention cap in
// one serializable transaction. The table row is locked first so concurrent
// submissions to the same table queue behind each other; serialization
// failures are retried.
func (r *Repository) SubmitScore(ctx context.Context, tableID int64, entry domain.NewEntry) (domain.HighscoreEntry, error) {
	var (
		out domain.HighscoreEntry
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = r.submitOnce(ctx, tableID, entry)
		if err == nil || !isRetryable(err) || attempt >= r.maxRetries {
			break
		}
		r.logger.Warn("retrying score submission", "table_id", tableID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return domain.HighscoreEntry{}, fmt.Errorf("%w: %w", domain.ErrStoreFailure, ctx.Err())
		case <-time.After(r.retryDelay * time.Duration(attempt+1)):
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

func (r *Repository) submitOnce(ctx context.Context, tableID int64, entry domain.NewEntry) (domain.HighscoreEntry, error) {
	out := domain.HighscoreEntry{
		TableID:           tableID,
		PlayerName:        entry.PlayerName,
		PlayerScore:       entry.PlayerScore,
		Metadata:          entry.Metadata,
		CreationTimestamp: r.now().UTC().Truncate(time.Microsecond),
	}

	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var maxEntries *int
		err := tx.QueryRow(ctx,
			`SELECT maximum_scores_retained FROM highscore_tables WHERE id = $1 FOR UPDATE`, tableID,
		).Scan(&maxEntries)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrUnknownTable
			}
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO highscore_entries
				(highscore_table_id, player_name, player_score, player_score_metadata, creation_timestamp)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			tableID, out.PlayerName, out.PlayerScore, out.Metadata, out.CreationTimestamp,
		).Scan(&out.ID)
		if err != nil {
			return err
		}

		if maxEntries != nil {
			_, err = tx.Exec(ctx, `
				DELETE FROM highscore_entries WHERE id IN (
					SELECT id FROM highscore_entries
					WHERE highscore_table_id = $1
					ORDER BY player_score DESC, creation_timestamp ASC, id ASC
					OFFSET $2
				)`, tableID, max(*maxEntries, 0),
			)
			if err != nil {
				return err
			}
			var kept bool
			err = tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM highscore_entries WHERE id = $1)`, out.ID,
			).Scan(&kept)
			out.Evicted = !kept
		}
		return err
	})
	if err != nil {
		return domain.HighscoreEntry{}, err
	}
	return out, nil
}

// CreateDeveloper inserts a developer and fills in its id
func (r *Repository) CreateDeveloper(ctx context.Context, d *domain.Developer) error {
	if d.DeveloperUUID == uuid.Nil {
		d.DeveloperUUID = uuid.New()
	}
	query := `
		INSERT INTO developers (developer_uuid, developer_name, email, url, is_admin, api_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		pgUUID(d.DeveloperUUID), d.Name, d.Email, d.URL, d.IsAdmin, d.APIKey,
	).Scan(&d.ID)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating developer: %w", err)
	}
	return nil
}

// CreateGame inserts a game and fills in its id
func (r *Repository) CreateGame(ctx context.Context, g *domain.Game) error {
	if g.GameUUID == uuid.Nil {
		g.GameUUID = uuid.New()
	}
	query := `
		INSERT INTO games (developer_id, game_uuid, game_secret_key, game_name, security_level)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		g.DeveloperID, pgUUID(g.GameUUID), g.SecretKey, g.Name, g.SecurityLevel,
	).Scan(&g.ID)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating game: %w", err)
	}
	return nil
}

// CreateTable inserts a table and fills in its id. Retention caps of tables
// owned by non-admin developers are clamped.
func (r *Repository) CreateTable(ctx context.Context, t *domain.HighscoreTable) error {
	var isAdmin bool
	err := r.pool.QueryRow(ctx, `
		SELECT d.is_admin FROM games g JOIN developers d ON d.id = g.developer_id
		WHERE g.id = $1`, t.GameID,
	).Scan(&isAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("getting table owner: %w", err)
	}

	if t.TableUUID == uuid.Nil {
		t.TableUUID = uuid.New()
	}
	t.MaxEntries = domain.NormalizeRetention(t.MaxEntries, isAdmin)

	query := `
		INSERT INTO highscore_tables (game_id, table_name, table_uuid, maximum_scores_retained)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err = r.pool.QueryRow(ctx, query, t.GameID, t.Name, pgUUID(t.TableUUID), t.MaxEntries).Scan(&t.ID)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return domain.ErrConflict
		}
		return fmt.Errorf("creating table: %w", err)
	}
	return nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isRetryable(err error) bool {
	return hasCode(err, codeSerializationFailure) || hasCode(err, codeDeadlockDetected)
}
