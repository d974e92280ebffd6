package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/auth"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/envelope"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/highscore-gateway/internal/service"

// Authenticator verifies signed request bodies
type Authenticator interface {
	Authenticate(ctx context.Context, body string, fields envelope.TableRequest) (*auth.Request, error)
}

// ScoreStore reads and writes highscore entries
type ScoreStore interface {
	QueryScores(ctx context.Context, tableID int64, limit int) ([]domain.HighscoreEntry, error)
	SubmitScore(ctx context.Context, tableID int64, entry domain.NewEntry) (domain.HighscoreEntry, error)
}

// Broadcaster is notified of every accepted submission that is still listed
type Broadcaster interface {
	BroadcastScore(tableUUID uuid.UUID, entry domain.HighscoreEntry)
}

// Scores is the result of an authenticated read
type Scores struct {
	Table   *domain.HighscoreTable
	Entries []domain.HighscoreEntry
}

// LeaderboardService runs the game-facing highscore operations
type LeaderboardService struct {
	auth        Authenticator
	store       ScoreStore
	broadcaster Broadcaster
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewLeaderboardService creates a new leaderboard service
func NewLeaderboardService(authn Authenticator, store ScoreStore, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		auth:   authn,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// SetBroadcaster registers the live feed. Must be called before serving.
func (s *LeaderboardService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// GetScores authenticates a signed read and returns the table's entries in
// rank order, truncated to limit when it is positive.
func (s *LeaderboardService) GetScores(ctx context.Context, body string, limit int) (*Scores, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetScores", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	var query envelope.ScoresQuery
	req, err := s.auth.Authenticate(ctx, body, &query)
	if err != nil {
		return nil, fail(span, err)
	}

	entries, err := s.store.QueryScores(ctx, req.Table.ID, limit)
	if err != nil {
		err = asStoreFailure(err)
		s.logger.ErrorContext(ctx, "failed to query scores", "table_uuid", req.Table.TableUUID, "error", err)
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	return &Scores{Table: req.Table, Entries: entries}, nil
}

// SubmitScore authenticates a signed submission and stores the new entry
func (s *LeaderboardService) SubmitScore(ctx context.Context, body string) (domain.HighscoreEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitScore")
	defer span.End()

	var submission envelope.ScoreSubmission
	req, err := s.auth.Authenticate(ctx, body, &submission)
	if err != nil {
		return domain.HighscoreEntry{}, fail(span, err)
	}

	entry, err := s.store.SubmitScore(ctx, req.Table.ID, submission.Entry())
	if err != nil {
		if errors.Is(err, domain.ErrUnknownTable) {
			s.logger.InfoContext(ctx, "table removed during submission", "table_uuid", req.Table.TableUUID)
		} else {
			err = asStoreFailure(err)
			s.logger.ErrorContext(ctx, "failed to submit score", "table_uuid", req.Table.TableUUID, "error", err)
		}
		return domain.HighscoreEntry{}, fail(span, err)
	}

	s.logger.DebugContext(ctx, "score accepted",
		"game_uuid", req.Game.GameUUID,
		"table_uuid", req.Table.TableUUID,
		"player_score", entry.PlayerScore,
		"evicted", entry.Evicted,
	)
	// an evicted entry is already gone from the table
	if s.broadcaster != nil && !entry.Evicted {
		s.broadcaster.BroadcastScore(req.Table.TableUUID, entry)
	}
	return entry, nil
}

func asStoreFailure(err error) error {
	if errors.Is(err, domain.ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreFailure, err)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
