// Package auth turns a signed request body into an authenticated request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/envelope"
	"github.com/highscore-gateway/internal/replay"
	"github.com/highscore-gateway/internal/signing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/highscore-gateway/internal/auth"

// GameLookup resolves a game by its public identifier. Implementations
// return domain.ErrNotFound for unknown games.
type GameLookup interface {
	GameByUUID(ctx context.Context, gameUUID uuid.UUID) (*domain.Game, error)
}

// TableLookup resolves a table owned by the given game. Implementations
// return domain.ErrNotFound when no such table belongs to the game.
type TableLookup interface {
	TableByUUID(ctx context.Context, gameID int64, tableUUID uuid.UUID) (*domain.HighscoreTable, error)
}

// Lookup combines both lookups, as provided by the stores and the cache
type Lookup interface {
	GameLookup
	TableLookup
}

// Request is an authenticated request. The operation fields were decoded
// into the value passed to Authenticate.
type Request struct {
	Header envelope.Header
	Game   *domain.Game
	Table  *domain.HighscoreTable
}

// Authenticator runs every check a signed request must pass
type Authenticator struct {
	lookup Lookup
	guard  *replay.Guard
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an authenticator
func New(lookup Lookup, guard *replay.Guard, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		lookup: lookup,
		guard:  guard,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Authenticate verifies body and decodes its operation fields into fields.
// The checks run in a fixed order and stop at the first failure: decoding,
// game, algorithm, signature, freshness, replay, table.
func (a *Authenticator) Authenticate(ctx context.Context, body string, fields envelope.TableRequest) (*Request, error) {
	ctx, span := a.tracer.Start(ctx, "auth.Authenticate")
	defer span.End()

	req, err := a.authenticate(ctx, body, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		a.logRejection(ctx, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("game_uuid", req.Game.GameUUID.String()),
		attribute.String("table_uuid", req.Table.TableUUID.String()),
	)
	return req, nil
}

func (a *Authenticator) authenticate(ctx context.Context, body string, fields envelope.TableRequest) (*Request, error) {
	payload, signature, err := envelope.Split(body)
	if err != nil {
		return nil, err
	}
	header, err := envelope.Decode(payload, fields)
	if err != nil {
		return nil, err
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	game, err := a.lookup.GameByUUID(ctx, header.GameUUID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGame, header.GameUUID)
		}
		return nil, fmt.Errorf("%w: looking up game: %w", domain.ErrStoreFailure, err)
	}

	algo, err := signing.ParseAlgorithm(header.Algorithm)
	if err != nil {
		return nil, err
	}
	if !signing.Allowed(algo, game.SecurityLevel) {
		return nil, fmt.Errorf("%w: %s at level %d", domain.ErrAlgorithmNotAllowed, algo, game.SecurityLevel)
	}

	if err := signing.Verify(algo, payload, signature, game.SecretKey); err != nil {
		return nil, err
	}

	if err := a.guard.CheckFreshness(header.RequestTimestamp); err != nil {
		return nil, err
	}
	if err := a.guard.Consume(ctx, game.ID, header.RequestUUID); err != nil {
		return nil, err
	}

	table, err := a.lookup.TableByUUID(ctx, game.ID, fields.TargetTable())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTable, fields.TargetTable())
		}
		return nil, fmt.Errorf("%w: looking up table: %w", domain.ErrStoreFailure, err)
	}

	return &Request{Header: header, Game: game, Table: table}, nil
}

func (a *Authenticator) logRejection(ctx context.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrStoreFailure):
		a.logger.ErrorContext(ctx, "authentication failed", "error", err)
	case domain.IsClientError(err):
		a.logger.InfoContext(ctx, "malformed request", "reason", err.Error())
	default:
		a.logger.InfoContext(ctx, "request rejected", "reason", err.Error())
	}
}
