package envelope

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
)

// TableRequest is implemented by the operation fields of every envelope
// addressed to a highscore table.
type TableRequest interface {
	TargetTable() uuid.UUID
	Validate() error
}

// ScoresQuery is the operation body of a score read
type ScoresQuery struct {
	TableUUID uuid.UUID `json:"table_uuid"`
}

func (q *ScoresQuery) TargetTable() uuid.UUID { return q.TableUUID }

func (q *ScoresQuery) Validate() error {
	if q.TableUUID == uuid.Nil {
		return fmt.Errorf("%w: missing table_uuid", domain.ErrMalformedPayload)
	}
	return nil
}

// ScoreSubmission is the operation body of a score write
type ScoreSubmission struct {
	TableUUID   uuid.UUID `json:"table_uuid"`
	PlayerName  string    `json:"player_name"`
	PlayerScore *float64  `json:"player_score"`
	Metadata    *string   `json:"player_score_metadata,omitempty"`
}

func (s *ScoreSubmission) TargetTable() uuid.UUID { return s.TableUUID }

func (s *ScoreSubmission) Validate() error {
	switch {
	case s.TableUUID == uuid.Nil:
		return fmt.Errorf("%w: missing table_uuid", domain.ErrMalformedPayload)
	case strings.TrimSpace(s.PlayerName) == "":
		return fmt.Errorf("%w: missing player_name", domain.ErrMalformedPayload)
	case utf8.RuneCountInString(s.PlayerName) > domain.MaxPlayerNameLength:
		return fmt.Errorf("%w: player_name longer than %d characters", domain.ErrMalformedPayload, domain.MaxPlayerNameLength)
	case s.PlayerScore == nil:
		return fmt.Errorf("%w: missing player_score", domain.ErrMalformedPayload)
	case math.IsNaN(*s.PlayerScore) || math.IsInf(*s.PlayerScore, 0):
		return fmt.Errorf("%w: player_score must be finite", domain.ErrMalformedPayload)
	}
	return nil
}

// Entry converts a validated submission into the store's input type.
func (s *ScoreSubmission) Entry() domain.NewEntry {
	e := domain.NewEntry{PlayerName: s.PlayerName, Metadata: s.Metadata}
	if s.PlayerScore != nil {
		e.PlayerScore = *s.PlayerScore
	}
	return e
}

// Score is a convenience for building submissions
func Score(v float64) *float64 { return &v }
