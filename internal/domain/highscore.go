package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxRetainedForNonAdmin is the largest retention cap a non-admin developer
// may configure on a highscore table.
const MaxRetainedForNonAdmin = 100

// MaxPlayerNameLength bounds the player name column.
const MaxPlayerNameLength = 100

// Developer owns games and authenticates against the management API
type Developer struct {
	ID            int64     `json:"-"`
	DeveloperUUID uuid.UUID `json:"developer_uuid"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	URL           *string   `json:"url,omitempty"`
	IsAdmin       bool      `json:"is_admin"`
	APIKey        *string   `json:"-"`
}

// Game is a registered video game and the shared secret its clients sign with
type Game struct {
	ID            int64     `json:"-"`
	DeveloperID   int64     `json:"-"`
	GameUUID      uuid.UUID `json:"game_uuid"`
	SecretKey     string    `json:"-"`
	Name          string    `json:"name"`
	SecurityLevel int       `json:"security_level"`
}

// DefaultSecurityLevel is assigned to games created without an explicit
// level. It only admits strong signing algorithms.
const DefaultSecurityLevel = 1

// HighscoreTable is a named score table belonging to a game
type HighscoreTable struct {
	ID         int64     `json:"-"`
	GameID     int64     `json:"-"`
	Name       string    `json:"name"`
	TableUUID  uuid.UUID `json:"table_uuid"`
	MaxEntries *int      `json:"maximum_scores_retained,omitempty"`
}

// HighscoreEntry is a single submitted score
type HighscoreEntry struct {
	ID                int64     `json:"-"`
	TableID           int64     `json:"-"`
	PlayerName        string    `json:"player_name"`
	PlayerScore       float64   `json:"player_score"`
	Metadata          *string   `json:"player_score_metadata"`
	CreationTimestamp time.Time `json:"creation_timestamp"`
	// Evicted is set on a fresh submission that fell outside the table's
	// retention cap and was trimmed in the same transaction.
	Evicted bool `json:"-"`
}

// TimestampLayout formats creation timestamps in listings and live updates (UTC)
const TimestampLayout = "2006-01-02 15:04:05"

// ListedScore is the wire shape of an entry
type ListedScore struct {
	PlayerName        string  `json:"player_name"`
	PlayerScore       float64 `json:"player_score"`
	Metadata          *string `json:"player_score_metadata"`
	CreationTimestamp string  `json:"creation_timestamp"`
}

// Listed converts the entry to its wire shape
func (e HighscoreEntry) Listed() ListedScore {
	return ListedScore{
		PlayerName:        e.PlayerName,
		PlayerScore:       e.PlayerScore,
		Metadata:          e.Metadata,
		CreationTimestamp: e.CreationTimestamp.UTC().Format(TimestampLayout),
	}
}

// Listing converts entries to their wire shape, keeping order. The result is
// never nil.
func Listing(entries []HighscoreEntry) []ListedScore {
	out := make([]ListedScore, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Listed())
	}
	return out
}

// NewEntry holds the caller-supplied fields of a score submission
type NewEntry struct {
	PlayerName  string
	PlayerScore float64
	Metadata    *string
}

// ReplayRecord marks a request identifier as consumed for a game
type ReplayRecord struct {
	ID          int64
	GameID      int64
	RequestUUID uuid.UUID
	Timestamp   time.Time
}

// Ranks reports whether a ranks strictly ahead of b in the table ordering:
// higher score first, then earlier creation, then lower id.
func Ranks(a, b HighscoreEntry) bool {
	if a.PlayerScore != b.PlayerScore {
		return a.PlayerScore > b.PlayerScore
	}
	if !a.CreationTimestamp.Equal(b.CreationTimestamp) {
		return a.CreationTimestamp.Before(b.CreationTimestamp)
	}
	return a.ID < b.ID
}

// NormalizeRetention applies the retention ceiling for non-admin owners.
// Admins are trusted with any value, including no cap at all.
func NormalizeRetention(maxEntries *int, isAdmin bool) *int {
	if isAdmin {
		return maxEntries
	}
	n := MaxRetainedForNonAdmin
	if maxEntries == nil || *maxEntries < 0 || *maxEntries > MaxRetainedForNonAdmin {
		return &n
	}
	n = *maxEntries
	return &n
}
