package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
)

func testHeader() Header {
	return Header{
		GameUUID:         uuid.MustParse("8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11"),
		RequestUUID:      uuid.MustParse("0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21"),
		RequestTimestamp: 1700000000,
		Algorithm:        "sha256",
	}
}

func TestEncodeDecodeSubmission(t *testing.T) {
	t.Parallel()

	meta := "level=3"
	in := ScoreSubmission{
		TableUUID:   uuid.New(),
		PlayerName:  "ada",
		PlayerScore: Score(1234.5),
		Metadata:    &meta,
	}
	payload, err := Encode(testHeader(), &in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.ContainsAny(payload, "+/=.") {
		t.Fatalf("payload %q is not unpadded base64url", payload)
	}

	var out ScoreSubmission
	h, err := Decode(payload, &out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h != testHeader() {
		t.Fatalf("header = %+v, want %+v", h, testHeader())
	}
	if out.TableUUID != in.TableUUID || out.PlayerName != in.PlayerName {
		t.Fatalf("fields = %+v, want %+v", out, in)
	}
	if out.PlayerScore == nil || *out.PlayerScore != 1234.5 {
		t.Fatalf("player_score = %v, want 1234.5", out.PlayerScore)
	}
	if out.Metadata == nil || *out.Metadata != meta {
		t.Fatalf("metadata = %v, want %q", out.Metadata, meta)
	}
}

func TestEncodeFlatObject(t *testing.T) {
	t.Parallel()

	table := uuid.New()
	payload, err := Encode(testHeader(), &ScoresQuery{TableUUID: table})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"table_uuid", FieldGameUUID, FieldRequestUUID, FieldRequestTimestamp, FieldAlgorithm} {
		if _, ok := obj[key]; !ok {
			t.Fatalf("envelope missing %q: %s", key, raw)
		}
	}
	if obj["table_uuid"] != table.String() {
		t.Fatalf("table_uuid = %v, want %s", obj["table_uuid"], table)
	}
}

func TestDecodeAcceptsPadding(t *testing.T) {
	t.Parallel()

	raw := `{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1700000000,"algo":"sha1","table_uuid":"` + uuid.NewString() + `"}`
	padded := base64.URLEncoding.EncodeToString([]byte(raw))
	if _, err := Decode(padded, &ScoresQuery{}); err != nil {
		t.Fatalf("Decode(padded): %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not base64", payload: "!!!not-base64!!!"},
		{name: "standard alphabet", payload: base64.StdEncoding.EncodeToString([]byte(`{"a":"??>"}`))},
		{name: "not json", payload: enc("hello")},
		{name: "json array", payload: enc(`[1,2,3]`)},
		{name: "missing game", payload: enc(`{"request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1,"algo":"sha256"}`)},
		{name: "bad game uuid", payload: enc(`{"game_uuid":"nope","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1,"algo":"sha256"}`)},
		{name: "missing request", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_timestamp":1,"algo":"sha256"}`)},
		{name: "missing timestamp", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","algo":"sha256"}`)},
		{name: "string timestamp", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":"1","algo":"sha256"}`)},
		{name: "fractional timestamp", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1.5,"algo":"sha256"}`)},
		{name: "missing algo", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1}`)},
		{name: "mistyped field", payload: enc(`{"game_uuid":"8b0c1f5e-4b7a-4d55-9a3e-2f1c6b9d0a11","request_uuid":"0f6a2c8e-1d3b-4e5f-8a9b-7c6d5e4f3a21","request_timestamp":1,"algo":"sha256","player_score":"high"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.payload, &ScoreSubmission{})
			if !errors.Is(err, domain.ErrMalformedPayload) {
				t.Fatalf("Decode error = %v, want %v", err, domain.ErrMalformedPayload)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body    string
		payload string
		sig     string
		wantErr bool
	}{
		{body: "abc.def", payload: "abc", sig: "def"},
		{body: "abc.def.ghi", payload: "abc", sig: "def.ghi"},
		{body: "  abc.def\n", payload: "abc", sig: "def"},
		{body: "abcdef", wantErr: true},
		{body: ".def", wantErr: true},
		{body: "abc.", wantErr: true},
		{body: "", wantErr: true},
	}

	for _, tt := range tests {
		payload, sig, err := Split(tt.body)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrMalformedPayload) {
				t.Fatalf("Split(%q) error = %v, want malformed", tt.body, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Split(%q): %v", tt.body, err)
		}
		if payload != tt.payload || sig != tt.sig {
			t.Fatalf("Split(%q) = (%q, %q), want (%q, %q)", tt.body, payload, sig, tt.payload, tt.sig)
		}
		if Join(payload, sig) != strings.TrimSpace(tt.body) {
			t.Fatalf("Join(%q, %q) does not round trip %q", payload, sig, tt.body)
		}
	}
}

func TestSubmissionValidate(t *testing.T) {
	t.Parallel()

	table := uuid.New()
	tests := []struct {
		name    string
		sub     ScoreSubmission
		wantErr bool
	}{
		{name: "valid", sub: ScoreSubmission{TableUUID: table, PlayerName: "ada", PlayerScore: Score(1)}},
		{name: "negative score", sub: ScoreSubmission{TableUUID: table, PlayerName: "ada", PlayerScore: Score(-3.5)}},
		{name: "no table", sub: ScoreSubmission{PlayerName: "ada", PlayerScore: Score(1)}, wantErr: true},
		{name: "blank name", sub: ScoreSubmission{TableUUID: table, PlayerName: "  ", PlayerScore: Score(1)}, wantErr: true},
		{name: "long name", sub: ScoreSubmission{TableUUID: table, PlayerName: strings.Repeat("x", domain.MaxPlayerNameLength+1), PlayerScore: Score(1)}, wantErr: true},
		{name: "max name", sub: ScoreSubmission{TableUUID: table, PlayerName: strings.Repeat("é", domain.MaxPlayerNameLength), PlayerScore: Score(1)}},
		{name: "no score", sub: ScoreSubmission{TableUUID: table, PlayerName: "ada"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sub.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrMalformedPayload) {
				t.Fatalf("Validate() = %v, want malformed", err)
			}
		})
	}
}

func TestQueryValidate(t *testing.T) {
	t.Parallel()

	if err := (&ScoresQuery{}).Validate(); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("Validate() = %v, want malformed", err)
	}
	if err := (&ScoresQuery{TableUUID: uuid.New()}).Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
