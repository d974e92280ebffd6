// Package envelope builds and parses the signed request envelope games send.
//
// An envelope is a flat JSON object holding the operation fields plus four
// protocol fields (game_uuid, request_uuid, request_timestamp, algo). On the
// wire it travels base64url encoded, followed by a "." and the signature.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
)

// Protocol field names
const (
	FieldGameUUID         = "game_uuid"
	FieldRequestUUID      = "request_uuid"
	FieldRequestTimestamp = "request_timestamp"
	FieldAlgorithm        = "algo"
)

// Header holds the protocol fields common to every envelope
type Header struct {
	GameUUID         uuid.UUID
	RequestUUID      uuid.UUID
	RequestTimestamp int64
	Algorithm        string
}

type wireHeader struct {
	GameUUID         *uuid.UUID `json:"game_uuid"`
	RequestUUID      *uuid.UUID `json:"request_uuid"`
	RequestTimestamp *int64     `json:"request_timestamp"`
	Algorithm        *string    `json:"algo"`
}

// Encode merges the operation fields with the header and returns the
// base64url form of the resulting JSON object.
func Encode(h Header, fields any) (string, error) {
	var obj map[string]json.RawMessage
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return "", fmt.Errorf("marshaling fields: %w", err)
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("fields must encode to a JSON object: %w", err)
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 4)
	}

	protocol := map[string]any{
		FieldGameUUID:         h.GameUUID,
		FieldRequestUUID:      h.RequestUUID,
		FieldRequestTimestamp: h.RequestTimestamp,
		FieldAlgorithm:        h.Algorithm,
	}
	for key, value := range protocol {
		raw, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("marshaling %s: %w", key, err)
		}
		obj[key] = raw
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a base64url payload. The protocol fields are returned as a
// Header and the operation fields are unmarshaled into fields, if non-nil.
func Decode(payload string, fields any) (Header, error) {
	data, err := DecodeBase64(payload)
	if err != nil {
		return Header{}, fmt.Errorf("%w: decoding base64: %w", domain.ErrMalformedPayload, err)
	}

	var wh wireHeader
	if err := json.Unmarshal(data, &wh); err != nil {
		return Header{}, fmt.Errorf("%w: decoding json: %w", domain.ErrMalformedPayload, err)
	}

	switch {
	case wh.GameUUID == nil || *wh.GameUUID == uuid.Nil:
		return Header{}, missing(FieldGameUUID)
	case wh.RequestUUID == nil || *wh.RequestUUID == uuid.Nil:
		return Header{}, missing(FieldRequestUUID)
	case wh.RequestTimestamp == nil:
		return Header{}, missing(FieldRequestTimestamp)
	case wh.Algorithm == nil || *wh.Algorithm == "":
		return Header{}, missing(FieldAlgorithm)
	}

	if fields != nil {
		if err := json.Unmarshal(data, fields); err != nil {
			return Header{}, fmt.Errorf("%w: decoding fields: %w", domain.ErrMalformedPayload, err)
		}
	}

	return Header{
		GameUUID:         *wh.GameUUID,
		RequestUUID:      *wh.RequestUUID,
		RequestTimestamp: *wh.RequestTimestamp,
		Algorithm:        *wh.Algorithm,
	}, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", domain.ErrMalformedPayload, field)
}

// DecodeBase64 decodes base64url text with or without trailing padding.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Split separates a wire body into its payload and signature. The base64url
// alphabet never contains ".", so the first one is the separator.
func Split(body string) (payload, signature string, err error) {
	payload, signature, ok := strings.Cut(strings.TrimSpace(body), ".")
	if !ok || payload == "" || signature == "" {
		return "", "", fmt.Errorf("%w: expected <payload>.<signature>", domain.ErrMalformedPayload)
	}
	return payload, signature, nil
}

// Join is the inverse of Split
func Join(payload, signature string) string {
	return payload + "." + signature
}
