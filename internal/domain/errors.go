package domain

import "errors"

// Request rejection reasons
var (
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnknownGame         = errors.New("unknown game")
	ErrAlgorithmNotAllowed = errors.New("algorithm not allowed for security level")
	ErrInvalidSignature    = errors.New("invalid request signature")
	ErrStaleRequest        = errors.New("request timestamp outside freshness window")
	ErrReplayDetected      = errors.New("request identifier already consumed")
	ErrUnknownTable        = errors.New("unknown highscore table")
)

// Storage errors
var (
	ErrStoreFailure = errors.New("store failure")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
)

// IsClientError reports whether err was caused by an unparseable request
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}

// IsForbidden checks if an error is one of the authentication rejections.
// They all surface to the caller as the same opaque response.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrUnknownGame) ||
		errors.Is(err, ErrAlgorithmNotAllowed) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleRequest) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrUnknownTable)
}
