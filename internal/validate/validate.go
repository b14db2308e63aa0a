// Package validate holds the input rules checked before any state-changing
// call reaches the ledger or the job store.
package validate

import (
    "fmt"
    "regexp"
    "strings"
    "unicode/utf8"

    "github.com/google/uuid"
)

const (
    MaxUserIDLength    = 64
    MaxRequestIDLength = 128
    MaxCodeLength      = 1_000_000
    MaxOutputLength    = 10_000_000
    DefaultLanguage    = "python"

    DefaultTimeoutSecs = 60
    MaxTimeoutSecs     = 3600

    MinAuthTokenLength = 8
    MaxAuthTokenLength = 72
)

var (
    userIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
    requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

var languages = map[string]struct{}{
    "python":     {},
    "javascript": {},
    "node":       {},
    "bash":       {},
}

// Error reports which field failed validation and why.
type Error struct {
    Field  string
    Reason string
}

func (e *Error) Error() string {
    return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidID reports whether token is a canonical version 4 UUID, the format
// used for job and worker identifiers.
func IsValidID(token string) bool {
    if len(token) != 36 {
        return false
    }
    id, err := uuid.Parse(token)
    if err != nil {
        return false
    }
    return id.Version() == 4 && id.Variant() == uuid.RFC4122 && strings.EqualFold(id.String(), token)
}

func IsValidUserID(userID string) bool {
    if userID == "" || len(userID) > MaxUserIDLength {
        return false
    }
    return userIDPattern.MatchString(userID)
}

// IsValidPayload accepts non-empty UTF-8 code up to MaxCodeLength bytes
// without NUL bytes.
func IsValidPayload(code string) bool {
    if code == "" || len(code) > MaxCodeLength {
        return false
    }
    if strings.IndexByte(code, 0) >= 0 {
        return false
    }
    return utf8.ValidString(code)
}

func IsValidLanguage(language string) bool {
    _, ok := languages[language]
    return ok
}

func IsValidRequestID(requestID string) bool {
    if requestID == "" || len(requestID) > MaxRequestIDLength {
        return false
    }
    return requestIDPattern.MatchString(requestID)
}

func ID(field, token string) error {
    if !IsValidID(token) {
        return &Error{Field: field, Reason: "must be a version 4 uuid"}
    }
    return nil
}

func UserID(userID string) error {
    if !IsValidUserID(userID) {
        return &Error{Field: "user_id", Reason: "must be 1-64 characters of letters, digits, '_' or '-'"}
    }
    return nil
}

func Payload(code string) error {
    if !IsValidPayload(code) {
        return &Error{Field: "code", Reason: "must be non-empty utf-8 without NUL bytes, at most 1000000 bytes"}
    }
    return nil
}

// Language normalizes an empty language to DefaultLanguage.
func Language(language string) (string, error) {
    language = strings.ToLower(strings.TrimSpace(language))
    if language == "" {
        return DefaultLanguage, nil
    }
    if !IsValidLanguage(language) {
        return "", &Error{Field: "language", Reason: "unsupported language"}
    }
    return language, nil
}

func RequestID(requestID string) error {
    if !IsValidRequestID(requestID) {
        return &Error{Field: "request_id", Reason: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
    }
    return nil
}

// AuthToken bounds worker owner credentials; bcrypt ignores bytes past 72.
func AuthToken(token string) error {
    if len(token) < MinAuthTokenLength || len(token) > MaxAuthTokenLength {
        return &Error{Field: "auth_token", Reason: fmt.Sprintf("must be %d-%d bytes", MinAuthTokenLength, MaxAuthTokenLength)}
    }
    return nil
}

// Timeout normalizes a zero execution timeout to DefaultTimeoutSecs.
func Timeout(seconds int) (int, error) {
    if seconds == 0 {
        return DefaultTimeoutSecs, nil
    }
    if seconds < 0 || seconds > MaxTimeoutSecs {
        return 0, &Error{Field: "timeout_s", Reason: fmt.Sprintf("must be between 1 and %d seconds", MaxTimeoutSecs)}
    }
    return seconds, nil
}

// Truncate cuts s to at most MaxOutputLength bytes without splitting a rune.
func Truncate(s string) string {
    if len(s) <= MaxOutputLength {
        return s
    }
    cut := MaxOutputLength
    for cut > 0 && !utf8.RuneStart(s[cut]) {
        cut--
    }
    return s[:cut]
}
