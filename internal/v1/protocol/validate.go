package protocol

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
)

// roomCodeAlphabet excludes the confusable characters 0, O, I and 1 so codes
// survive being read aloud or scribbled on a whiteboard.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ValidationError is a categorized validation failure. Message is safe to
// echo back to the client verbatim.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code ErrorCode, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidateGameName checks the owning game identifier.
func ValidateGameName(name string, cfg *config.ProtocolConfig) *ValidationError {
	if name == "" {
		return invalid(ErrValidationFailed, "Game name cannot be empty")
	}
	if len(name) > cfg.MaxGameNameLength {
		return invalid(ErrValidationFailed, "Game name too long (max %d characters)", cfg.MaxGameNameLength)
	}
	for _, c := range name {
		if !isGameNameChar(c) {
			return invalid(ErrValidationFailed, "Game name must contain only letters, numbers, underscores, and hyphens")
		}
	}
	return nil
}

func isGameNameChar(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// ValidatePlayerName checks a display name.
func ValidatePlayerName(name string, cfg *config.ProtocolConfig) *ValidationError {
	if name == "" {
		return invalid(ErrValidationFailed, "Player name cannot be empty")
	}
	if len(name) > cfg.MaxPlayerNameLength {
		return invalid(ErrValidationFailed, "Player name too long (max %d characters)", cfg.MaxPlayerNameLength)
	}
	return nil
}

// ValidateRoomCode checks a client-supplied code. A configured room-code
// prefix is stripped before the length check so generated codes can be pasted
// back in.
func ValidateRoomCode(code string, cfg *config.ProtocolConfig, prefix string) *ValidationError {
	body := code
	if prefix != "" && strings.HasPrefix(code, prefix) {
		body = code[len(prefix):]
	}
	for _, c := range body {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return invalid(ErrValidationFailed, "Room code must be alphanumeric uppercase")
		}
	}
	if len(body) != cfg.RoomCodeLength {
		return invalid(ErrInvalidRoomCode, "Room code must be exactly %d characters", cfg.RoomCodeLength)
	}
	return nil
}

// ValidateMaxPlayers checks the requested capacity.
func ValidateMaxPlayers(n int, cfg *config.ProtocolConfig) *ValidationError {
	if n < 1 {
		return invalid(ErrValidationFailed, "Max players must be at least 1")
	}
	if n > cfg.MaxPlayersLimit {
		return invalid(ErrValidationFailed, "Max players cannot exceed %d", cfg.MaxPlayersLimit)
	}
	return nil
}

// GenerateRoomCode draws length characters uniformly from the allowed
// alphabet and prepends the configured prefix, if any.
func GenerateRoomCode(length int, prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + length)
	b.WriteString(prefix)
	for i := 0; i < length; i++ {
		b.WriteByte(roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))])
	}
	return b.String()
}
