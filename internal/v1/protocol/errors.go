package protocol

// ErrorCode identifies the category of a protocol-level failure. Codes travel
// on the wire inside Error and RoomJoinFailed payloads.
type ErrorCode string

const (
	ErrTooManyConnections       ErrorCode = "TooManyConnections"
	ErrRoomFull                 ErrorCode = "RoomFull"
	ErrRoomNotFound             ErrorCode = "RoomNotFound"
	ErrMaxRoomsPerGameExceeded  ErrorCode = "MaxRoomsPerGameExceeded"
	ErrRateLimitExceeded        ErrorCode = "RateLimitExceeded"
	ErrAuthorityMismatch        ErrorCode = "AuthorityMismatch"
	ErrInvalidRoomCode          ErrorCode = "InvalidRoomCode"
	ErrValidationFailed         ErrorCode = "ValidationFailed"
	ErrNotInRoom                ErrorCode = "NotInRoom"
	ErrUnauthorized             ErrorCode = "Unauthorized"
	ErrProtocolViolation        ErrorCode = "ProtocolViolation"
	ErrSlowConsumer             ErrorCode = "SlowConsumer"
	ErrReconnectTokenInvalid    ErrorCode = "ReconnectTokenInvalid"
	ErrRoomCodeGenerationFailed ErrorCode = "RoomCodeGenerationFailed"
)
