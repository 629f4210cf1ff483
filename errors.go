package rotauth

import "errors"

var (
	// ErrTokenNotFound is an exported constant or variable used by the rotation engine.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenInvalid is an exported constant or variable used by the rotation engine.
	//
	// API layers must map ErrTokenInvalid and ErrTokenNotFound to the same
	// response so the rotate endpoint cannot be used as an existence oracle.
	ErrTokenInvalid = errors.New("invalid refresh token")
	// ErrTokenExpired is an exported constant or variable used by the rotation engine.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrReplayDetected signals reuse of an already-consumed refresh token.
	// By the time it is returned, the whole session lineage has been
	// durably invalidated.
	ErrReplayDetected = errors.New("refresh token replay detected")
	// ErrStorageUnavailable is an exported constant or variable used by the rotation engine.
	ErrStorageUnavailable = errors.New("durable token store unavailable")
	// ErrInvalidCredentials is an exported constant or variable used by the rotation engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserRequired is an exported constant or variable used by the rotation engine.
	ErrUserRequired = errors.New("user id required")
	// ErrUnauthorized is an exported constant or variable used by the rotation engine.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEngineNotReady is an exported constant or variable used by the rotation engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
