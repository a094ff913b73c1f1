package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument = 1000
	ErrCodeInvalidJSON     = 1001
	ErrCodeRequestTooLarge = 1002
	ErrCodeInvalidQuery    = 1003
	ErrCodeInvalidHash     = 1004
	ErrCodeInvalidRange    = 1005
	ErrCodeMissingRequired = 1009

	// Domain state (2xxx)
	ErrCodeBlobNotFound = 2001
	ErrCodeConflict     = 2102

	// Auth & limits (3xxx)
	ErrCodeUnauthorized      = 3001
	ErrCodeForbidden         = 3002
	ErrCodeResourceExhausted = 3003

	// Internal/system (4xxx)
	ErrCodeInternal          = 4001
	ErrCodeStoreFailure      = 4002
	ErrCodeMaintenanceFailed = 4003
	ErrCodeNotImplemented    = 4005
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 401:
		return ErrCodeUnauthorized
	case 403:
		return ErrCodeForbidden
	case 404:
		return ErrCodeBlobNotFound
	case 409:
		return ErrCodeConflict
	case 413:
		return ErrCodeRequestTooLarge
	case 416:
		return ErrCodeInvalidRange
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 501:
		return ErrCodeNotImplemented
	default:
		return 0
	}
}
