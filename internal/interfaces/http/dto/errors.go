package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Request error codes
const (
	ErrCodeValidation   = "ERR_VALIDATION"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
)

// Resource error codes
const (
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists       = "ERR_ALREADY_EXISTS"
	ErrCodeConflict            = "ERR_CONFLICT"
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
	ErrCodeInvalidState        = "ERR_INVALID_STATE"
)

// Fiscal document error codes
const (
	// ErrCodeDocumentInvalid is a document field the authority would refuse
	ErrCodeDocumentInvalid = "ERR_NFE_VALIDATION"
	// ErrCodeRejected carries an authority refusal
	ErrCodeRejected = "ERR_NFE_REJECTED"
	// ErrCodeCredential is a signing certificate that could not be loaded
	ErrCodeCredential = "ERR_NFE_CREDENTIAL"
	// ErrCodeUnavailable is a storage, queue or authority failure
	ErrCodeUnavailable = "ERR_NFE_UNAVAILABLE"

	ErrCodeAlreadyAuthorized      = "ERR_NFE_ALREADY_AUTHORIZED"
	ErrCodeInProgress             = "ERR_NFE_IN_PROGRESS"
	ErrCodeAlreadyCancelled       = "ERR_NFE_ALREADY_CANCELLED"
	ErrCodeNotAuthorized          = "ERR_NFE_NOT_AUTHORIZED"
	ErrCodeMissingProtocol        = "ERR_NFE_MISSING_PROTOCOL"
	ErrCodeDuplicateNumber        = "ERR_NFE_DUPLICATE_NUMBER"
	ErrCodeCancellationInProgress = "ERR_NFE_CANCELLATION_IN_PROGRESS"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,

	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeAlreadyExists:       http.StatusConflict,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeConcurrencyConflict: http.StatusConflict,
	ErrCodeInvalidState:        http.StatusUnprocessableEntity,

	ErrCodeDocumentInvalid: http.StatusUnprocessableEntity,
	ErrCodeRejected:        http.StatusUnprocessableEntity,
	ErrCodeCredential:      http.StatusFailedDependency,
	ErrCodeUnavailable:     http.StatusBadGateway,

	ErrCodeAlreadyAuthorized:      http.StatusConflict,
	ErrCodeInProgress:             http.StatusConflict,
	ErrCodeAlreadyCancelled:       http.StatusConflict,
	ErrCodeCancellationInProgress: http.StatusConflict,
	ErrCodeDuplicateNumber:        http.StatusConflict,
	ErrCodeNotAuthorized:          http.StatusUnprocessableEntity,
	ErrCodeMissingProtocol:        http.StatusUnprocessableEntity,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// LegacyErrorCodeMapping maps domain error codes to the API codes
var LegacyErrorCodeMapping = map[string]string{
	"NOT_FOUND":            ErrCodeNotFound,
	"ALREADY_EXISTS":       ErrCodeAlreadyExists,
	"INVALID_INPUT":        ErrCodeInvalidInput,
	"INVALID_STATE":        ErrCodeInvalidState,
	"CONCURRENCY_CONFLICT": ErrCodeConcurrencyConflict,
	"VALIDATION_ERROR":     ErrCodeValidation,
	"BAD_REQUEST":          ErrCodeBadRequest,
	"INTERNAL_ERROR":       ErrCodeInternal,

	"NFE_VALIDATION":               ErrCodeDocumentInvalid,
	"NFE_REJECTED":                 ErrCodeRejected,
	"NFE_CREDENTIAL":               ErrCodeCredential,
	"NFE_ALREADY_AUTHORIZED":       ErrCodeAlreadyAuthorized,
	"NFE_IN_PROGRESS":              ErrCodeInProgress,
	"NFE_ALREADY_CANCELLED":        ErrCodeAlreadyCancelled,
	"NFE_NOT_AUTHORIZED":           ErrCodeNotAuthorized,
	"NFE_MISSING_PROTOCOL":         ErrCodeMissingProtocol,
	"NFE_DUPLICATE_NUMBER":         ErrCodeDuplicateNumber,
	"NFE_CANCELLATION_IN_PROGRESS": ErrCodeCancellationInProgress,
}

// NormalizeErrorCode converts a domain error code to the standardized format
// If the code is already in the new format or unknown, returns it as-is
func NormalizeErrorCode(code string) string {
	if newCode, ok := LegacyErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}
