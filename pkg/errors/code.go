package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Admission (packet intake) errors
// 12000-12999: Scheduler & Queue errors
// 13000-13999: Dispatch & Sandbox errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError   ErrorCode = 10200
	JournalError ErrorCode = 10201
	LockFailed   ErrorCode = 10202

	// Storage & MQ errors (10300-10399)
	StorageError ErrorCode = 10300
	PublishError ErrorCode = 10301

	// Validation errors (10400-10499)
	ValidationFailed ErrorCode = 10400
	InvalidFormat    ErrorCode = 10401

	// ========== Admission Errors (11000-11999) ==========

	// Archive container (11000-11099)
	MalformedArchive  ErrorCode = 11000
	ArchiveTooLarge   ErrorCode = 11001
	UnsafeArchivePath ErrorCode = 11002

	// Packet layout (11100-11199)
	PacketEntryUnrecognized ErrorCode = 11100
	PacketProgramMissing    ErrorCode = 11101
	PacketProgramTooLarge   ErrorCode = 11102
	PacketTestsMissing      ErrorCode = 11103
	PacketTestTooLarge      ErrorCode = 11104

	// ========== Scheduler & Queue Errors (12000-12999) ==========

	SubmissionNotFound  ErrorCode = 12000
	SubmissionNotQueued ErrorCode = 12001
	IllegalTransition   ErrorCode = 12002
	QueueEmpty          ErrorCode = 12003
	RecoveryFailed      ErrorCode = 12004

	// ========== Dispatch & Sandbox Errors (13000-13999) ==========

	DispatchSystemError ErrorCode = 13000
	SandboxSetupFailed  ErrorCode = 13001
	ExecutionTimeout    ErrorCode = 13002
	ExecutionCrash      ErrorCode = 13003
	AnalysisError       ErrorCode = 13004
	AttemptsExhausted   ErrorCode = 13005
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache & journal
	CacheError:   "Cache operation failed",
	JournalError: "Journal operation failed",
	LockFailed:   "Failed to acquire lock",

	// Storage & MQ
	StorageError: "Object storage operation failed",
	PublishError: "Failed to publish event",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Admission - archive container
	MalformedArchive:  "Request body is not a valid ZIP archive",
	ArchiveTooLarge:   "Archive exceeds the size limit",
	UnsafeArchivePath: "Archive contains an unsafe path",

	// Admission - packet layout
	PacketEntryUnrecognized: "Packet contains an unrecognized entry",
	PacketProgramMissing:    "main.c is missing from the packet",
	PacketProgramTooLarge:   "main.c exceeds the size limit",
	PacketTestsMissing:      "Packet is missing a test directory",
	PacketTestTooLarge:      "A test file exceeds the size limit",

	// Scheduler & queue
	SubmissionNotFound:  "Submission not found",
	SubmissionNotQueued: "Submission is not queued",
	IllegalTransition:   "Illegal submission state transition",
	QueueEmpty:          "Job queue is empty",
	RecoveryFailed:      "Failed to recover scheduler state",

	// Dispatch & sandbox
	DispatchSystemError: "Dispatch system error",
	SandboxSetupFailed:  "Failed to prepare sandbox workspace",
	ExecutionTimeout:    "Analysis exceeded its deadline",
	ExecutionCrash:      "Analysis sandbox crashed",
	AnalysisError:       "Analysis reported an error",
	AttemptsExhausted:   "Analysis failed after all retry attempts",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c >= 11000 && c < 12000: // Admission errors are user-caused
		return 400
	case c == NotFound, c == SubmissionNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10400 && c < 10500: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}

// IsAdmission reports whether the code describes a user-caused packet rejection.
func (c ErrorCode) IsAdmission() bool {
	return c >= 11000 && c < 12000
}

// IsRetryable reports whether the code describes an infrastructure failure the
// dispatcher may retry.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ExecutionTimeout, ExecutionCrash, SandboxSetupFailed:
		return true
	default:
		return false
	}
}
