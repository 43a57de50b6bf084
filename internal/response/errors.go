package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired  ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid   ErrCode = "TOKEN_INVALID"
	ErrTokenExpired   ErrCode = "TOKEN_EXPIRED"
	ErrSessionExpired ErrCode = "SESSION_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrStaffAccessOnly   ErrCode = "STAFF_ACCESS_ONLY"
	ErrNotAttemptOwner   ErrCode = "NOT_ATTEMPT_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidAnswer  ErrCode = "INVALID_ANSWER"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrAttemptNotFound ErrCode = "ATTEMPT_NOT_FOUND"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrExamNotAvailable  ErrCode = "EXAM_NOT_AVAILABLE"
	ErrNoQuestions       ErrCode = "NO_QUESTIONS"
	ErrInvalidPhase      ErrCode = "INVALID_PHASE"
	ErrAttemptClosed     ErrCode = "ATTEMPT_CLOSED"
	ErrTimeUp            ErrCode = "TIME_UP"
	ErrSubmitFailed      ErrCode = "SUBMIT_FAILED"
	ErrPortalUnavailable ErrCode = "PORTAL_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."
	case ErrSessionExpired:
		return "Your session has expired. Please log in again."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrStaffAccessOnly:
		return "This resource is restricted to placement officers."
	case ErrNotAttemptOwner:
		return "This attempt belongs to another student."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrInvalidAnswer:
		return "The answer does not match any question or option of this exam."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrAttemptNotFound:
		return "Exam attempt not found."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "This exam is not currently available."
	case ErrNoQuestions:
		return "No questions are available for this exam."
	case ErrInvalidPhase:
		return "This action is not allowed at the current stage of the attempt."
	case ErrAttemptClosed:
		return "This attempt has been closed."
	case ErrTimeUp:
		return "Time is up. Answers can no longer be changed."
	case ErrSubmitFailed:
		return "Failed to submit answers. Please try again."
	case ErrPortalUnavailable:
		return "The placement portal could not be reached."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
