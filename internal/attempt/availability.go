package attempt

import (
	"fmt"
	"strings"
	"time"

	"github.com/tpcell/attempt-runner/internal/model"
)

var activeStatuses = map[string]struct{}{
	"active":    {},
	"ongoing":   {},
	"published": {},
}

// IsActive reports whether exam can be attempted at now. When both window
// dates are set they decide alone; otherwise the status string does.
func IsActive(exam *model.ExamDescriptor, now time.Time) bool {
	if exam == nil {
		return false
	}
	if exam.StartDate != nil && exam.EndDate != nil {
		return !now.Before(*exam.StartDate) && !now.After(*exam.EndDate)
	}
	_, ok := activeStatuses[strings.ToLower(strings.TrimSpace(exam.Status))]
	return ok
}

// CheckAvailability returns nil for an active exam, otherwise an
// availability error naming the scheduled start or the reported status.
func CheckAvailability(exam *model.ExamDescriptor, now time.Time) *Error {
	if IsActive(exam, now) {
		return nil
	}
	if exam != nil && exam.StartDate != nil && exam.StartDate.After(now) {
		return &Error{
			Kind:     KindAvailability,
			Message:  "exam is scheduled to start at " + exam.StartDate.Format(time.RFC1123),
			Redirect: true,
		}
	}
	status := "unknown"
	if exam != nil && strings.TrimSpace(exam.Status) != "" {
		status = exam.Status
	}
	return &Error{
		Kind:     KindAvailability,
		Message:  fmt.Sprintf("exam is not currently available (status: %s)", status),
		Redirect: true,
	}
}
