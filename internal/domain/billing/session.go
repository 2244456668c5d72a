package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
)

// Common attendance statuses. Any non-empty status is accepted.
const (
	AttendancePresent = "present"
	AttendanceAbsent  = "absent"
	AttendanceLate    = "late"
)

// Session is a scheduled class or appointment held at a branch
type Session struct {
	shared.TenantEntity
	BranchID  uuid.UUID
	StartsAt  time.Time
	Attendees []SessionAttendance
}

// SessionAttendance records one attendee's status for a session
type SessionAttendance struct {
	shared.TenantEntity
	SessionID uuid.UUID
	UserID    uuid.UUID
	Status    string
}

// NewSession creates a session at branchID
func NewSession(tenantID, branchID uuid.UUID, startsAt time.Time) *Session {
	return &Session{
		TenantEntity: shared.NewTenantEntity(tenantID),
		BranchID:     branchID,
		StartsAt:     startsAt,
	}
}

// Record adds an attendance entry owned by the same tenant as the session
func (s *Session) Record(userID uuid.UUID, status string) (*SessionAttendance, error) {
	if status == "" {
		return nil, shared.NewDomainError("INVALID_ATTENDANCE_STATUS", "Attendance status cannot be empty")
	}
	a := SessionAttendance{
		TenantEntity: shared.NewTenantEntity(s.TenantID),
		SessionID:    s.ID,
		UserID:       userID,
		Status:       status,
	}
	s.Attendees = append(s.Attendees, a)
	return &s.Attendees[len(s.Attendees)-1], nil
}
