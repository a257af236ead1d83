package session

import (
	"errors"
	"fmt"
	"time"

	"campusattend/internal/geofence"
)

// Class is the unit of enrollment. At most one session is active per class;
// CurrentSessionID is non-empty iff IsActive is true.
type Class struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	CreatedBy        string     `json:"created_by"`
	PasswordHash     string     `json:"-"`
	IsActive         bool       `json:"is_active"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	LastSessionID    string     `json:"last_session_id,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	DurationMinutes  int        `json:"duration_minutes"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Student is one roster entry, denormalized from the user directory for
// record materialization.
type Student struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	RollNumber string `json:"roll_number,omitempty"`
}

// PendingCheckIn is the transient live-dashboard projection of a successful
// check-in, keyed by (classID, userID). It holds nothing that is not already
// mirrored into the durable record, so clearing it at session boundaries is
// always safe.
type PendingCheckIn struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	RollNumber  string `json:"roll_number,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	Date        string `json:"date"`
	ClassID     string `json:"class_id"`
	SessionID   string `json:"session_id"`
}

// Record is the durable attendance record. Its id is the composite
// <userID>_<classID>_<sessionID>, which makes every write for a session
// naturally idempotent. Verified=true means present; Automarked marks a
// system-generated absence.
type Record struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	UserEmail       string           `json:"user_email"`
	UserName        string           `json:"user_name"`
	RollNumber      string           `json:"roll_number,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Date            string           `json:"date"`
	Verified        bool             `json:"verified"`
	Location        *geofence.Sample `json:"location,omitempty"`
	ClassID         string           `json:"class_id"`
	SessionID       string           `json:"session_id"`
	Automarked      bool             `json:"automarked,omitempty"`
	ManuallyUpdated bool             `json:"manually_updated,omitempty"`
	UpdatedAt       *time.Time       `json:"updated_at,omitempty"`
}

// RecordID builds the composite record key.
func RecordID(userID, classID, sessionID string) string {
	return userID + "_" + classID + "_" + sessionID
}

// SessionID derives the deterministic session id for a class started at t.
func SessionID(classID string, t time.Time) string {
	return fmt.Sprintf("%s_%d", classID, t.Unix())
}

// Snapshot is one full-state push for the live dashboard. Consumers replace
// their view wholesale; pushes are never deltas.
type Snapshot struct {
	ClassID   string           `json:"class_id"`
	SessionID string           `json:"session_id,omitempty"`
	Active    bool             `json:"active"`
	Pending   []PendingCheckIn `json:"pending"`
	At        time.Time        `json:"at"`
}

// State machine and policy violations, rejected before any write.
var (
	ErrClassNotFound  = errors.New("class not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrAlreadyActive  = errors.New("session already active")
	ErrNotActive      = errors.New("no active session")
	ErrSessionLive    = errors.New("session is live, end it first")
	ErrNotEnrolled    = errors.New("student not enrolled in class")
	ErrDeviceMismatch = errors.New("check-in from an unrecognized device")
	ErrAlreadyPending = errors.New("enrollment request already exists")
)

// OutOfRangeError is the normal negative geofence verdict, carried as an
// error so handlers can refuse the check-in with the measured distance.
type OutOfRangeError struct {
	DistanceMeters float64
	MaxRadius      float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("outside campus: %.0fm from center, limit %.0fm", e.DistanceMeters, e.MaxRadius)
}
