package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/geofence"
)

// Repository persists classes, enrollments and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateClass inserts a new class owned by its creator.
func (r *Repository) CreateClass(ctx context.Context, cls Class) (Class, error) {
	if cls.ID == "" {
		cls.ID = uuid.NewString()
	}
	if cls.Name == "" {
		return Class{}, errors.New("class name required")
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO classes (id, name, description, created_by, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, cls.ID, cls.Name, cls.Description, cls.CreatedBy, cls.PasswordHash)
	if err := row.Scan(&cls.CreatedAt); err != nil {
		return Class{}, err
	}
	return cls, nil
}

const classColumns = `id, name, COALESCE(description, ''), created_by, COALESCE(password_hash, ''),
	is_active, COALESCE(current_session_id, ''), COALESCE(last_session_id, ''),
	start_time, end_time, duration_minutes, created_at`

func scanClass(row interface{ Scan(...any) error }) (*Class, error) {
	var cls Class
	err := row.Scan(&cls.ID, &cls.Name, &cls.Description, &cls.CreatedBy, &cls.PasswordHash,
		&cls.IsActive, &cls.CurrentSessionID, &cls.LastSessionID,
		&cls.StartTime, &cls.EndTime, &cls.DurationMinutes, &cls.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cls, nil
}

// Class returns a single class by id.
func (r *Repository) Class(ctx context.Context, id string) (*Class, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, id)
	cls, err := scanClass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClassNotFound
	}
	return cls, err
}

// ListClasses returns all classes ordered by name.
func (r *Repository) ListClasses(ctx context.Context) ([]Class, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+classColumns+` FROM classes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Class
	for rows.Next() {
		cls, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cls)
	}
	return out, rows.Err()
}

// BeginSession flips a class active, guarded by its current state so two
// concurrent starts cannot both win.
func (r *Repository) BeginSession(ctx context.Context, classID, sessionID string, start time.Time, end *time.Time, durationMinutes int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE classes
		SET is_active = TRUE, current_session_id = $2, start_time = $3, end_time = $4, duration_minutes = $5
		WHERE id = $1 AND is_active = FALSE
	`, classID, sessionID, start, end, durationMinutes)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Class(ctx, classID); err != nil {
			return err
		}
		return ErrAlreadyActive
	}
	return nil
}

// FinalizeSession commits the close sweep atomically: insert-if-absent for
// every materialized record, then the state flip, in one transaction. A
// record already present for the composite id is never overwritten.
func (r *Repository) FinalizeSession(ctx context.Context, classID, sessionID string, records []Record, endedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := insertRecordIfAbsent(ctx, tx, rec); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE classes
		SET is_active = FALSE, end_time = $3, last_session_id = current_session_id, current_session_id = ''
		WHERE id = $1 AND is_active = TRUE AND current_session_id = $2
	`, classID, sessionID, endedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotActive
	}
	return tx.Commit()
}

func insertRecordIfAbsent(ctx context.Context, tx *sql.Tx, rec Record) error {
	loc, err := marshalLocation(rec.Location)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, user_email, user_name, roll_number, occurred_at, date, verified, location, class_id, session_id, automarked, manually_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.UserID, rec.UserEmail, rec.UserName, rec.RollNumber, rec.Timestamp, rec.Date,
		rec.Verified, loc, rec.ClassID, rec.SessionID, rec.Automarked, rec.ManuallyUpdated)
	return err
}

// UpsertRecord writes a record, overwriting an earlier write for the same
// composite id with the latest fields.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) error {
	loc, err := marshalLocation(rec.Location)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, user_email, user_name, roll_number, occurred_at, date, verified, location, class_id, session_id, automarked, manually_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			user_email = EXCLUDED.user_email,
			user_name = EXCLUDED.user_name,
			roll_number = EXCLUDED.roll_number,
			occurred_at = EXCLUDED.occurred_at,
			date = EXCLUDED.date,
			verified = EXCLUDED.verified,
			location = EXCLUDED.location,
			automarked = EXCLUDED.automarked
	`, rec.ID, rec.UserID, rec.UserEmail, rec.UserName, rec.RollNumber, rec.Timestamp, rec.Date,
		rec.Verified, loc, rec.ClassID, rec.SessionID, rec.Automarked, rec.ManuallyUpdated)
	return err
}

const recordColumns = `id, user_id, user_email, user_name, COALESCE(roll_number, ''), occurred_at, date,
	verified, location, class_id, session_id, automarked, manually_updated, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var loc []byte
	err := row.Scan(&rec.ID, &rec.UserID, &rec.UserEmail, &rec.UserName, &rec.RollNumber,
		&rec.Timestamp, &rec.Date, &rec.Verified, &loc, &rec.ClassID, &rec.SessionID,
		&rec.Automarked, &rec.ManuallyUpdated, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(loc) > 0 {
		var s geofence.Sample
		if err := json.Unmarshal(loc, &s); err != nil {
			return nil, err
		}
		rec.Location = &s
	}
	return &rec, nil
}

// Record returns a single record by its composite id.
func (r *Repository) Record(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// ListRecords returns all records for a class session, newest first.
func (r *Repository) ListRecords(ctx context.Context, classID, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE class_id = $1 AND session_id = $2
		ORDER BY occurred_at DESC
	`, classID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteSessionRecords removes every record of one session and reports how
// many were deleted.
func (r *Repository) DeleteSessionRecords(ctx context.Context, classID, sessionID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_records WHERE class_id = $1 AND session_id = $2
	`, classID, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ToggleRecord flips verified and stamps the manual override.
func (r *Repository) ToggleRecord(ctx context.Context, id string, now time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET verified = NOT verified, manually_updated = TRUE, updated_at = $2
		WHERE id = $1
		RETURNING `+recordColumns+`
	`, id, now)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// RequestEnrollment files a pending enrollment. The enrollments table is the
// single source of truth: one row per student system-wide, so a student
// already enrolled or pending anywhere is refused here, not patched up later.
func (r *Repository) RequestEnrollment(ctx context.Context, classID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, class_id, approved, requested_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, classID, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyPending
	}
	return nil
}

// ApproveEnrollment moves a pending student onto the roster.
func (r *Repository) ApproveEnrollment(ctx context.Context, classID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE enrollments SET approved = TRUE WHERE user_id = $1 AND class_id = $2
	`, userID, classID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// RemoveEnrollment drops a student's enrollment, pending or approved.
func (r *Repository) RemoveEnrollment(ctx context.Context, classID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM enrollments WHERE user_id = $1 AND class_id = $2
	`, userID, classID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// IsEnrolled reports whether a student is on the approved roster.
func (r *Repository) IsEnrolled(ctx context.Context, classID, userID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments WHERE user_id = $1 AND class_id = $2 AND approved
		)
	`, userID, classID)
	var ok bool
	return ok, row.Scan(&ok)
}

// Roster returns the approved students of a class with their directory
// profile, for record materialization.
func (r *Repository) Roster(ctx context.Context, classID string) ([]Student, error) {
	return r.students(ctx, classID, true)
}

// PendingStudents returns enrollment requests awaiting approval.
func (r *Repository) PendingStudents(ctx context.Context, classID string) ([]Student, error) {
	return r.students(ctx, classID, false)
}

func (r *Repository) students(ctx context.Context, classID string, approved bool) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.display_name, COALESCE(u.roll_number, '')
		FROM enrollments e
		JOIN users u ON u.id = e.user_id
		WHERE e.class_id = $1 AND e.approved = $2
		ORDER BY u.display_name
	`, classID, approved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.UserID, &s.Email, &s.Name, &s.RollNumber); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalLocation(s *geofence.Sample) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
