package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// User is a directory entry. DeviceID is the fingerprint bound to the account
// on first check-in; later check-ins must present the same value.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	RollNumber  string `json:"roll_number,omitempty"`
	DeviceID    string `json:"-"`
	IsAdmin     bool   `json:"is_admin"`
}

// ErrNotFound is returned when a user id is unknown.
var ErrNotFound = errors.New("user not found")

// Directory is the user-directory collaborator.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	SetUserField(ctx context.Context, id, field, value string) error
}

// Repository persists users in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// columns maps settable field names onto their columns. Anything else is
// rejected rather than interpolated.
var columns = map[string]string{
	"device_id":    "device_id",
	"display_name": "display_name",
	"roll_number":  "roll_number",
	"email":        "email",
}

// GetUser returns a single user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, COALESCE(roll_number, ''), COALESCE(device_id, ''), is_admin
		FROM users WHERE id = $1
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.RollNumber, &u.DeviceID, &u.IsAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// SetUserField updates one allowed profile field.
func (r *Repository) SetUserField(ctx context.Context, id, field, value string) error {
	col, ok := columns[field]
	if !ok {
		return fmt.Errorf("field %q is not settable", field)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET `+col+` = $2 WHERE id = $1`, id, value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser ensures a user record exists, updating profile fields on repeat.
func (r *Repository) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" || u.Email == "" {
		return errors.New("user id and email required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, roll_number, is_admin)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			roll_number = COALESCE(NULLIF(EXCLUDED.roll_number, ''), users.roll_number)
	`, u.ID, u.Email, u.DisplayName, u.RollNumber, u.IsAdmin)
	return err
}

// Memory is an in-process directory for tests and dev.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]User)}
}

// Add inserts or replaces a user.
func (m *Memory) Add(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

// GetUser returns a user by id.
func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// SetUserField updates one field.
func (m *Memory) SetUserField(ctx context.Context, id, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	switch field {
	case "device_id":
		u.DeviceID = value
	case "display_name":
		u.DisplayName = value
	case "roll_number":
		u.RollNumber = value
	case "email":
		u.Email = value
	default:
		return fmt.Errorf("field %q is not settable", field)
	}
	m.users[id] = u
	return nil
}
