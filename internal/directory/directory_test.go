package directory

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Add(User{ID: "s1", Email: "s1@campus.edu", DisplayName: "Student One"})

	if _, err := m.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	if err := m.SetUserField(ctx, "s1", "device_id", "dev-1"); err != nil {
		t.Fatalf("SetUserField: %v", err)
	}
	u, err := m.GetUser(ctx, "s1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DeviceID != "dev-1" {
		t.Errorf("device id = %q, want dev-1", u.DeviceID)
	}

	if err := m.SetUserField(ctx, "s1", "is_admin", "true"); err == nil {
		t.Error("unknown field must be rejected")
	}
}
