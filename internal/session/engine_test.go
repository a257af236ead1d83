package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campusattend/internal/directory"
	"campusattend/internal/geofence"
)

var testSettings = geofence.StaticSettings{
	CenterLatitude:  22.6288,
	CenterLongitude: 88.4682,
	MaxRadiusMeters: 50,
}

// fakeStore mirrors the Repository's semantics in memory.
type fakeStore struct {
	mu       sync.Mutex
	classes  map[string]Class
	records  map[string]Record
	roster   map[string][]Student
	enrolled map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		classes:  make(map[string]Class),
		records:  make(map[string]Record),
		roster:   make(map[string][]Student),
		enrolled: make(map[string]map[string]bool),
	}
}

func (s *fakeStore) addClass(cls Class) {
	s.mu.Lock()
	s.classes[cls.ID] = cls
	s.mu.Unlock()
}

func (s *fakeStore) enroll(classID string, st Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster[classID] = append(s.roster[classID], st)
	if s.enrolled[classID] == nil {
		s.enrolled[classID] = make(map[string]bool)
	}
	s.enrolled[classID][st.UserID] = true
}

func (s *fakeStore) Class(ctx context.Context, id string) (*Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cls, ok := s.classes[id]
	if !ok {
		return nil, ErrClassNotFound
	}
	return &cls, nil
}

func (s *fakeStore) BeginSession(ctx context.Context, classID, sessionID string, start time.Time, end *time.Time, durationMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cls, ok := s.classes[classID]
	if !ok {
		return ErrClassNotFound
	}
	if cls.IsActive {
		return ErrAlreadyActive
	}
	cls.IsActive = true
	cls.CurrentSessionID = sessionID
	cls.StartTime = &start
	cls.EndTime = end
	cls.DurationMinutes = durationMinutes
	s.classes[classID] = cls
	return nil
}

func (s *fakeStore) FinalizeSession(ctx context.Context, classID, sessionID string, records []Record, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cls, ok := s.classes[classID]
	if !ok {
		return ErrClassNotFound
	}
	if !cls.IsActive || cls.CurrentSessionID != sessionID {
		return ErrNotActive
	}
	for _, rec := range records {
		if _, exists := s.records[rec.ID]; !exists {
			s.records[rec.ID] = rec
		}
	}
	cls.IsActive = false
	cls.LastSessionID = cls.CurrentSessionID
	cls.CurrentSessionID = ""
	cls.EndTime = &endedAt
	s.classes[classID] = cls
	return nil
}

func (s *fakeStore) DeleteSessionRecords(ctx context.Context, classID, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.ClassID == classID && rec.SessionID == sessionID {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) UpsertRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) ToggleRecord(ctx context.Context, id string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec.Verified = !rec.Verified
	rec.ManuallyUpdated = true
	rec.UpdatedAt = &now
	s.records[id] = rec
	return &rec, nil
}

func (s *fakeStore) Roster(ctx context.Context, classID string) ([]Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Student(nil), s.roster[classID]...), nil
}

func (s *fakeStore) IsEnrolled(ctx context.Context, classID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrolled[classID][userID], nil
}

func (s *fakeStore) record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *fakeStore) sessionRecords(classID, sessionID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.ClassID == classID && rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

type fixture struct {
	engine  *Engine
	store   *fakeStore
	pending *MemoryPending
	users   *directory.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	pending := NewMemoryPending()
	users := directory.NewMemory()

	st.addClass(Class{ID: "cs101", Name: "Intro CS", CreatedBy: "admin1"})
	for _, u := range []directory.User{
		{ID: "s1", Email: "s1@campus.edu", DisplayName: "Student One", RollNumber: "R1"},
		{ID: "s2", Email: "s2@campus.edu", DisplayName: "Student Two", RollNumber: "R2"},
		{ID: "s3", Email: "s3@campus.edu", DisplayName: "Student Three", RollNumber: "R3"},
	} {
		users.Add(u)
		st.enroll("cs101", Student{UserID: u.ID, Email: u.Email, Name: u.DisplayName, RollNumber: u.RollNumber})
	}

	engine := NewEngine(EngineConfig{
		Store:    st,
		Pending:  pending,
		Users:    users,
		Settings: testSettings,
	})
	return &fixture{engine: engine, store: st, pending: pending, users: users}
}

func onCampus() geofence.Sample {
	return geofence.Sample{Latitude: 22.6288, Longitude: 88.4682, AccuracyMeters: 5, CapturedAt: time.Now()}
}

func offCampus() geofence.Sample {
	// ~600m north of the campus center.
	return geofence.Sample{Latitude: 22.6342, Longitude: 88.4682, AccuracyMeters: 5, CapturedAt: time.Now()}
}

func TestStartSessionRejectsWhileActive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	cls, err := fx.engine.StartSession(ctx, "cs101", 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !cls.IsActive || cls.CurrentSessionID == "" {
		t.Fatalf("class must be active with a session id, got %+v", cls)
	}

	if _, err := fx.engine.StartSession(ctx, "cs101", 0); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second start: got %v, want ErrAlreadyActive", err)
	}

	// State unchanged.
	stored, _ := fx.store.Class(ctx, "cs101")
	if stored.CurrentSessionID != cls.CurrentSessionID {
		t.Errorf("rejected start must not change state: %q vs %q", stored.CurrentSessionID, cls.CurrentSessionID)
	}
}

func TestStartSessionClearsStalePending(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A leftover entry from a session that was never cleaned up.
	fx.pending.Put(ctx, PendingCheckIn{UserID: "ghost", ClassID: "cs101", SessionID: "cs101_0"})

	if _, err := fx.engine.StartSession(ctx, "cs101", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	pendings, _ := fx.pending.List(ctx, "cs101")
	if len(pendings) != 0 {
		t.Errorf("stale pending entries must be cleared on start, found %d", len(pendings))
	}
}

func TestStartSessionStampsDeadline(t *testing.T) {
	fx := newFixture(t)
	cls, err := fx.engine.StartSession(context.Background(), "cs101", 30)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if cls.EndTime == nil {
		t.Fatal("timed session must carry an end time")
	}
	got := cls.EndTime.Sub(*cls.StartTime)
	if got != 30*time.Minute {
		t.Errorf("end-start = %v, want 30m", got)
	}
}

func TestCheckInRequiresActiveSession(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.CheckIn(context.Background(), "cs101", "s1", "dev-1", onCampus())
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("got %v, want ErrNotActive", err)
	}
}

func TestCheckInRejectsOutOfRange(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.engine.StartSession(ctx, "cs101", 0)

	_, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", offCampus())
	var oor *OutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("got %v, want OutOfRangeError", err)
	}
	if oor.DistanceMeters < 550 || oor.DistanceMeters > 650 {
		t.Errorf("reported distance %vm, want ~600m", oor.DistanceMeters)
	}
	if pendings, _ := fx.pending.List(ctx, "cs101"); len(pendings) != 0 {
		t.Error("a refused check-in must write nothing")
	}
}

func TestCheckInRejectsUnenrolled(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.users.Add(directory.User{ID: "outsider", Email: "x@campus.edu", DisplayName: "X"})
	fx.engine.StartSession(ctx, "cs101", 0)

	if _, err := fx.engine.CheckIn(ctx, "cs101", "outsider", "dev-x", onCampus()); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("got %v, want ErrNotEnrolled", err)
	}
}

func TestCheckInBindsAndEnforcesDevice(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.engine.StartSession(ctx, "cs101", 0)

	// First check-in binds the device to the account.
	if _, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", onCampus()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	u, _ := fx.users.GetUser(ctx, "s1")
	if u.DeviceID != "dev-1" {
		t.Fatalf("device not bound: %q", u.DeviceID)
	}

	// A different device is proxy attendance.
	if _, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-2", onCampus()); !errors.Is(err, ErrDeviceMismatch) {
		t.Errorf("got %v, want ErrDeviceMismatch", err)
	}
}

func TestCheckInIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cls, _ := fx.engine.StartSession(ctx, "cs101", 0)
	sessionID := cls.CurrentSessionID

	first, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", onCampus())
	if err != nil {
		t.Fatalf("first CheckIn: %v", err)
	}
	later := onCampus()
	later.AccuracyMeters = 9
	second, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", later)
	if err != nil {
		t.Fatalf("second CheckIn: %v", err)
	}
	if first.ID != second.ID || second.ID != RecordID("s1", "cs101", sessionID) {
		t.Errorf("repeat check-in must reuse the composite id")
	}

	if recs := fx.store.sessionRecords("cs101", sessionID); len(recs) != 1 {
		t.Fatalf("want exactly 1 record, got %d", len(recs))
	}
	rec, _ := fx.store.record(second.ID)
	if rec.Location == nil || rec.Location.AccuracyMeters != 9 {
		t.Errorf("latest write's fields must win, got %+v", rec.Location)
	}
	if pendings, _ := fx.pending.List(ctx, "cs101"); len(pendings) != 1 {
		t.Errorf("pending area must hold one entry per user, got %d", len(pendings))
	}
}

func TestEndSessionTotality(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cls, _ := fx.engine.StartSession(ctx, "cs101", 0)
	sessionID := cls.CurrentSessionID

	// 2 of 3 enrolled students check in.
	if _, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", onCampus()); err != nil {
		t.Fatalf("CheckIn s1: %v", err)
	}
	if _, err := fx.engine.CheckIn(ctx, "cs101", "s2", "dev-2", onCampus()); err != nil {
		t.Fatalf("CheckIn s2: %v", err)
	}

	summary, err := fx.engine.EndSession(ctx, "cs101")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if summary.Present != 2 || summary.Automarked != 1 {
		t.Errorf("summary = %+v, want 2 present / 1 automarked", summary)
	}

	recs := fx.store.sessionRecords("cs101", sessionID)
	if len(recs) != 3 {
		t.Fatalf("want one record per enrolled student, got %d", len(recs))
	}
	verified := map[string]bool{}
	for _, rec := range recs {
		verified[rec.UserID] = rec.Verified
		if rec.UserID == "s3" {
			if rec.Verified || !rec.Automarked {
				t.Errorf("s3 must be automarked absent, got %+v", rec)
			}
		} else if !rec.Verified || rec.Automarked {
			t.Errorf("%s must be verified present, got %+v", rec.UserID, rec)
		}
	}
	if len(verified) != 3 {
		t.Errorf("records must cover all students, got %v", verified)
	}

	// State flipped, pending drained, ids rotated.
	stored, _ := fx.store.Class(ctx, "cs101")
	if stored.IsActive || stored.CurrentSessionID != "" || stored.LastSessionID != sessionID {
		t.Errorf("close must rotate session ids, got %+v", stored)
	}
	if pendings, _ := fx.pending.List(ctx, "cs101"); len(pendings) != 0 {
		t.Error("pending area must be drained on close")
	}

	if _, err := fx.engine.EndSession(ctx, "cs101"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second end: got %v, want ErrNotActive", err)
	}
}

func TestEndSessionNeverOverwritesExistingRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cls, _ := fx.engine.StartSession(ctx, "cs101", 0)
	sessionID := cls.CurrentSessionID

	// A manual entry made for s3 before the sweep.
	manual := Record{
		ID:        RecordID("s3", "cs101", sessionID),
		UserID:    "s3",
		UserEmail: "s3@campus.edu",
		UserName:  "Student Three",
		Verified:  true,
		ClassID:   "cs101",
		SessionID: sessionID,
	}
	fx.store.UpsertRecord(ctx, manual)

	if _, err := fx.engine.EndSession(ctx, "cs101"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	rec, _ := fx.store.record(manual.ID)
	if !rec.Verified || rec.Automarked {
		t.Errorf("existing record must win over the automark, got %+v", rec)
	}
}

func TestDeleteSessionGuardsLiveSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cls, _ := fx.engine.StartSession(ctx, "cs101", 0)
	fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", onCampus())
	sessionID := cls.CurrentSessionID

	if _, err := fx.engine.DeleteSession(ctx, "cs101", sessionID); !errors.Is(err, ErrSessionLive) {
		t.Fatalf("delete while live: got %v, want ErrSessionLive", err)
	}

	fx.engine.EndSession(ctx, "cs101")
	deleted, err := fx.engine.DeleteSession(ctx, "cs101", sessionID)
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted %d records, want 3", deleted)
	}
	if recs := fx.store.sessionRecords("cs101", sessionID); len(recs) != 0 {
		t.Errorf("records must be gone, found %d", len(recs))
	}
}

func TestToggleRecordStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.engine.StartSession(ctx, "cs101", 0)
	rec, err := fx.engine.CheckIn(ctx, "cs101", "s1", "dev-1", onCampus())
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	fx.engine.EndSession(ctx, "cs101")

	toggled, err := fx.engine.ToggleRecordStatus(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ToggleRecordStatus: %v", err)
	}
	if toggled.Verified {
		t.Error("toggle must flip verified to false")
	}
	if !toggled.ManuallyUpdated || toggled.UpdatedAt == nil {
		t.Errorf("toggle must stamp the manual override, got %+v", toggled)
	}

	back, _ := fx.engine.ToggleRecordStatus(ctx, rec.ID)
	if !back.Verified {
		t.Error("second toggle must flip verified back to true")
	}
}

func TestToggleRecordStatusUnknownRecord(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.engine.ToggleRecordStatus(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	at := time.Unix(1717000000, 0)
	if got := SessionID("cs101", at); got != "cs101_1717000000" {
		t.Errorf("SessionID = %q", got)
	}
	if SessionID("cs101", at) != SessionID("cs101", at) {
		t.Error("same class and time must yield the same id")
	}
}
