package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"campusattend/internal/directory"
	"campusattend/internal/geofence"
)

// Store is the durable side of the engine: class state, enrollment roster and
// attendance records.
type Store interface {
	Class(ctx context.Context, id string) (*Class, error)
	// BeginSession flips the class to active iff it is currently inactive.
	BeginSession(ctx context.Context, classID, sessionID string, start time.Time, end *time.Time, durationMinutes int) error
	// FinalizeSession writes every record that does not already exist and
	// flips the class inactive, as one atomic operation.
	FinalizeSession(ctx context.Context, classID, sessionID string, records []Record, endedAt time.Time) error
	DeleteSessionRecords(ctx context.Context, classID, sessionID string) (int64, error)
	UpsertRecord(ctx context.Context, rec Record) error
	ToggleRecord(ctx context.Context, id string, now time.Time) (*Record, error)
	Roster(ctx context.Context, classID string) ([]Student, error)
	IsEnrolled(ctx context.Context, classID, userID string) (bool, error)
}

// PendingStore is the realtime scratch area for live check-ins.
type PendingStore interface {
	Put(ctx context.Context, p PendingCheckIn) error
	List(ctx context.Context, classID string) ([]PendingCheckIn, error)
	Clear(ctx context.Context, classID string) error
}

// LiveFeed pushes dashboard snapshots to subscribers.
type LiveFeed interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Deadlines schedules the automatic close of a timed session.
type Deadlines interface {
	Schedule(ctx context.Context, classID, sessionID string, endsAt time.Time) error
}

// EngineConfig wires the engine's collaborators. Feed and Deadlines are
// optional.
type EngineConfig struct {
	Store     Store
	Pending   PendingStore
	Users     directory.Directory
	Settings  geofence.SettingsSource
	Feed      LiveFeed
	Deadlines Deadlines
	Now       func() time.Time
}

// Engine drives a class's attendance lifecycle: inactive -> active ->
// inactive. Transitions for one class are serialized through a per-class
// mutex so two admins cannot race a start against an end.
type Engine struct {
	store     Store
	pending   PendingStore
	users     directory.Directory
	settings  geofence.SettingsSource
	feed      LiveFeed
	deadlines Deadlines
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine builds the engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		pending:   cfg.Pending,
		users:     cfg.Users,
		settings:  cfg.Settings,
		feed:      cfg.Feed,
		deadlines: cfg.Deadlines,
		now:       cfg.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) classLock(classID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[classID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[classID] = l
	}
	return l
}

// StartSession opens a session for the class. Rejected while another session
// is active. Any stale pending check-ins from a previous session are cleared
// before the class goes active. durationMinutes 0 means the session runs
// until ended manually; otherwise the end deadline is stamped and scheduled.
func (e *Engine) StartSession(ctx context.Context, classID string, durationMinutes int) (*Class, error) {
	lock := e.classLock(classID)
	lock.Lock()
	defer lock.Unlock()

	cls, err := e.store.Class(ctx, classID)
	if err != nil {
		return nil, err
	}
	if cls.IsActive {
		return nil, ErrAlreadyActive
	}

	start := e.now().UTC()
	sessionID := SessionID(classID, start)

	if err := e.pending.Clear(ctx, classID); err != nil {
		return nil, fmt.Errorf("clear stale pending: %w", err)
	}

	var end *time.Time
	if durationMinutes > 0 {
		t := start.Add(time.Duration(durationMinutes) * time.Minute)
		end = &t
	}
	if err := e.store.BeginSession(ctx, classID, sessionID, start, end, durationMinutes); err != nil {
		return nil, err
	}

	if end != nil && e.deadlines != nil {
		if err := e.deadlines.Schedule(ctx, classID, sessionID, *end); err != nil {
			log.Printf("schedule auto-close for %s failed: %v", sessionID, err)
		}
	}
	e.publish(ctx, classID, sessionID, true)

	cls.IsActive = true
	cls.CurrentSessionID = sessionID
	cls.StartTime = &start
	cls.EndTime = end
	cls.DurationMinutes = durationMinutes
	return cls, nil
}

// CheckIn records a student's presence during an active session. The sample
// must fall inside the campus geofence and the device fingerprint must match
// the one bound to the account (first check-in binds it). It writes both the
// transient pending entry and the durable verified record, under the same
// session id; repeats overwrite rather than duplicate.
func (e *Engine) CheckIn(ctx context.Context, classID, userID, deviceID string, sample geofence.Sample) (Record, error) {
	lock := e.classLock(classID)
	lock.Lock()
	defer lock.Unlock()

	cls, err := e.store.Class(ctx, classID)
	if err != nil {
		return Record{}, err
	}
	if !cls.IsActive || cls.CurrentSessionID == "" {
		return Record{}, ErrNotActive
	}

	enrolled, err := e.store.IsEnrolled(ctx, classID, userID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, ErrNotEnrolled
	}

	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if deviceID == "" {
		return Record{}, errors.New("device id required")
	}
	switch user.DeviceID {
	case "":
		if err := e.users.SetUserField(ctx, userID, "device_id", deviceID); err != nil {
			return Record{}, fmt.Errorf("bind device: %w", err)
		}
	case deviceID:
	default:
		return Record{}, ErrDeviceMismatch
	}

	cfg, err := e.settings.Settings(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("load geo settings: %w", err)
	}
	verdict := geofence.Evaluate(sample, cfg)
	if !verdict.WithinCampus {
		return Record{}, &OutOfRangeError{DistanceMeters: verdict.DistanceMeters, MaxRadius: cfg.MaxRadiusMeters}
	}

	now := e.now().UTC()
	sessionID := cls.CurrentSessionID
	loc := sample
	rec := Record{
		ID:         RecordID(userID, classID, sessionID),
		UserID:     userID,
		UserEmail:  user.Email,
		UserName:   user.DisplayName,
		RollNumber: user.RollNumber,
		Timestamp:  now,
		Date:       now.Format("2006-01-02"),
		Verified:   true,
		Location:   &loc,
		ClassID:    classID,
		SessionID:  sessionID,
	}

	// Pending first for dashboard visibility, then the durable source of truth.
	if err := e.pending.Put(ctx, PendingCheckIn{
		UserID:      userID,
		Email:       user.Email,
		Name:        user.DisplayName,
		RollNumber:  user.RollNumber,
		TimestampMs: now.UnixMilli(),
		Date:        rec.Date,
		ClassID:     classID,
		SessionID:   sessionID,
	}); err != nil {
		return Record{}, fmt.Errorf("write pending check-in: %w", err)
	}
	if err := e.store.UpsertRecord(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("write attendance record: %w", err)
	}
	e.publish(ctx, classID, sessionID, true)
	return rec, nil
}

// CloseSummary reports what EndSession materialized.
type CloseSummary struct {
	SessionID  string `json:"session_id"`
	Present    int    `json:"present"`
	Automarked int    `json:"automarked"`
}

// EndSession closes the active session: every pending check-in gets a
// verified record (a no-op when CheckIn already wrote it), every other
// enrolled student is automarked absent, and only after those records are
// committed atomically does the class flip inactive and the pending area get
// cleared. A record already present for the session always wins over the
// automark. Rerunning after a partial failure is safe because every write is
// keyed by the composite record id.
func (e *Engine) EndSession(ctx context.Context, classID string) (*CloseSummary, error) {
	lock := e.classLock(classID)
	lock.Lock()
	defer lock.Unlock()

	cls, err := e.store.Class(ctx, classID)
	if err != nil {
		return nil, err
	}
	if !cls.IsActive || cls.CurrentSessionID == "" {
		return nil, ErrNotActive
	}
	sessionID := cls.CurrentSessionID

	pendings, err := e.pending.List(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("read pending check-ins: %w", err)
	}
	roster, err := e.store.Roster(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	now := e.now().UTC()
	date := now.Format("2006-01-02")
	present := make(map[string]bool, len(pendings))
	records := make([]Record, 0, len(roster)+len(pendings))

	for _, p := range pendings {
		present[p.UserID] = true
		records = append(records, Record{
			ID:         RecordID(p.UserID, classID, sessionID),
			UserID:     p.UserID,
			UserEmail:  p.Email,
			UserName:   p.Name,
			RollNumber: p.RollNumber,
			Timestamp:  time.UnixMilli(p.TimestampMs).UTC(),
			Date:       p.Date,
			Verified:   true,
			ClassID:    classID,
			SessionID:  sessionID,
		})
	}
	automarked := 0
	for _, s := range roster {
		if present[s.UserID] {
			continue
		}
		automarked++
		records = append(records, Record{
			ID:         RecordID(s.UserID, classID, sessionID),
			UserID:     s.UserID,
			UserEmail:  s.Email,
			UserName:   s.Name,
			RollNumber: s.RollNumber,
			Timestamp:  now,
			Date:       date,
			Verified:   false,
			Automarked: true,
			ClassID:    classID,
			SessionID:  sessionID,
		})
	}

	if err := e.store.FinalizeSession(ctx, classID, sessionID, records, now); err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}

	// The pending area mirrors data already committed above, so a failure
	// here only leaves stale entries for the next StartSession to clear.
	if err := e.pending.Clear(ctx, classID); err != nil {
		log.Printf("clear pending for %s failed: %v", classID, err)
	}
	e.publish(ctx, classID, "", false)

	return &CloseSummary{SessionID: sessionID, Present: len(present), Automarked: automarked}, nil
}

// DeleteSession removes every record of a past session. Refused while the
// class is active so a live session's data cannot be destroyed.
func (e *Engine) DeleteSession(ctx context.Context, classID, sessionID string) (int64, error) {
	lock := e.classLock(classID)
	lock.Lock()
	defer lock.Unlock()

	cls, err := e.store.Class(ctx, classID)
	if err != nil {
		return 0, err
	}
	if cls.IsActive {
		return 0, ErrSessionLive
	}
	return e.store.DeleteSessionRecords(ctx, classID, sessionID)
}

// ToggleRecordStatus is the admin override: it flips Verified and marks the
// record manually updated. It sits outside the state machine and is allowed
// at any time after finalization.
func (e *Engine) ToggleRecordStatus(ctx context.Context, recordID string) (*Record, error) {
	return e.store.ToggleRecord(ctx, recordID, e.now().UTC())
}

func (e *Engine) publish(ctx context.Context, classID, sessionID string, active bool) {
	if e.feed == nil {
		return
	}
	pendings, err := e.pending.List(ctx, classID)
	if err != nil {
		log.Printf("snapshot pending for %s failed: %v", classID, err)
		return
	}
	snap := Snapshot{
		ClassID:   classID,
		SessionID: sessionID,
		Active:    active,
		Pending:   pendings,
		At:        e.now().UTC(),
	}
	if err := e.feed.Publish(ctx, snap); err != nil {
		log.Printf("publish snapshot for %s failed: %v", classID, err)
	}
}
