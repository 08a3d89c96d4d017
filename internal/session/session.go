// Package session owns slot occupancy for every user: upload reservations,
// the running-process registry and idle reclamation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/bothost/internal/supervisor"
)

// AllSlots selects every slot of a user in StopProcess and IsRunning.
const AllSlots = 0

var (
	// ErrCapacityExceeded is returned when every slot of the user is occupied.
	ErrCapacityExceeded = errors.New("all slots are in use")
	// ErrSessionNotFound is returned when no upload session or process matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSlotConflict is returned when a slot is already bound to a live process
	// or lies outside the allowed range.
	ErrSlotConflict = errors.New("slot conflict")
)

// Location records where an upload flow was started.
type Location string

const (
	LocationChannel Location = "channel"
	LocationDM      Location = "dm"
	LocationAPI     Location = "api"
)

// State of a slot as seen by the registry.
type State string

const (
	StateFree     State = "free"
	StateReserved State = "reserved"
	StateRunning  State = "running"
)

// Handle is the part of a child process the registry needs.
type Handle interface {
	PID() int
	Alive() bool
	Terminate(grace, killWait time.Duration) error
}

// SlotDirs hands out slot directories.
type SlotDirs interface {
	SlotDir(userID string, slot int) (string, error)
}

// UploadSession reserves a slot while an upload is in progress.
type UploadSession struct {
	ID        uuid.UUID
	UserID    string
	Slot      int
	Location  Location
	Dir       string
	StartedAt time.Time
	// Ready is set once delivered code passed the security gate; only then
	// may a process take over the slot.
	Ready bool
}

// RunningProcess binds a live process to a slot.
type RunningProcess struct {
	UserID    string
	Slot      int
	Handle    Handle
	Dir       string
	Sink      supervisor.OutputSink
	StartedAt time.Time
}

// SlotStatus describes one slot for display.
type SlotStatus struct {
	Slot  int       `json:"slot"`
	State State     `json:"state"`
	PID   int       `json:"pid,omitempty"`
	Since time.Time `json:"since,omitzero"`
}

// Config configures a Manager.
type Config struct {
	MaxSlots       int
	SessionTimeout time.Duration
	GracePeriod    time.Duration
	KillWait       time.Duration
}

// Manager is the single registry of upload sessions and running processes.
// Every exported method is atomic with respect to the others.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]map[int]*UploadSession
	running  map[string]map[int]*RunningProcess
	writing  map[string]map[int]bool // slots whose directory is being rewritten

	dirs    SlotDirs
	cfg     Config
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// NewManager creates an empty registry.
func NewManager(cfg Config, dirs SlotDirs, metrics *Metrics, logger *slog.Logger) *Manager {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 2
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 2 * time.Second
	}
	return &Manager{
		sessions: make(map[string]map[int]*UploadSession),
		running:  make(map[string]map[int]*RunningProcess),
		writing:  make(map[string]map[int]bool),
		dirs:     dirs,
		cfg:      cfg,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// MaxSlots returns the per-user slot limit.
func (m *Manager) MaxSlots() int { return m.cfg.MaxSlots }

// StartUploadSession reserves the lowest free slot for the user and returns
// the session with its slot directory. Concurrent callers never receive the
// same slot.
func (m *Manager) StartUploadSession(userID string, loc Location) (*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapLocked(userID)

	slot := 0
	for n := 1; n <= m.cfg.MaxSlots; n++ {
		if m.stateLocked(userID, n) == StateFree && !m.writing[userID][n] {
			slot = n
			break
		}
	}
	if slot == 0 {
		return nil, fmt.Errorf("%w: %d of %d slots occupied", ErrCapacityExceeded, m.cfg.MaxSlots, m.cfg.MaxSlots)
	}

	dir, err := m.dirs.SlotDir(userID, slot)
	if err != nil {
		return nil, fmt.Errorf("preparing slot directory: %w", err)
	}

	s := &UploadSession{
		ID:        uuid.New(),
		UserID:    userID,
		Slot:      slot,
		Location:  loc,
		Dir:       dir,
		StartedAt: m.now(),
	}
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[int]*UploadSession)
	}
	m.sessions[userID][slot] = s
	m.metrics.setSessions(m.sessionCountLocked())

	m.logger.Info("upload session started",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.String("location", string(loc)),
	)
	return s, nil
}

// EndUploadSession drops every upload reservation of the user. It never
// touches running processes and is a no-op when none exists.
func (m *Manager) EndUploadSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions[userID]) == 0 {
		return
	}
	delete(m.sessions, userID)
	m.metrics.setSessions(m.sessionCountLocked())
	m.logger.Debug("upload session ended", slog.String("user_id", userID))
}

// EndUploadSlot drops the reservation of a single slot.
func (m *Manager) EndUploadSlot(userID string, slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endSlotLocked(userID, slot)
}

// UploadSession returns the reservation for a slot.
func (m *Manager) UploadSession(userID string, slot int) (*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID][slot]
	if !ok {
		return nil, fmt.Errorf("%w: no upload in progress for slot %d", ErrSessionNotFound, slot)
	}
	cp := *s
	return &cp, nil
}

// RegisterRunningProcess binds a live process to a slot. Any upload
// reservation on that slot ends in the same step. A slot already bound to a
// live process is a conflict; it is never overwritten.
func (m *Manager) RegisterRunningProcess(userID string, slot int, h Handle, dir string, sink supervisor.OutputSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot < 1 || slot > m.cfg.MaxSlots {
		return fmt.Errorf("%w: slot %d outside 1..%d", ErrSlotConflict, slot, m.cfg.MaxSlots)
	}
	m.reapLocked(userID)
	if rp, ok := m.running[userID][slot]; ok {
		return fmt.Errorf("%w: slot %d already runs pid %d", ErrSlotConflict, slot, rp.Handle.PID())
	}
	if m.uploadPendingLocked(userID, slot) {
		return fmt.Errorf("%w: slot %d has an upload in progress", ErrSlotConflict, slot)
	}
	if len(m.running[userID]) >= m.cfg.MaxSlots {
		return ErrCapacityExceeded
	}

	m.endSlotLocked(userID, slot)
	if m.running[userID] == nil {
		m.running[userID] = make(map[int]*RunningProcess)
	}
	m.running[userID][slot] = &RunningProcess{
		UserID:    userID,
		Slot:      slot,
		Handle:    h,
		Dir:       dir,
		Sink:      sink,
		StartedAt: m.now(),
	}
	m.metrics.setRunning(m.runningCountLocked())

	m.logger.Info("process registered",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.Int("pid", h.PID()),
	)
	return nil
}

// ClaimUpload marks a reserved slot as being written so that no process can
// be registered on it until release is called. The slot must hold an upload
// session and no live process.
func (m *Manager) ClaimUpload(userID string, slot int) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID][slot]
	if !ok {
		return nil, fmt.Errorf("%w: no upload in progress for slot %d", ErrSessionNotFound, slot)
	}
	release, err = m.claimLocked(userID, slot)
	if err != nil {
		return nil, err
	}
	s.Ready = false
	return release, nil
}

// CompleteUpload marks the slot's delivered code as accepted. The
// reservation stays until a process is registered or the session ends.
func (m *Manager) CompleteUpload(userID string, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID][slot]
	if !ok {
		return fmt.Errorf("%w: no upload in progress for slot %d", ErrSessionNotFound, slot)
	}
	s.Ready = true
	return nil
}

// ClaimIdle is ClaimUpload for a slot that need not be reserved, such as one
// whose last run is being repaired.
func (m *Manager) ClaimIdle(userID string, slot int) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 1 || slot > m.cfg.MaxSlots {
		return nil, fmt.Errorf("%w: slot %d outside 1..%d", ErrSlotConflict, slot, m.cfg.MaxSlots)
	}
	return m.claimLocked(userID, slot)
}

// UploadPending reports whether the slot is claimed for writing or reserved
// by an upload whose code has not been accepted yet.
func (m *Manager) UploadPending(userID string, slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadPendingLocked(userID, slot)
}

func (m *Manager) uploadPendingLocked(userID string, slot int) bool {
	if m.writing[userID][slot] {
		return true
	}
	s, ok := m.sessions[userID][slot]
	return ok && !s.Ready
}

func (m *Manager) claimLocked(userID string, slot int) (func(), error) {
	m.reapLocked(userID)
	if _, ok := m.running[userID][slot]; ok {
		return nil, fmt.Errorf("%w: slot %d is running", ErrSlotConflict, slot)
	}
	if m.writing[userID][slot] {
		return nil, fmt.Errorf("%w: slot %d is already receiving code", ErrSlotConflict, slot)
	}
	if m.writing[userID] == nil {
		m.writing[userID] = make(map[int]bool)
	}
	m.writing[userID][slot] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.writing[userID], slot)
			if len(m.writing[userID]) == 0 {
				delete(m.writing, userID)
			}
		})
	}, nil
}

// StopProcess terminates the process in slot, or every process of the user
// when slot is AllSlots. Entries are removed whatever the termination
// outcome; stop failures are logged and returned joined. Stopping an empty
// slot succeeds.
func (m *Manager) StopProcess(ctx context.Context, userID string, slot int) error {
	m.mu.Lock()
	var targets []*RunningProcess
	for n, rp := range m.running[userID] {
		if slot == AllSlots || n == slot {
			targets = append(targets, rp)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, rp := range targets {
		if err := rp.Handle.Terminate(m.cfg.GracePeriod, m.cfg.KillWait); err != nil {
			m.metrics.stopFailed()
			m.logger.ErrorContext(ctx, "stopping process",
				slog.String("user_id", userID),
				slog.Int("slot", rp.Slot),
				slog.Int("pid", rp.Handle.PID()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		} else {
			m.logger.InfoContext(ctx, "process stopped",
				slog.String("user_id", userID),
				slog.Int("slot", rp.Slot),
			)
		}
	}

	m.mu.Lock()
	for _, rp := range targets {
		if cur, ok := m.running[userID][rp.Slot]; ok && cur == rp {
			delete(m.running[userID], rp.Slot)
		}
	}
	if len(m.running[userID]) == 0 {
		delete(m.running, userID)
	}
	m.metrics.setRunning(m.runningCountLocked())
	m.mu.Unlock()

	return errors.Join(errs...)
}

// Remove drops the registry entry for slot if it still holds h. Used by the
// monitor once the process exits on its own.
func (m *Manager) Remove(userID string, slot int, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rp, ok := m.running[userID][slot]; ok && rp.Handle == h {
		delete(m.running[userID], slot)
		if len(m.running[userID]) == 0 {
			delete(m.running, userID)
		}
		m.metrics.setRunning(m.runningCountLocked())
	}
}

// IsRunning reports whether a live process occupies slot, or any slot when
// slot is AllSlots. Dead entries are reaped.
func (m *Manager) IsRunning(userID string, slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(userID)
	if slot == AllSlots {
		return len(m.running[userID]) > 0
	}
	_, ok := m.running[userID][slot]
	return ok
}

// Process returns the registry entry for a slot.
func (m *Manager) Process(userID string, slot int) (*RunningProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(userID)
	rp, ok := m.running[userID][slot]
	if !ok {
		return nil, fmt.Errorf("%w: nothing running in slot %d", ErrSessionNotFound, slot)
	}
	cp := *rp
	return &cp, nil
}

// RunningCount returns the number of live processes across all users,
// reaping exited ones.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID := range m.running {
		m.reapLocked(userID)
	}
	n := m.runningCountLocked()
	m.metrics.setRunning(n)
	return n
}

// RunningCountFor returns the number of live processes of one user.
func (m *Manager) RunningCountFor(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(userID)
	return len(m.running[userID])
}

// Status lists every slot of the user with its current state.
func (m *Manager) Status(userID string) []SlotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(userID)

	out := make([]SlotStatus, 0, m.cfg.MaxSlots)
	for n := 1; n <= m.cfg.MaxSlots; n++ {
		st := SlotStatus{Slot: n, State: m.stateLocked(userID, n)}
		switch st.State {
		case StateRunning:
			rp := m.running[userID][n]
			st.PID = rp.Handle.PID()
			st.Since = rp.StartedAt
		case StateReserved:
			st.Since = m.sessions[userID][n].StartedAt
		}
		out = append(out, st)
	}
	return out
}

// ReclaimIdleSessions drops upload sessions started before now minus the
// session timeout. Running processes are never touched.
func (m *Manager) ReclaimIdleSessions(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.cfg.SessionTimeout)
	reclaimed := 0
	for userID, slots := range m.sessions {
		for slot, s := range slots {
			if s.StartedAt.Before(cutoff) {
				delete(slots, slot)
				reclaimed++
				m.logger.Info("idle upload session reclaimed",
					slog.String("user_id", userID),
					slog.Int("slot", slot),
					slog.Duration("idle", now.Sub(s.StartedAt)),
				)
			}
		}
		if len(slots) == 0 {
			delete(m.sessions, userID)
		}
	}
	if reclaimed > 0 {
		m.metrics.reclaimed(reclaimed)
		m.metrics.setSessions(m.sessionCountLocked())
	}
	return reclaimed
}

// Users returns every user with a running process, sorted.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.running))
	for u := range m.running {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (m *Manager) stateLocked(userID string, slot int) State {
	if _, ok := m.running[userID][slot]; ok {
		return StateRunning
	}
	if _, ok := m.sessions[userID][slot]; ok {
		return StateReserved
	}
	return StateFree
}

func (m *Manager) endSlotLocked(userID string, slot int) {
	slots := m.sessions[userID]
	if _, ok := slots[slot]; !ok {
		return
	}
	delete(slots, slot)
	if len(slots) == 0 {
		delete(m.sessions, userID)
	}
	m.metrics.setSessions(m.sessionCountLocked())
}

// reapLocked drops entries whose process has exited.
func (m *Manager) reapLocked(userID string) {
	slots := m.running[userID]
	for n, rp := range slots {
		if !rp.Handle.Alive() {
			delete(slots, n)
			m.logger.Debug("reaped exited process",
				slog.String("user_id", userID),
				slog.Int("slot", n),
			)
		}
	}
	if slots != nil && len(slots) == 0 {
		delete(m.running, userID)
	}
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, slots := range m.running {
		n += len(slots)
	}
	return n
}

func (m *Manager) sessionCountLocked() int {
	n := 0
	for _, slots := range m.sessions {
		n += len(slots)
	}
	return n
}
