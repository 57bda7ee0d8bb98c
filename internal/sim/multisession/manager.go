package multisession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/session"
	"resourceisland/internal/sim/tuning"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrSessionExists   = errors.New("session id already in use")
	ErrClosed          = errors.New("manager closed")
)

// Config carries what every session opened by the manager shares.
type Config struct {
	Tuning   tuning.Tuning
	Catalogs *catalogs.Catalogs

	// DefaultID names the session served by the single-room aliases.
	DefaultID string
	// StateFile, when set, receives a JSON index of known sessions.
	StateFile string

	Logger      *log.Logger
	Verifier    session.AdminVerifier
	Mirror      session.Mirror
	PhaseLogger session.PhaseLogger
	AuditLogger session.AuditLogger
	Results     session.ResultRecorder

	// SeedFn overrides the per-session seed. Defaults to wall-clock nanos.
	SeedFn func(id string) uint64
	// OnFinish is called once per session after Run returns.
	OnFinish func(session.Summary)
}

type entry struct {
	s          *session.Session
	finishedAt time.Time
}

// Manager owns every live session and runs each on its own goroutine.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu        sync.RWMutex
	sessions  map[string]*entry
	defaultID string
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	runWG  sync.WaitGroup

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	reapEvery       time.Duration
	reapStop        chan struct{}
	reapWG          sync.WaitGroup
	closeOnce       sync.Once
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Catalogs == nil {
		return nil, fmt.Errorf("multisession: missing catalogs")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("multisession: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:             cfg,
		logger:          logger,
		sessions:        map[string]*entry{},
		ctx:             ctx,
		cancel:          cancel,
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistStop:     make(chan struct{}),
		reapEvery:       time.Second,
		reapStop:        make(chan struct{}),
	}
	if cfg.DefaultID != "" {
		if _, err := m.Create(cfg.DefaultID); err != nil {
			cancel()
			return nil, err
		}
		m.defaultID = cfg.DefaultID
	}
	m.persistWG.Add(1)
	go m.persistLoop()
	m.reapWG.Add(1)
	go m.reapLoop()
	return m, nil
}

// Create opens and starts a session. An empty id gets a random one.
func (m *Manager) Create(id string) (*session.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if limit := m.cfg.Tuning.Sessions.MaxSessions; limit > 0 && m.liveLocked() >= limit {
		return nil, ErrTooManySessions
	}

	seed := uint64(time.Now().UnixNano())
	if m.cfg.SeedFn != nil {
		seed = m.cfg.SeedFn(id)
	}
	s, err := session.New(session.Config{
		ID:          id,
		Tuning:      m.cfg.Tuning,
		Catalogs:    m.cfg.Catalogs,
		Seed:        seed,
		Logger:      log.New(m.logger.Writer(), fmt.Sprintf("[session %s] ", id), m.logger.Flags()),
		Verifier:    m.cfg.Verifier,
		Mirror:      m.cfg.Mirror,
		PhaseLogger: m.cfg.PhaseLogger,
		AuditLogger: m.cfg.AuditLogger,
		Results:     m.cfg.Results,
	})
	if err != nil {
		return nil, err
	}
	e := &entry{s: s}
	m.sessions[id] = e

	m.runWG.Add(1)
	go func() {
		defer m.runWG.Done()
		if err := s.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("session %s: %v", id, err)
		}
		m.mu.Lock()
		e.finishedAt = time.Now()
		m.mu.Unlock()
		m.schedulePersist()
		if m.cfg.OnFinish != nil {
			m.cfg.OnFinish(s.Summary())
		}
	}()
	m.schedulePersist()
	m.logger.Printf("session %s created live=%d", id, m.liveLocked())
	return s, nil
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, e := range m.sessions {
		if e.finishedAt.IsZero() {
			n++
		}
	}
	return n
}

func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.s, nil
}

// Default returns the single-room session. Once it finishes, a fresh one
// takes over so legacy clients always find an open lobby.
func (m *Manager) Default() (*session.Session, error) {
	m.mu.RLock()
	id := m.defaultID
	e := m.sessions[id]
	m.mu.RUnlock()
	if id == "" {
		return nil, fmt.Errorf("%w: no default session", ErrSessionNotFound)
	}
	if e != nil {
		select {
		case <-e.s.Done():
		default:
			return e.s, nil
		}
	}

	s, err := m.Create("")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if cur := m.sessions[m.defaultID]; cur != nil && cur.finishedAt.IsZero() && cur.s != s {
		// Another caller rotated first.
		m.mu.Unlock()
		s.Stop()
		return cur.s, nil
	}
	m.defaultID = s.ID()
	m.mu.Unlock()
	m.logger.Printf("default session rotated %s -> %s", id, s.ID())
	return s, nil
}

// List returns summaries ordered by creation time.
func (m *Manager) List() []session.Summary {
	m.mu.RLock()
	out := make([]session.Summary, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s.Summary())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type Stats struct {
	Live     int
	Finished int
	Sent     uint64
	Dropped  uint64
	Pending  int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, e := range m.sessions {
		if e.finishedAt.IsZero() {
			st.Live++
		} else {
			st.Finished++
		}
		sent, dropped := e.s.GatewayStats()
		st.Sent += sent
		st.Dropped += dropped
		st.Pending += e.s.PendingDecisions()
	}
	return st
}

// Reap forgets sessions finished longer ago than the retention window.
func (m *Manager) Reap(now time.Time) int {
	retain := time.Duration(m.cfg.Tuning.Sessions.RetainFinishedMs) * time.Millisecond
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if e.finishedAt.IsZero() || now.Sub(e.finishedAt) < retain {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	if n > 0 {
		m.schedulePersist()
		m.logger.Printf("reaped %d finished sessions", n)
	}
	return n
}

func (m *Manager) reapLoop() {
	defer m.reapWG.Done()
	t := time.NewTicker(m.reapEvery)
	defer t.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case now := <-t.C:
			m.Reap(now)
		}
	}
}

// Close cancels every session, waits for them to finish and flushes the
// state file.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()
		m.runWG.Wait()
		close(m.reapStop)
		m.reapWG.Wait()
		close(m.persistStop)
		m.persistWG.Wait()
	})
}

func (m *Manager) schedulePersist() {
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.writeState(m.snapshotState())
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case <-timerCh:
			stopTimer()
			m.writeState(m.snapshotState())
		}
	}
}

const stateVersion = 1

type persistedState struct {
	Version   int               `json:"version"`
	DefaultID string            `json:"default_id,omitempty"`
	Sessions  []session.Summary `json:"sessions"`
}

func (m *Manager) snapshotState() persistedState {
	st := persistedState{Version: stateVersion, Sessions: m.List()}
	m.mu.RLock()
	st.DefaultID = m.defaultID
	m.mu.RUnlock()
	return st
}

func (m *Manager) writeState(st persistedState) {
	if m.cfg.StateFile == "" {
		return
	}
	b, _ := json.MarshalIndent(st, "", "  ")
	_ = os.MkdirAll(filepath.Dir(m.cfg.StateFile), 0o755)
	tmp := m.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		m.logger.Printf("state write: %v", err)
		return
	}
	_ = os.Rename(tmp, m.cfg.StateFile)
}

// LoadState reads a state file written by a previous process. Sessions do
// not survive a restart; the index is informational.
func LoadState(path string) ([]session.Summary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return st.Sessions, nil
}
