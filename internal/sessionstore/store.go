// Package sessionstore persists session state in a single versioned JSON
// document with dirty-flag batching and atomic writes.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// documentVersion is bumped when the on-disk shape changes.
const documentVersion = 1

// Session is one persisted session.
type Session struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Status    string            `json:"status"`
	Port      int               `json:"port,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// resumableStatuses are the states worth picking back up after a process
// restart.
var resumableStatuses = map[string]bool{
	"running":  true,
	"paused":   true,
	"starting": true,
}

// document is the durable on-disk shape.
type document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Sessions  []Session `json:"sessions"`
}

// Config tunes the store.
type Config struct {
	Path                 string        `json:"path" yaml:"path"`
	FlushInterval        time.Duration `json:"flush_interval" yaml:"flush_interval"`
	MaxPersistedSessions int           `json:"max_persisted_sessions" yaml:"max_persisted_sessions"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:        5 * time.Second,
		MaxPersistedSessions: 50,
	}
}

// Store keeps sessions in memory and flushes them periodically while
// dirty.
type Store struct {
	config Config
	logger *logrus.Logger

	mu       sync.Mutex
	sessions map[string]Session
	dirty    bool

	stopCh  chan struct{}
	stopped sync.WaitGroup
	running bool
}

// NewStore creates a session store and loads any existing document at the
// configured path.
func NewStore(config Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("session store path is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxPersistedSessions <= 0 {
		config.MaxPersistedSessions = 50
	}

	store := &Store{
		config:   config,
		logger:   logger,
		sessions: make(map[string]Session),
		stopCh:   make(chan struct{}),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.config.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse session document: %w", err)
	}
	for _, session := range doc.Sessions {
		s.sessions[session.ID] = session
	}
	s.logger.WithField("count", len(doc.Sessions)).Debug("Loaded persisted sessions")
	return nil
}

// Start launches the periodic flush loop.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopped.Add(1)
	go s.loop()
}

// Stop halts the flush loop and performs a final flush.
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.Flush()
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.stopped.Wait()
	return s.Flush()
}

func (s *Store) loop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.WithError(err).Error("session flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Persist inserts or updates a session by id, evicting the oldest
// non-running session when over the cap.
func (s *Store) Persist(session Session) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[session.ID]; ok {
		session.CreatedAt = existing.CreatedAt
	} else if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	s.sessions[session.ID] = session
	s.dirty = true

	if len(s.sessions) > s.config.MaxPersistedSessions {
		s.evictLocked()
	}
}

// evictLocked removes the oldest session whose status is not running.
func (s *Store) evictLocked() {
	var victim string
	var oldest time.Time
	for id, session := range s.sessions {
		if session.Status == "running" {
			continue
		}
		if victim == "" || session.UpdatedAt.Before(oldest) {
			victim = id
			oldest = session.UpdatedAt
		}
	}
	if victim != "" {
		delete(s.sessions, victim)
		s.logger.WithField("session_id", victim).Debug("Evicted persisted session")
	}
}

// Remove deletes a session by id.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		s.dirty = true
	}
}

// Get returns one session by id.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

// All returns every persisted session, newest first.
func (s *Store) All() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []Session {
	sessions := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// Resumable returns the sessions worth restarting after a process
// restart.
func (s *Store) Resumable() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resumable []Session
	for _, session := range s.sortedLocked() {
		if resumableStatuses[session.Status] {
			resumable = append(resumable, session)
		}
	}
	return resumable
}

// Flush writes the document if dirty. The write goes to a temp file first
// and is renamed into place so readers never see a torn document.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := document{
		Version:   documentVersion,
		UpdatedAt: time.Now().UTC(),
		Sessions:  s.sortedLocked(),
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session document: %w", err)
	}

	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp session file: %w", err)
	}
	if err := os.Rename(tmpName, s.config.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session document: %w", err)
	}

	s.logger.WithField("count", len(doc.Sessions)).Debug("Session document flushed")
	return nil
}
