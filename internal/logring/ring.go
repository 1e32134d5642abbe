// Package logring keeps bounded per-session log buffers with age and
// count based pruning.
package logring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Config bounds each session's buffer.
type Config struct {
	MaxLogsPerSession int           `json:"max_logs_per_session" yaml:"max_logs_per_session"`
	MaxLogAge         time.Duration `json:"max_log_age" yaml:"max_log_age"`
	PruneInterval     time.Duration `json:"prune_interval" yaml:"prune_interval"`
}

// DefaultConfig returns the ring defaults.
func DefaultConfig() Config {
	return Config{
		MaxLogsPerSession: 1000,
		MaxLogAge:         time.Hour,
		PruneInterval:     time.Minute,
	}
}

// Page is the paginated read result.
type Page struct {
	Logs    []Entry `json:"logs"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

// Ring holds the per-session buffers. The soft trim factor lets a busy
// session briefly exceed its cap between timer prunes without triggering
// a prune on every append.
type Ring struct {
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string][]Entry

	stopCh  chan struct{}
	stopped sync.WaitGroup
	running bool
}

// NewRing creates a log ring.
func NewRing(config Config, logger *logrus.Logger) *Ring {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxLogsPerSession <= 0 {
		config.MaxLogsPerSession = 1000
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = time.Minute
	}
	return &Ring{
		config:   config,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string][]Entry),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic prune timer.
func (r *Ring) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopped.Add(1)
	go r.loop()
}

// Stop halts the prune timer.
func (r *Ring) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.stopped.Wait()
}

func (r *Ring) loop() {
	defer r.stopped.Done()
	ticker := time.NewTicker(r.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.PruneAll()
		case <-r.stopCh:
			return
		}
	}
}

// Append records one entry for a session, trimming eagerly when the
// session is 20% over its cap.
func (r *Ring) Append(sessionID, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := append(r.sessions[sessionID], Entry{
		Timestamp: r.now(),
		Level:     level,
		Message:   message,
	})
	if len(entries) > r.softLimit() {
		entries = r.prune(entries)
	}
	r.sessions[sessionID] = entries
}

func (r *Ring) softLimit() int {
	return r.config.MaxLogsPerSession * 12 / 10
}

// prune drops aged entries first, then the oldest surplus over the cap.
func (r *Ring) prune(entries []Entry) []Entry {
	if r.config.MaxLogAge > 0 {
		cutoff := r.now().Add(-r.config.MaxLogAge)
		kept := entries[:0]
		for _, e := range entries {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if surplus := len(entries) - r.config.MaxLogsPerSession; surplus > 0 {
		entries = append([]Entry(nil), entries[surplus:]...)
	}
	return entries
}

// PruneAll applies the retention rules to every session.
func (r *Ring) PruneAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, entries := range r.sessions {
		pruned := r.prune(entries)
		if len(pruned) == 0 {
			delete(r.sessions, sessionID)
			continue
		}
		r.sessions[sessionID] = pruned
	}
}

// Get returns all entries of a session, oldest first.
func (r *Ring) Get(sessionID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.sessions[sessionID]...)
}

// GetWithPagination returns a window of a session's entries.
func (r *Ring) GetWithPagination(sessionID string, offset, limit int) Page {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.sessions[sessionID]
	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return Page{Logs: []Entry{}, Total: total}
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return Page{
		Logs:    append([]Entry(nil), entries[offset:end]...),
		Total:   total,
		HasMore: end < total,
	}
}

// Clear drops one session's buffer.
func (r *Ring) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// SessionCount reports how many sessions hold buffered logs.
func (r *Ring) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
