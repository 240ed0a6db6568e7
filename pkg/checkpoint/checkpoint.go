package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"followsync/pkg/logger"
	"followsync/pkg/models"
)

// Version of the history file format
const Version = 1

// Entry is the outcome of the last run for one target
type Entry struct {
	RunID           string    `json:"run_id"`
	TargetHandle    string    `json:"target_handle"`
	State           string    `json:"state"`
	NewFollowsFound int       `json:"new_follows_found"`
	EdgesWritten    int       `json:"edges_written"`
	EdgesFailed     int       `json:"edges_failed"`
	TargetMissing   bool      `json:"target_missing,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Duration is how long the run took
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// History is the on-disk document
type History struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Targets   map[string]Entry `json:"targets"`
}

// Manager reads and writes the history file
type Manager struct {
	mu     sync.Mutex
	path   string
	logger logger.Logger
}

// NewManager creates a manager for the history file at path
func NewManager(path string, log logger.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Manager{path: path, logger: logger.OrNop(log)}, nil
}

// Path returns the history file path
func (m *Manager) Path() string {
	return m.path
}

// Load reads the history. A missing file yields an empty history.
func (m *Manager) Load() (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() (*History, error) {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &History{Version: Version, Targets: make(map[string]Entry)}, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var h History
	if err := json.NewDecoder(file).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if h.Targets == nil {
		h.Targets = make(map[string]Entry)
	}
	return &h, nil
}

// Record stores entries, replacing earlier entries for the same targets
func (m *Manager) Record(entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.load()
	if err != nil {
		// A corrupt history is replaced rather than blocking new runs
		m.logger.WarnWithFields("discarding unreadable history", map[string]interface{}{
			"path":  m.path,
			"error": err.Error(),
		})
		h = &History{Targets: make(map[string]Entry)}
	}

	for _, e := range entries {
		h.Targets[models.Normalize(e.TargetHandle)] = e
	}
	return m.save(h)
}

// Get returns the last entry for target
func (m *Manager) Get(target string) (Entry, bool, error) {
	h, err := m.Load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := h.Targets[models.Normalize(target)]
	return e, ok, nil
}

// List returns every entry, most recent first
func (m *Manager) List() ([]Entry, error) {
	h, err := m.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(h.Targets))
	for _, e := range h.Targets {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.After(out[j].FinishedAt)
		}
		return out[i].TargetHandle < out[j].TargetHandle
	})
	return out, nil
}

// save writes the history atomically
func (m *Manager) save(h *History) error {
	h.Version = Version
	h.UpdatedAt = time.Now()

	tempPath := m.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary history file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(h); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync history file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close history file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace history file: %w", err)
	}

	m.logger.DebugWithFields("History saved", map[string]interface{}{
		"path":    m.path,
		"targets": len(h.Targets),
	})
	return nil
}

// Delete removes the history file
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// Exists checks if a history file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Backup copies the history next to itself with a .backup suffix
func (m *Manager) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open history for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(m.path + ".backup")
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy history to backup: %w", err)
	}
	return nil
}
