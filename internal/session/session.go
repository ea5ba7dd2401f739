// Package session persists chat conversations between runs.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eachlabs/vaultagent/internal/message"
)

// Thread is the transcript of one agent on one thread.
type Thread struct {
	Agent    string            `json:"agent"`
	Thread   string            `json:"thread"`
	Messages []message.Message `json:"messages"`
}

// Session represents a persistent chat session.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Agent     string    `json:"agent"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Vault     string    `json:"vault,omitempty"`
	Threads   []Thread  `json:"threads"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageCount returns the number of messages across all threads.
func (s *Session) MessageCount() int {
	n := 0
	for _, t := range s.Threads {
		n += len(t.Messages)
	}
	return n
}

// Manager handles session persistence with debounced saving.
type Manager struct {
	session     *Session
	dir         string
	mu          sync.Mutex
	dirty       bool
	lastSave    time.Time
	debounceMin time.Duration
}

// NewManager creates a session manager storing sessions in dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:         dir,
		debounceMin: 2 * time.Second,
	}
}

// generateID creates a session ID in format: YYYYMMDD-HHMMSS-<4 hex chars>
func generateID() string {
	now := time.Now()
	datePart := now.Format("20060102-150405")

	b := make([]byte, 2)
	_, _ = rand.Read(b)
	randPart := hex.EncodeToString(b)

	return fmt.Sprintf("%s-%s", datePart, randPart)
}

// New starts a new session.
func (m *Manager) New(agent, providerName, model, vault string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.session = &Session{
		ID:        generateID(),
		Agent:     agent,
		Provider:  providerName,
		Model:     model,
		Vault:     vault,
		Threads:   make([]Thread, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.dirty = false

	return m.session
}

// SetName sets the session name.
func (m *Manager) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.Name = name
		m.dirty = true
	}
}

// Load loads an existing session by ID and makes it current.
func (m *Manager) Load(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	m.session = &session
	m.dirty = false
	return m.session, nil
}

// Session returns the current session.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SetThread replaces the transcript of agent on thread. An empty transcript
// removes the thread.
func (m *Manager) SetThread(agent, thread string, messages []message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return
	}

	kept := m.session.Threads[:0]
	for _, t := range m.session.Threads {
		if t.Agent != agent || t.Thread != thread {
			kept = append(kept, t)
		}
	}
	if len(messages) > 0 {
		kept = append(kept, Thread{Agent: agent, Thread: thread, Messages: message.CloneAll(messages)})
	}
	m.session.Threads = kept
	m.session.UpdatedAt = time.Now()
	m.dirty = true
}

// Thread returns a copy of the transcript of agent on thread.
func (m *Manager) Thread(agent, thread string) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	for _, t := range m.session.Threads {
		if t.Agent == agent && t.Thread == thread {
			return message.CloneAll(t.Messages)
		}
	}
	return nil
}

// Save saves the session to disk with debouncing.
// It will skip saving if less than debounceMin has passed since last save.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || !m.dirty {
		return nil
	}

	if time.Since(m.lastSave) < m.debounceMin {
		return nil
	}

	return m.saveInternal()
}

// ForceSave saves the session immediately, ignoring debounce.
func (m *Manager) ForceSave() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}

	return m.saveInternal()
}

// saveInternal performs the actual save operation. Caller must hold the lock.
func (m *Manager) saveInternal() error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	path := filepath.Join(m.dir, m.session.ID+".json")
	data, err := json.MarshalIndent(m.session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	m.dirty = false
	m.lastSave = time.Now()
	return nil
}

// List returns all sessions sorted by updated time (newest first).
func (m *Manager) List() ([]*Session, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []*Session
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		path := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}

		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

// Delete removes a session by ID.
func (m *Manager) Delete(id string) error {
	path := filepath.Join(m.dir, id+".json")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
