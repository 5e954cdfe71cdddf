// Package session tracks the TransferSessions active on one process
// (sender or receiver) in memory, keyed by task ID, so the progress
// and CLI layers can look up what is currently in flight.
//
// Resuming a transfer across process restarts is out of scope: a
// session lives only as long as the process that created it, so this
// package carries no on-disk persistence or checkpointing.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

// Manager is a concurrency-safe in-memory registry of TransferSessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.TransferSession
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*models.TransferSession),
	}
}

// Create registers a new TransferSession for fileName/totalSize and
// returns it, generating a task ID from the first 8 characters of a
// UUID4.
func (m *Manager) Create(fileName string, totalSize int64) (*models.TransferSession, error) {
	s := &models.TransferSession{
		TaskID:    uuid.NewString()[:8],
		FileName:  fileName,
		TotalSize: totalSize,
		StartedAt: time.Now(),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.TaskID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session registered under taskID.
func (m *Manager) Get(taskID string) (*models.TransferSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", taskID)
	}
	return s, nil
}

// UpdateProgress advances BytesDone for taskID by delta.
func (m *Manager) UpdateProgress(taskID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return fmt.Errorf("session %s not found", taskID)
	}
	s.BytesDone += delta
	return nil
}

// Finish marks taskID's session done with outcome, returns a snapshot
// of the finished session, and evicts it from the registry so memory
// does not grow unbounded across a long-running receiver loop.
func (m *Manager) Finish(taskID string, outcome models.Outcome) (*models.TransferSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", taskID)
	}
	s.Done(outcome)
	done := *s
	delete(m.sessions, taskID)
	return &done, nil
}

// List returns a snapshot of all sessions currently in flight.
func (m *Manager) List() []*models.TransferSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.TransferSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
