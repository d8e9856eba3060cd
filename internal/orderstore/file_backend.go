package orderstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxStoredObservations = 500

// FileBackend persists the backend state as one JSON document with
// atomic rewrites, mirroring how the config store writes.
type FileBackend struct {
	path  string
	mu    sync.Mutex
	state fileBackendState
}

type fileBackendState struct {
	Notifications map[string]Notification `json:"notifications"`
	Orders        map[string]ImportEntry  `json:"orders"`
	Observations  []SyncObservation       `json:"observations,omitempty"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{
		path: path,
		state: fileBackendState{
			Notifications: map[string]Notification{},
			Orders:        map[string]ImportEntry{},
		},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) GetNotification(orderID string) (*Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.state.Notifications[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := n
	return &clone, nil
}

func (b *FileBackend) PutNotification(n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Notifications[n.OrderID] = n
	return b.saveLocked()
}

func (b *FileBackend) ImportOrders(entries []ImportEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		b.state.Orders[entry.Order.OrderID] = entry
	}
	return b.saveLocked()
}

func (b *FileBackend) RecordSyncResult(obs SyncObservation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Observations = append(b.state.Observations, obs)
	if len(b.state.Observations) > maxStoredObservations {
		b.state.Observations = b.state.Observations[len(b.state.Observations)-maxStoredObservations:]
	}
	return b.saveLocked()
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileBackendState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Notifications == nil {
		state.Notifications = map[string]Notification{}
	}
	if state.Orders == nil {
		state.Orders = map[string]ImportEntry{}
	}
	b.state = state
	return nil
}

func (b *FileBackend) saveLocked() error {
	data, err := json.Marshal(b.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
