package orderstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema guards against a login helper (or a hand edit) writing a
// structurally broken document that would silently wedge the session.
const configSchema = `{
	"type": "object",
	"properties": {
		"cookies": {"type": "string"},
		"deviceId": {"type": "string"},
		"deliveryMessage": {"type": "string"},
		"banned": {"type": "boolean"},
		"updatedAt": {"type": "string"}
	},
	"additionalProperties": true
}`

type Logger interface {
	Printf(format string, args ...any)
}

// FileConfigStore persists the account Config as a JSON document and
// hot-reloads it when an external process rewrites the file.
type FileConfigStore struct {
	path   string
	logger Logger
	schema *jsonschema.Schema

	mu      sync.Mutex
	current Config
	loaded  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileConfigStore(path string, logger Logger) (*FileConfigStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrInvalidInput)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return nil, err
	}
	s := &FileConfigStore{
		path:   path,
		logger: logger,
		schema: schema,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Watch starts picking up external rewrites of the config file. Optional;
// Get always serves the last good document either way.
func (s *FileConfigStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *FileConfigStore) watchLoop() {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logf("config reload after %s failed: %v", event.Op, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("config watcher error: %v", err)
		}
	}
}

func (s *FileConfigStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Get returns the current config. A zero-value Config with loaded=false
// means no document exists yet.
func (s *FileConfigStore) Get() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.loaded
}

func (s *FileConfigStore) Update(patch ConfigPatch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	if patch.Cookies != nil {
		next.Cookies = *patch.Cookies
	}
	if patch.DeviceID != nil {
		next.DeviceID = *patch.DeviceID
	}
	if patch.DeliveryMessage != nil {
		next.DeliveryMessage = *patch.DeliveryMessage
	}
	if patch.Banned != nil {
		next.Banned = *patch.Banned
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(next); err != nil {
		return s.current, err
	}
	s.current = next
	s.loaded = true
	return next, nil
}

func (s *FileConfigStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := s.schema.Validate(instance); err != nil {
		return fmt.Errorf("config document rejected: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *FileConfigStore) saveLocked(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileConfigStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
