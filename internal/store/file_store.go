package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deep-research/execution-engine/pkg/types"
)

// FileStore persists account configs as JSON documents and audit events as
// append-only JSONL, one pair of files per account. Config writes go through
// a temp file and an atomic rename so a crash never leaves a half-written
// config behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// SetClock overrides the store's clock for tests.
func (s *FileStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *FileStore) configPath(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}

func (s *FileStore) auditPath(accountID string) string {
	return filepath.Join(s.dir, accountID+"_audit.jsonl")
}

// LoadConfig reads the account config, creating and persisting defaults on
// first read.
func (s *FileStore) LoadConfig(ctx context.Context, accountID string) (*types.AccountConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(accountID)
}

func (s *FileStore) loadLocked(accountID string) (*types.AccountConfig, error) {
	data, err := os.ReadFile(s.configPath(accountID))
	if os.IsNotExist(err) {
		cfg := types.DefaultAccountConfig(accountID)
		cfg.UpdatedAt = s.now()
		if err := s.writeLocked(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg types.AccountConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SaveConfig merges the partial update into the stored config, updates
// lastRun and persists the result atomically.
func (s *FileStore) SaveConfig(ctx context.Context, accountID string, update *types.ConfigUpdate) (*types.AccountConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked(accountID)
	if err != nil {
		return nil, err
	}

	if update != nil {
		update.Apply(cfg)
	}
	cfg.LastRun = s.now()
	cfg.UpdatedAt = s.now()

	if err := s.writeLocked(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *FileStore) writeLocked(cfg *types.AccountConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := s.configPath(cfg.AccountID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to move config file: %w", err)
	}
	return nil
}

// AppendAudit appends one audit event to the account's JSONL log.
func (s *FileStore) AppendAudit(ctx context.Context, accountID, eventType string, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := AuditEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: s.now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	f, err := os.OpenFile(s.auditPath(accountID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ReadAudit returns up to limit most recent audit events for an account.
// A limit of 0 returns everything.
func (s *FileStore) ReadAudit(accountID string, limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.auditPath(accountID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var events []AuditEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev AuditEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to parse audit log: %w", err)
		}
		events = append(events, ev)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
