// Package persist saves bridge sessions to storage and seeds new sessions
// from what was saved. It only uses the public accessors of the bridge
// package.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/storage"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

const (
	sessionPrefix = "session"
	historyPrefix = "history"
)

// Record is the persisted summary of a session.
type Record struct {
	SessionID     string    `json:"sessionID"`
	AgentResumeID string    `json:"agentResumeID,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	HistoryLength int       `json:"historyLength"`
}

// Store reads and writes session records and histories.
type Store struct {
	storage *storage.Storage
}

// NewStore creates a Store over st.
func NewStore(st *storage.Storage) *Store {
	return &Store{storage: st}
}

// SaveRecord writes the session record.
func (s *Store) SaveRecord(ctx context.Context, rec Record) error {
	if err := s.storage.Put(ctx, []string{sessionPrefix, rec.SessionID}, rec); err != nil {
		return fmt.Errorf("save record %s: %w", rec.SessionID, err)
	}
	return nil
}

// LoadRecord reads the session record. A missing record returns
// storage.ErrNotFound.
func (s *Store) LoadRecord(ctx context.Context, id string) (Record, error) {
	var rec Record
	if err := s.storage.Get(ctx, []string{sessionPrefix, id}, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// SaveHistory writes the durable history of a session.
func (s *Store) SaveHistory(ctx context.Context, id string, history protocol.History) error {
	if history == nil {
		history = protocol.History{}
	}
	if err := s.storage.Put(ctx, []string{historyPrefix, id}, history); err != nil {
		return fmt.Errorf("save history %s: %w", id, err)
	}
	return nil
}

// LoadHistory reads the durable history of a session. A missing history
// is returned as an empty one.
func (s *Store) LoadHistory(ctx context.Context, id string) (protocol.History, error) {
	var history protocol.History
	err := s.storage.Get(ctx, []string{historyPrefix, id}, &history)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.History{}, nil
	}
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Delete removes the record and history of a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.storage.Delete(ctx, []string{sessionPrefix, id}); err != nil {
		return err
	}
	return s.storage.Delete(ctx, []string{historyPrefix, id})
}

// List returns every saved record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.storage.Scan(ctx, []string{sessionPrefix}, func(key string, data json.RawMessage) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Loader returns a bridge.Loader that seeds sessions from this store.
// Sessions that were never saved start empty.
func (s *Store) Loader(ctx context.Context) bridge.Loader {
	return func(id string) (bridge.Seed, error) {
		rec, err := s.LoadRecord(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return bridge.Seed{}, nil
		}
		if err != nil {
			return bridge.Seed{}, err
		}

		history, err := s.LoadHistory(ctx, id)
		if err != nil {
			return bridge.Seed{}, err
		}
		return bridge.Seed{
			History:        history,
			AgentSessionID: rec.AgentResumeID,
			CreatedAt:      rec.CreatedAt,
		}, nil
	}
}
