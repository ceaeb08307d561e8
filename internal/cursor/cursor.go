// Package cursor persists one opaque sync token per source calendar.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"

	appLog "blocksync/internal/log"
	"blocksync/internal/property"
)

// PropertyKey is the property under which the token map is stored as JSON.
const PropertyKey = "syncTokens"

// Store reads and writes sync cursors. All tokens live in one JSON object,
// so every write is a read-modify-write of that object.
type Store struct {
	props property.Store
}

// NewStore wraps a property store.
func NewStore(props property.Store) *Store {
	return &Store{props: props}
}

// Get returns the cursor for calendarID or "" when none is stored.
func (s *Store) Get(ctx context.Context, calendarID string) (string, error) {
	tokens, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return tokens[calendarID], nil
}

// All returns a copy of every stored cursor.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	return s.load(ctx)
}

// Set replaces the cursor for calendarID.
func (s *Store) Set(ctx context.Context, calendarID, token string) error {
	tokens, err := s.load(ctx)
	if err != nil {
		return err
	}
	tokens[calendarID] = token
	return s.save(ctx, tokens)
}

// Clear removes the cursor for calendarID, forcing a full resync next time.
func (s *Store) Clear(ctx context.Context, calendarID string) error {
	tokens, err := s.load(ctx)
	if err != nil {
		return err
	}
	delete(tokens, calendarID)
	return s.save(ctx, tokens)
}

// ClearAll removes every cursor.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.save(ctx, map[string]string{})
}

// load never fails on malformed JSON: a corrupt blob is logged and treated
// as an empty cursor set, which means a full resync for every calendar.
func (s *Store) load(ctx context.Context) (map[string]string, error) {
	tokens := make(map[string]string)
	raw, ok, err := s.props.Get(ctx, PropertyKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", PropertyKey, err)
	}
	if !ok || raw == "" {
		return tokens, nil
	}
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		appLog.Error("error parsing sync tokens, resetting", err)
		return make(map[string]string), nil
	}
	return tokens, nil
}

func (s *Store) save(ctx context.Context, tokens map[string]string) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	if err := s.props.Set(ctx, PropertyKey, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", PropertyKey, err)
	}
	return nil
}
