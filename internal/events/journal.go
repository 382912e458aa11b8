package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"rwa-exposure-bundle/internal/state"
)

const journalPrefix = "event:"

// Journal appends events to the kv store as JSON, keyed so that a prefix
// listing sorts chronologically.
type Journal struct {
	store state.Store
	keep  int

	mu      sync.Mutex
	written int
}

// NewJournal keeps at most keep events; zero keeps everything.
func NewJournal(store state.Store, keep int) *Journal {
	return &Journal{store: store, keep: keep}
}

func journalKey(ev Event) string {
	return fmt.Sprintf("%s%020d:%s", journalPrefix, ev.Time.UnixNano(), ev.ID)
}

func (j *Journal) Publish(ctx context.Context, ev Event) error {
	if j == nil || j.store == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := j.store.Set(ctx, journalKey(ev), string(payload)); err != nil {
		return err
	}
	j.mu.Lock()
	j.written++
	prune := j.keep > 0 && j.written%j.keep == 0
	j.mu.Unlock()
	if prune {
		return j.Prune(ctx)
	}
	return nil
}

// Recent returns up to limit events, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	keys, entries, err := j.list(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]Event, 0, len(keys))
	for _, key := range keys {
		var ev Event
		if err := json.Unmarshal([]byte(entries[key]), &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Prune deletes the oldest events beyond the retention limit.
func (j *Journal) Prune(ctx context.Context) error {
	if j.keep <= 0 {
		return nil
	}
	keys, _, err := j.list(ctx)
	if err != nil {
		return err
	}
	for len(keys) > j.keep {
		if err := j.store.Delete(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (j *Journal) list(ctx context.Context) ([]string, map[string]string, error) {
	if j == nil || j.store == nil {
		return nil, nil, nil
	}
	entries, err := j.store.List(ctx, journalPrefix)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, entries, nil
}
