package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/Sternrassler/graph-export/pkg/store"
)

type messageKey struct {
	mailbox   string
	chatID    string
	numericID int64
}

// MemStore is an in-memory store with the same idempotency rules as the
// PostgreSQL store.
type MemStore struct {
	mu        sync.Mutex
	mailboxes map[string]model.Mailbox
	markers   map[string]map[string]bool
	messages  map[messageKey]model.MessageRecord
	migrated  int

	// FailInsert, when set, is returned by InsertMessage for matching records.
	FailInsert func(rec *model.MessageRecord) error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		mailboxes: make(map[string]model.Mailbox),
		markers:   make(map[string]map[string]bool),
		messages:  make(map[messageKey]model.MessageRecord),
	}
}

// Migrate counts calls; reset drops everything.
func (s *MemStore) Migrate(ctx context.Context, reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reset {
		clear(s.mailboxes)
		clear(s.markers)
		clear(s.messages)
	}
	s.migrated++
	return nil
}

// UpsertMailbox inserts or replaces mb.
func (s *MemStore) UpsertMailbox(ctx context.Context, mb model.Mailbox) error {
	if mb.ID == "" {
		return fmt.Errorf("upsert mailbox: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[mb.ID] = mb
	return nil
}

// Pending returns mailbox ids without a marker, sorted.
func (s *MemStore) Pending(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := s.markers[model.ResourceTypeMailbox]
	var ids []string
	for id := range s.mailboxes {
		if !done[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkDone records a marker.
func (s *MemStore) MarkDone(ctx context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers[resourceType] == nil {
		s.markers[resourceType] = make(map[string]bool)
	}
	s.markers[resourceType][id] = true
	return nil
}

// InsertMessage stores rec unless its key exists.
func (s *MemStore) InsertMessage(ctx context.Context, rec *model.MessageRecord) (bool, error) {
	if s.FailInsert != nil {
		if err := s.FailInsert(rec); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{rec.Mailbox, rec.ChatID, rec.NumericID}
	if _, ok := s.messages[key]; ok {
		return false, nil
	}
	s.messages[key] = *rec
	return true, nil
}

// Stats counts rows.
func (s *MemStore) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Stats{
		Mailboxes: int64(len(s.mailboxes)),
		Processed: int64(len(s.markers[model.ResourceTypeMailbox])),
		Messages:  int64(len(s.messages)),
	}, nil
}

// Close is a no-op.
func (s *MemStore) Close() {}

// Mailbox returns a stored mailbox.
func (s *MemStore) Mailbox(id string) (model.Mailbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	return mb, ok
}

// IsDone reports whether a marker exists.
func (s *MemStore) IsDone(resourceType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[resourceType][id]
}

// Messages returns the stored messages of mailbox ordered by numeric id.
func (s *MemStore) Messages(mailbox string) []model.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageRecord
	for key, rec := range s.messages {
		if key.mailbox == mailbox {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericID < out[j].NumericID })
	return out
}

// MigrateCalls returns how often Migrate ran.
func (s *MemStore) MigrateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrated
}
