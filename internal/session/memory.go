package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samsaffron/llmchat/internal/llm"
)

// MemoryStore keeps everything in process memory. It backs tests and runs
// with persistence disabled.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]Thread
	messages map[string][]Message
	docs     map[string][]Document
}

// NewMemoryStore returns an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]Thread),
		messages: make(map[string][]Message),
		docs:     make(map[string][]Document),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, t *Thread) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Title == "" {
		t.Title = DefaultThreadTitle
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("insert thread: duplicate id %s", t.ID)
	}
	s.threads[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) UpdateThread(ctx context.Context, t *Thread) error {
	return s.mutateThread(t.ID, func(stored *Thread) {
		t.UpdatedAt = time.Now()
		*stored = *t
	})
}

func (s *MemoryStore) RenameThread(ctx context.Context, id, title string) error {
	return s.mutateThread(id, func(t *Thread) {
		t.Title = title
		t.UpdatedAt = time.Now()
	})
}

func (s *MemoryStore) ArchiveThread(ctx context.Context, id string, archived bool) error {
	return s.mutateThread(id, func(t *Thread) {
		t.Archived = archived
		t.UpdatedAt = time.Now()
	})
}

// TouchThread ignores unknown ids, like the SQLite store.
func (s *MemoryStore) TouchThread(ctx context.Context, id string) error {
	_ = s.mutateThread(id, func(t *Thread) { t.UpdatedAt = time.Now() })
	return nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return fmt.Errorf("thread not found: %s", id)
	}
	delete(s.threads, id)
	delete(s.messages, id)
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thread
	for _, t := range s.threads {
		if t.Archived == opts.Archived {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = StatusReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[msg.ThreadID]
	if !ok {
		return fmt.Errorf("insert message: thread not found: %s", msg.ThreadID)
	}
	msgs := s.messages[msg.ThreadID]
	if msg.Sequence < 0 {
		msg.Sequence = 0
		if n := len(msgs); n > 0 {
			msg.Sequence = msgs[n-1].Sequence + 1
		}
	}
	s.messages[msg.ThreadID] = append(msgs, cloneMessage(*msg))
	t.UpdatedAt = time.Now()
	s.threads[msg.ThreadID] = t
	return nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[msg.ThreadID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			updated := cloneMessage(*msg)
			updated.Sequence = msgs[i].Sequence
			updated.CreatedAt = msgs[i].CreatedAt
			msgs[i] = updated
			return nil
		}
	}
	return fmt.Errorf("message not found: %s", msg.ID)
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				out := cloneMessage(m)
				return &out, nil
			}
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) AddDocuments(ctx context.Context, threadID string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		d.ThreadID = threadID
		s.docs[threadID] = append(s.docs[threadID], d)
	}
	return nil
}

// SearchDocuments ranks chunks by the number of query terms they contain.
func (s *MemoryStore) SearchDocuments(ctx context.Context, threadID, query string, limit int) ([]Document, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, d := range s.docs[threadID] {
		content := strings.ToLower(d.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{d, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	var out []Document
	for i := 0; i < len(hits) && i < limit; i++ {
		out = append(out, hits[i].doc)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) mutateThread(id string, fn func(*Thread)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("thread not found: %s", id)
	}
	fn(&t)
	s.threads[id] = t
	return nil
}

// cloneMessage copies the slices so callers cannot mutate stored state.
func cloneMessage(m Message) Message {
	m.Parts = append([]llm.Part(nil), m.Parts...)
	m.Metadata.ToolCalls = append([]ToolCallRecord(nil), m.Metadata.ToolCalls...)
	m.Metadata.InlineFiles = append([]InlineFile(nil), m.Metadata.InlineFiles...)
	return m
}
