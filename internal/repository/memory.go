package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtual-product-owner/internal/domain"
)

// MemoryStore keeps stories, conversations and assets in process memory.
// Construct one per service instance; it is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	stories map[string]map[string]domain.Story // userID -> storyID
	threads map[string]domain.ConversationThread
	msgs    map[string][]domain.Message // storyID, insertion order
	assets  map[string][]domain.Asset
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	m := &MemoryStore{
		now:     o.now,
		stories: make(map[string]map[string]domain.Story),
		threads: make(map[string]domain.ConversationThread),
		msgs:    make(map[string][]domain.Message),
		assets:  make(map[string][]domain.Asset),
	}
	return m
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]domain.Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Story, 0, len(m.stories[userID]))
	for _, s := range m.stories[userID] {
		out = append(out, s)
	}
	sortStories(out)
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, userID, title, description string, points int) (domain.Story, error) {
	if err := ctx.Err(); err != nil {
		return domain.Story{}, err
	}
	now := m.now().UTC()
	s := domain.Story{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Points:      points,
		Approval:    domain.Draft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.stories[userID]
	if !ok {
		byID = make(map[string]domain.Story)
		m.stories[userID] = byID
	}
	byID[s.ID] = s
	return s, nil
}

// Update replaces all mutable fields of an owned story. Identity, owner and
// creation time always come from the stored row.
func (m *MemoryStore) Update(ctx context.Context, userID string, story domain.Story) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.stories[userID][story.ID]
	if !ok {
		return false, nil
	}
	story.UserID = stored.UserID
	story.CreatedAt = stored.CreatedAt
	story.UpdatedAt = m.now().UTC()
	m.stories[userID][story.ID] = story
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stories[userID][id]; !ok {
		return false, nil
	}
	delete(m.stories[userID], id)
	return true, nil
}

func (m *MemoryStore) GetByID(_ context.Context, userID, id string) (domain.Story, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[userID][id]
	return s, ok, nil
}

func (m *MemoryStore) GetOrCreateThread(ctx context.Context, storyID string) (domain.ConversationThread, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConversationThread{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadLocked(storyID), nil
}

func (m *MemoryStore) threadLocked(storyID string) domain.ConversationThread {
	if t, ok := m.threads[storyID]; ok {
		return t
	}
	now := m.now().UTC()
	t := domain.ConversationThread{ID: uuid.NewString(), StoryID: storyID, CreatedAt: now, UpdatedAt: now}
	m.threads[storyID] = t
	return t
}

// AppendMessage stores the message after every earlier one for the story.
// The timestamp never goes backwards within a story, even if the clock does.
func (m *MemoryStore) AppendMessage(ctx context.Context, storyID string, role domain.Role, content string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if prev := m.msgs[storyID]; len(prev) > 0 && now.Before(prev[len(prev)-1].CreatedAt) {
		now = prev[len(prev)-1].CreatedAt
	}
	t := m.threadLocked(storyID)
	t.UpdatedAt = now
	m.threads[storyID] = t

	msg := domain.Message{ID: uuid.NewString(), StoryID: storyID, Role: role, Content: content, CreatedAt: now}
	m.msgs[storyID] = append(m.msgs[storyID], msg)
	return msg, nil
}

func (m *MemoryStore) History(_ context.Context, storyID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Message(nil), m.msgs[storyID]...), nil
}

func (m *MemoryStore) RecentHistory(_ context.Context, storyID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.msgs[storyID]
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.Message{}, all...), nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, storyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, storyID)
	delete(m.msgs, storyID)
	return nil
}

func (m *MemoryStore) SaveAsset(ctx context.Context, a domain.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.UserID] = append(m.assets[a.UserID], a)
	return nil
}

// DeleteAsset removes one of the user's assets. Another user's asset is
// reported as missing.
func (m *MemoryStore) DeleteAsset(ctx context.Context, userID, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assets[userID]
	for i, a := range list {
		if a.ID == id {
			m.assets[userID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListAssets returns the user's assets, newest first.
func (m *MemoryStore) ListAssets(_ context.Context, userID string) ([]domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.assets[userID]
	out := make([]domain.Asset, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

// Ping always succeeds; the store lives in process.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// sortStories orders by most recently updated, then most recently created.
func sortStories(s []domain.Story) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.After(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
