package repository

import (
	"context"
	"errors"
	"sync"

	"media-studio/internal/domain"
)

// ErrNotFound is returned when a media record does not exist for the user.
var ErrNotFound = errors.New("repository: not found")

const defaultMaxPerUser = 200

// History is the per-user media history consumed by the studio. Lists are
// newest first.
type History interface {
	Prepend(ctx context.Context, userID string, m domain.Media) error
	List(ctx context.Context, userID string, limit int) ([]domain.Media, error)
	Get(ctx context.Context, userID, id string) (domain.Media, error)
}

// Preferences stores the per-user session language. ok is false when the
// user never chose one.
type Preferences interface {
	Language(ctx context.Context, userID string) (lang domain.Language, ok bool, err error)
	SetLanguage(ctx context.Context, userID string, lang domain.Language) error
}

var (
	_ History     = (*Memory)(nil)
	_ Preferences = (*Memory)(nil)
	_ History     = (*Client)(nil)
	_ Preferences = (*Client)(nil)
)

// Memory is the in-process History and Preferences backend. Each user keeps at
// most maxPerUser records; the oldest fall off.
type Memory struct {
	mu         sync.RWMutex
	maxPerUser int
	media      map[string][]domain.Media
	languages  map[string]domain.Language
}

func NewMemory(maxPerUser int) *Memory {
	if maxPerUser <= 0 {
		maxPerUser = defaultMaxPerUser
	}
	return &Memory{
		maxPerUser: maxPerUser,
		media:      make(map[string][]domain.Media),
		languages:  make(map[string]domain.Language),
	}
}

func (m *Memory) Prepend(_ context.Context, userID string, item domain.Media) error {
	if userID == "" || item.ID == "" {
		return errors.New("repository: Prepend: user and media id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.media[userID]
	next := make([]domain.Media, 0, min(len(cur)+1, m.maxPerUser))
	next = append(next, item)
	for _, existing := range cur {
		if len(next) == m.maxPerUser {
			break
		}
		next = append(next, existing)
	}
	m.media[userID] = next
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (m *Memory) List(_ context.Context, userID string, limit int) ([]domain.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := m.media[userID]
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	out := make([]domain.Media, limit)
	copy(out, cur[:limit])
	return out, nil
}

func (m *Memory) Get(_ context.Context, userID, id string) (domain.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, item := range m.media[userID] {
		if item.ID == id {
			return item, nil
		}
	}
	return domain.Media{}, ErrNotFound
}

func (m *Memory) Language(_ context.Context, userID string) (domain.Language, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lang, ok := m.languages[userID]
	return lang, ok, nil
}

func (m *Memory) SetLanguage(_ context.Context, userID string, lang domain.Language) error {
	if userID == "" {
		return errors.New("repository: SetLanguage: user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.languages[userID] = lang
	return nil
}
