package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"photoshare/pkg/domain"
)

// MemoryStore keeps users and image records in-process.
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	images map[string]domain.Image
	orders []string
	users  map[string]domain.User // key: user ID
	email  map[string]string      // email -> user ID
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		now:    func() time.Time { return time.Now().UTC() },
		images: make(map[string]domain.Image),
		users:  make(map[string]domain.User),
		email:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) SaveUser(ctx context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.email[strings.ToLower(u.Email)]; ok && holder != u.ID {
		return ErrEmailTaken
	}
	if prev, ok := m.users[u.ID]; ok && !strings.EqualFold(prev.Email, u.Email) {
		delete(m.email, strings.ToLower(prev.Email))
	}
	m.users[u.ID] = u
	m.email[strings.ToLower(u.Email)] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[strings.ToLower(email)]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateImage stores a record with a generated ID and the store clock's time.
func (m *MemoryStore) CreateImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	img.ID = uuid.NewString()
	img.CreatedAt = m.now()
	m.images[img.ID] = img
	m.orders = append(m.orders, img.ID)
	return img, nil
}

func (m *MemoryStore) GetImage(ctx context.Context, id string) (domain.Image, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	return img, ok, nil
}

// ListImagesByOwner returns the owner's records in insertion order.
func (m *MemoryStore) ListImagesByOwner(ctx context.Context, ownerID string) ([]domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Image, 0, len(m.orders))
	for _, id := range m.orders {
		if img, ok := m.images[id]; ok && img.OwnerID == ownerID {
			res = append(res, img)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteImage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return nil
	}
	delete(m.images, id)
	for i, existing := range m.orders {
		if existing == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}
