package photos

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"photoshare/internal/changefeed"
	"photoshare/internal/session"
	"photoshare/pkg/domain"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

var uploadTime = time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

type recordingObjects struct {
	*storage.MemoryStore
	log        *callLog
	failPut    error
	failURL    error
	failDelete error
}

func (o *recordingObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	o.log.add("put:" + key)
	if o.failPut != nil {
		return o.failPut
	}
	return o.MemoryStore.Put(ctx, key, r, size, contentType)
}

func (o *recordingObjects) URL(ctx context.Context, key string) (string, error) {
	o.log.add("url:" + key)
	if o.failURL != nil {
		return "", o.failURL
	}
	return o.MemoryStore.URL(ctx, key)
}

func (o *recordingObjects) Delete(ctx context.Context, key string) error {
	o.log.add("delete_blob:" + key)
	if o.failDelete != nil {
		return o.failDelete
	}
	return o.MemoryStore.Delete(ctx, key)
}

type recordingImages struct {
	*store.MemoryStore
	log        *callLog
	failCreate error
	failDelete error
}

func (s *recordingImages) CreateImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	s.log.add("create_metadata")
	if s.failCreate != nil {
		return domain.Image{}, s.failCreate
	}
	return s.MemoryStore.CreateImage(ctx, img)
}

func (s *recordingImages) GetImage(ctx context.Context, id string) (domain.Image, bool, error) {
	s.log.add("get_metadata:" + id)
	return s.MemoryStore.GetImage(ctx, id)
}

func (s *recordingImages) ListImagesByOwner(ctx context.Context, ownerID string) ([]domain.Image, error) {
	s.log.add("list_metadata:" + ownerID)
	return s.MemoryStore.ListImagesByOwner(ctx, ownerID)
}

func (s *recordingImages) DeleteImage(ctx context.Context, id string) error {
	s.log.add("delete_metadata:" + id)
	if s.failDelete != nil {
		return s.failDelete
	}
	return s.MemoryStore.DeleteImage(ctx, id)
}

type recordingFeed struct {
	*changefeed.MemoryFeed
	log *callLog
}

func (f *recordingFeed) Publish(ctx context.Context, ownerID string) error {
	f.log.add("publish:" + ownerID)
	return f.MemoryFeed.Publish(ctx, ownerID)
}

type fixture struct {
	svc      *Service
	objects  *recordingObjects
	images   *recordingImages
	feed     *recordingFeed
	accounts *stubAccounts
	log      *callLog
}

// steppingClock advances one second per call so records get distinct times.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	next := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &callLog{}
	f := &fixture{
		objects:  &recordingObjects{MemoryStore: storage.NewMemoryStore(""), log: log},
		images:   &recordingImages{MemoryStore: store.NewMemoryStore(store.WithClock(steppingClock())), log: log},
		feed:     &recordingFeed{MemoryFeed: changefeed.NewMemoryFeed(), log: log},
		accounts: &stubAccounts{},
		log:      log,
	}
	svc, err := New(Config{
		Objects:        f.objects,
		Images:         f.images,
		Feed:           f.feed,
		Accounts:       f.accounts,
		MaxUploadBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.now = func() time.Time { return uploadTime }
	f.svc = svc
	return f
}

func sessionFor(userID string) session.Session {
	return session.Session{UserID: userID, Token: "token-" + userID}
}

func pngInput(name string) UploadInput {
	return UploadInput{
		Filename:    name,
		ContentType: "image/png",
		Body:        bytes.NewReader(pngHeader),
		Size:        int64(len(pngHeader)),
	}
}

func (f *fixture) mustUpload(t *testing.T, userID, name string) domain.Image {
	t.Helper()
	img, err := f.svc.Upload(context.Background(), sessionFor(userID), pngInput(name))
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return img
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
