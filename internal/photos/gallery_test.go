package photos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"photoshare/pkg/domain"
)

func TestSortNewestFirstPutsUntimedRecordsLast(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	images := []domain.Image{
		{ID: "pending-1"},
		{ID: "old", CreatedAt: base},
		{ID: "new", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "pending-2"},
		{ID: "mid", CreatedAt: base.Add(time.Minute)},
	}
	SortNewestFirst(images)

	for i, want := range []string{"new", "mid", "old"} {
		if images[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, images[i].ID)
		}
	}
	for _, img := range images[3:] {
		if !img.CreatedAt.IsZero() {
			t.Fatalf("expected untimed records at the end, got %+v", images)
		}
	}
}

func TestSnapshotIsSortedAndOwnerScoped(t *testing.T) {
	f := newFixture(t)
	first := f.mustUpload(t, "u1", "a.png")
	f.mustUpload(t, "u2", "other.png")
	last := f.mustUpload(t, "u1", "b.png")

	snapshot, err := f.svc.Snapshot(context.Background(), sessionFor("u1"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.OwnerID != "u1" || len(snapshot.Images) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Images[0].ID != last.ID || snapshot.Images[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", snapshot.Images)
	}

	empty, err := f.svc.Snapshot(context.Background(), sessionFor("u3"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if empty.Images == nil || len(empty.Images) != 0 {
		t.Fatalf("expected an empty, non-nil image list, got %#v", empty.Images)
	}
}

// presigningObjects hands out a new signature on every URL call, like a
// store without a public base URL.
type presigningObjects struct {
	*recordingObjects
	signed int
}

func (o *presigningObjects) URL(ctx context.Context, key string) (string, error) {
	if _, err := o.recordingObjects.URL(ctx, key); err != nil {
		return "", err
	}
	o.signed++
	return fmt.Sprintf("https://s3.example.test/%s?X-Amz-Signature=%d", key, o.signed), nil
}

func (o *presigningObjects) URLsExpire() bool { return true }

func TestSnapshotResignsExpiringURLs(t *testing.T) {
	f := newFixture(t)
	objects := &presigningObjects{recordingObjects: f.objects}
	f.svc.objects = objects
	uploaded := f.mustUpload(t, "u1", "a.png")
	if !strings.HasSuffix(uploaded.URL, "X-Amz-Signature=1") {
		t.Fatalf("unexpected upload url: %q", uploaded.URL)
	}

	snapshot, err := f.svc.Snapshot(context.Background(), sessionFor("u1"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Images) != 1 || !strings.HasSuffix(snapshot.Images[0].URL, "X-Amz-Signature=2") {
		t.Fatalf("expected a freshly signed url, got %+v", snapshot.Images)
	}

	// A key that no longer resolves keeps the saved URL.
	if err := f.objects.MemoryStore.Delete(context.Background(), uploaded.StorageKey); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	snapshot, err = f.svc.Snapshot(context.Background(), sessionFor("u1"))
	if err != nil {
		t.Fatalf("snapshot after blob loss: %v", err)
	}
	if snapshot.Images[0].URL != uploaded.URL {
		t.Fatalf("expected saved url as fallback, got %q", snapshot.Images[0].URL)
	}
}

func TestSnapshotKeepsStableURLs(t *testing.T) {
	f := newFixture(t)
	uploaded := f.mustUpload(t, "u1", "a.png")
	f.log.reset()

	snapshot, err := f.svc.Snapshot(context.Background(), sessionFor("u1"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Images[0].URL != uploaded.URL {
		t.Fatalf("expected saved url, got %q", snapshot.Images[0].URL)
	}
	for _, call := range f.log.list() {
		if strings.HasPrefix(call, "url:") {
			t.Fatalf("expected no url resolution for stable urls, got calls %v", f.log.list())
		}
	}
}

func TestWatchEmitsInitialAndChangeSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := f.svc.Watch(ctx, sessionFor("u1"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	initial := receiveSnapshot(t, snapshots)
	if len(initial.Images) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial.Images)
	}

	img := f.mustUpload(t, "u1", "cat.png")
	next := receiveSnapshot(t, snapshots)
	if len(next.Images) != 1 || next.Images[0].ID != img.ID {
		t.Fatalf("expected the uploaded image, got %+v", next.Images)
	}

	if _, err := f.svc.Delete(context.Background(), sessionFor("u1"), img.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	afterDelete := receiveSnapshot(t, snapshots)
	if len(afterDelete.Images) != 0 {
		t.Fatalf("expected empty snapshot after delete, got %+v", afterDelete.Images)
	}
}

func TestWatchIgnoresOtherOwners(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := f.svc.Watch(ctx, sessionFor("u1"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	receiveSnapshot(t, snapshots)

	f.mustUpload(t, "u2", "other.png")
	select {
	case snapshot := <-snapshots:
		t.Fatalf("unexpected snapshot for another owner's change: %+v", snapshot)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchCoalescesForSlowConsumer(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := f.svc.Watch(ctx, sessionFor("u1"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	const uploads = 5
	for i := 0; i < uploads; i++ {
		f.mustUpload(t, "u1", "burst.png")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				t.Fatalf("stream closed early")
			}
			if len(snapshot.Images) == uploads {
				return
			}
		case <-deadline:
			t.Fatalf("never observed the latest snapshot")
		}
	}
}

func TestWatchReleasesSubscriptionOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	snapshots, err := f.svc.Watch(ctx, sessionFor("u1"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	receiveSnapshot(t, snapshots)
	if got := f.feed.Subscribers("u1"); got != 1 {
		t.Fatalf("expected one live subscription, got %d", got)
	}

	cancel()
	select {
	case _, ok := <-snapshots:
		if ok {
			// A pending snapshot may still be delivered once.
			if _, ok := <-snapshots; ok {
				t.Fatalf("expected stream to close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not close after cancel")
	}
	if got := f.feed.Subscribers("u1"); got != 0 {
		t.Fatalf("expected subscription released, got %d", got)
	}
}

func TestWatchRequiresSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Watch(context.Background(), sessionFor("")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func receiveSnapshot(t *testing.T, snapshots <-chan domain.GallerySnapshot) domain.GallerySnapshot {
	t.Helper()
	select {
	case snapshot, ok := <-snapshots:
		if !ok {
			t.Fatalf("snapshot stream closed")
		}
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return domain.GallerySnapshot{}
}
