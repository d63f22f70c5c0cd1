package photos

import (
	"context"
	"fmt"
	"sort"

	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
	"photoshare/pkg/storage"
)

// Snapshot returns the session user's full image set, newest first.
func (s *Service) Snapshot(ctx context.Context, sess session.Session) (domain.GallerySnapshot, error) {
	if !sess.Valid() {
		return domain.GallerySnapshot{}, ErrNoSession
	}
	images, err := s.images.ListImagesByOwner(ctx, sess.UserID)
	if err != nil {
		return domain.GallerySnapshot{}, fmt.Errorf("list images: %w", err)
	}
	if images == nil {
		images = []domain.Image{}
	}
	s.refreshURLs(ctx, images)
	SortNewestFirst(images)
	return domain.GallerySnapshot{OwnerID: sess.UserID, Images: images, At: s.now()}, nil
}

// refreshURLs replaces saved URLs with freshly resolved ones when the object
// store's URLs expire. A record whose URL cannot be resolved keeps the saved
// one.
func (s *Service) refreshURLs(ctx context.Context, images []domain.Image) {
	expiring, ok := s.objects.(storage.ExpiringURLs)
	if !ok || !expiring.URLsExpire() {
		return
	}
	for i := range images {
		if images[i].StorageKey == "" {
			continue
		}
		url, err := s.objects.URL(ctx, images[i].StorageKey)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("resolve image url failed", "image_id", images[i].ID, "err", err)
			continue
		}
		images[i].URL = url
	}
}

// Watch streams full snapshots of the session user's gallery: one right
// away, then one after every change notification for that user. Each
// snapshot replaces the previous one. A consumer that falls behind only sees
// the latest snapshot.
//
// The listener is released and the channel closed when ctx is done, so a
// caller switching users cancels the old context and calls Watch again.
func (s *Service) Watch(ctx context.Context, sess session.Session) (<-chan domain.GallerySnapshot, error) {
	if !sess.Valid() {
		return nil, ErrNoSession
	}
	sub, err := s.feed.Subscribe(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("subscribe gallery: %w", err)
	}
	out := make(chan domain.GallerySnapshot, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		logger := util.LoggerFromContext(ctx)
		for {
			snapshot, err := s.Snapshot(ctx, sess)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warn("gallery snapshot failed", "owner_id", sess.UserID, "err", err)
			default:
				offerLatest(out, snapshot)
			}
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// offerLatest replaces an unread snapshot instead of blocking. out must
// have a single sender.
func offerLatest(out chan domain.GallerySnapshot, snapshot domain.GallerySnapshot) {
	select {
	case out <- snapshot:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- snapshot
}

// SortNewestFirst orders images by creation time, newest first. Images
// without a timestamp go last, in no particular order.
func SortNewestFirst(images []domain.Image) {
	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i].CreatedAt, images[j].CreatedAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.After(b)
	})
}
