package photos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"photoshare/internal/session"
	"photoshare/pkg/domain"
)

// Delete removes one of the session user's images: the metadata record
// first, then the blob. The blob is only touched once the record is gone.
// A blob delete failure after that leaves the blob orphaned.
func (s *Service) Delete(ctx context.Context, sess session.Session, imageID string) (domain.Image, error) {
	if !sess.Valid() {
		return domain.Image{}, ErrNoSession
	}
	imageID = strings.TrimSpace(imageID)
	if imageID == "" {
		return domain.Image{}, ErrImageNotFound
	}
	img, ok, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		return domain.Image{}, fmt.Errorf("fetch image: %w", err)
	}
	if !ok || img.OwnerID != sess.UserID {
		return domain.Image{}, ErrImageNotFound
	}

	key := img.StorageKey
	if strings.TrimSpace(key) == "" {
		key = legacyBlobKey(img.OwnerID, img.Filename)
	}
	del := saga{op: "delete", steps: []sagaStep{
		{name: StepDeleteMetadata, run: func(ctx context.Context) error {
			return s.images.DeleteImage(ctx, img.ID)
		}},
		{name: StepDeleteBlob, run: func(ctx context.Context) error {
			return s.objects.Delete(ctx, key)
		}},
	}}
	err = del.run(ctx)
	var stepErr *StepError
	if err == nil || (errors.As(err, &stepErr) && stepErr.Step == StepDeleteBlob) {
		s.notify(ctx, img.OwnerID)
	}
	if err != nil {
		return domain.Image{}, err
	}
	return img, nil
}
