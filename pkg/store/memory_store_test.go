package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"photoshare/pkg/domain"
)

func TestMemoryStoreImagesAssignIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	created, err := s.CreateImage(ctx, domain.Image{OwnerID: "u1", Filename: "cat.png", URL: "https://x/cat.png"})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !created.CreatedAt.Equal(fixed) {
		t.Fatalf("expected store clock timestamp, got %v", created.CreatedAt)
	}

	got, ok, err := s.GetImage(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("get image: ok=%v err=%v", ok, err)
	}
	if got != created {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreListImagesFiltersByOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, owner := range []string{"u1", "u2", "u1"} {
		if _, err := s.CreateImage(ctx, domain.Image{OwnerID: owner, Filename: "a.png"}); err != nil {
			t.Fatalf("create image: %v", err)
		}
	}
	items, err := s.ListImagesByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(items))
	}
	for _, img := range items {
		if img.OwnerID != "u1" {
			t.Fatalf("leaked record of %q", img.OwnerID)
		}
	}
}

func TestMemoryStoreDeleteImage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, err := s.CreateImage(ctx, domain.Image{OwnerID: "u1", Filename: "a.png"})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := s.DeleteImage(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetImage(ctx, created.ID); ok {
		t.Fatalf("expected record removed")
	}
	if err := s.DeleteImage(ctx, created.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	items, _ := s.ListImagesByOwner(ctx, "u1")
	if len(items) != 0 {
		t.Fatalf("expected empty listing, got %d", len(items))
	}
}

func TestMemoryStoreUsersByEmailIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	u := domain.User{ID: "u1", Email: "Ada@Example.com", Status: domain.StatusActive}
	if err := s.SaveUser(ctx, u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if ok, _ := s.HasUserEmail(ctx, "ada@example.com"); !ok {
		t.Fatalf("expected email lookup to ignore case")
	}

	u.Email = "ada@new.example.com"
	if err := s.SaveUser(ctx, u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if ok, _ := s.HasUserEmail(ctx, "ada@example.com"); ok {
		t.Fatalf("expected old email to be released")
	}
	got, ok, err := s.GetUserByEmail(ctx, "ada@new.example.com")
	if err != nil || !ok || got.ID != "u1" {
		t.Fatalf("unexpected lookup result: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestMemoryStoreSaveUserRejectsEmailOfAnotherAccount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.SaveUser(ctx, domain.User{ID: "u1", Email: "ada@example.com"}); err != nil {
		t.Fatalf("save u1: %v", err)
	}
	if err := s.SaveUser(ctx, domain.User{ID: "u2", Email: "ADA@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, ok, _ := s.GetUserByID(ctx, "u2"); ok {
		t.Fatalf("rejected user must not be stored")
	}
	got, ok, err := s.GetUserByEmail(ctx, "ada@example.com")
	if err != nil || !ok || got.ID != "u1" {
		t.Fatalf("expected u1 to keep the email, got %+v ok=%v err=%v", got, ok, err)
	}
	if err := s.SaveUser(ctx, domain.User{ID: "u1", Email: "ada@example.com", DisplayName: "Ada"}); err != nil {
		t.Fatalf("resave u1 with its own email: %v", err)
	}
}

func TestImageModelRoundTripKeepsAttributes(t *testing.T) {
	img := domain.Image{
		ID:          "i1",
		OwnerID:     "u1",
		URL:         "https://x/cat.png",
		Filename:    "cat.png",
		StorageKey:  "images/u1/1_cat.png",
		ContentType: "image/png",
		SizeBytes:   2048,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	model := imageToModel(img)
	// JSON columns come back with float64 numbers.
	model.Attributes[attrSizeBytes] = float64(2048)
	if got := imageFromModel(model); got != img {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
