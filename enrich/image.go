package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strings"

	"github.com/docutag/capture/models"
	"github.com/docutag/capture/slug"
	"github.com/docutag/capture/storage"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned for pasted data that does not decode as an image
var ErrUnsupportedImage = errors.New("unsupported image data")

// ErrNoBlobStorage is returned when pasted images cannot be stored
var ErrNoBlobStorage = errors.New("no blob storage configured")

// ImagePath is the API path a pasted image is served from
func ImagePath(id string) string {
	return "/api/items/" + id + "/image"
}

// CaptureImage stores pasted image data and creates an idle item for it.
// Image items have no URL and are never enriched.
func (o *Orchestrator) CaptureImage(ctx context.Context, bucketID, name string, data []byte) (models.CaptureItem, error) {
	if o.blobs == nil {
		return models.CaptureItem{}, ErrNoBlobStorage
	}
	if _, err := o.store.Bucket(bucketID); err != nil {
		return models.CaptureItem{}, err
	}

	item, err := inspectImage(data)
	if err != nil {
		return models.CaptureItem{}, err
	}

	base := slug.GenerateWithFallback(slug.FromFilename(name), "pasted-image")
	key, err := storage.SaveImage(ctx, o.blobs, data, base, item.ContentType)
	if err != nil {
		return models.CaptureItem{}, err
	}

	item.ID = uuid.New().String()
	item.BucketID = bucketID
	item.Title = strings.TrimSpace(name)
	if item.Title == "" {
		item.Title = models.PlaceholderTitle
	}
	item.Image = ImagePath(item.ID)
	item.BlobKey = key
	item.MetaStatus = models.StatusIdle

	inserted, err := o.store.Insert(item)
	if err != nil {
		if delErr := o.blobs.Delete(ctx, key); delErr != nil {
			slog.Error("failed to remove orphaned image blob", "key", key, "error", delErr)
		}
		return models.CaptureItem{}, fmt.Errorf("failed to insert image item: %w", err)
	}

	slog.Info("image captured", "item_id", inserted.ID, "key", key,
		"content_type", inserted.ContentType, "width", inserted.Width, "height", inserted.Height)
	o.publish(models.EventItemCreated, inserted)
	o.updateGauges()
	return inserted, nil
}

// inspectImage fills content type, dimensions and capture time. Dimensions
// are display dimensions: EXIF orientations 5-8 swap width and height.
func inspectImage(data []byte) (models.CaptureItem, error) {
	if len(data) == 0 {
		return models.CaptureItem{}, ErrUnsupportedImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.CaptureItem{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	item := models.CaptureItem{
		ContentType: "image/" + format,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		item.ContentType = sniffed
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		// Most images carry no EXIF block
		return item, nil
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if orientation, err := tag.Int(0); err == nil && orientation >= 5 && orientation <= 8 {
			item.Width, item.Height = item.Height, item.Width
		}
	}
	if taken, err := x.DateTime(); err == nil {
		item.TakenAt = &taken
	}
	return item, nil
}

// OpenImage returns the stored bytes and content type of a pasted image item
func (o *Orchestrator) OpenImage(ctx context.Context, id string) ([]byte, string, error) {
	item, err := o.store.Get(id)
	if err != nil {
		return nil, "", err
	}
	if item.BlobKey == "" || o.blobs == nil {
		return nil, "", storage.ErrNotFound
	}
	data, err := o.blobs.Get(ctx, item.BlobKey)
	if err != nil {
		return nil, "", err
	}
	return data, item.ContentType, nil
}
