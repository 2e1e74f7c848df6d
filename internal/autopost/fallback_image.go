package autopost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

const maxImageBytes = 20 << 20

// GeneratedImage is what an image service hands back: either inline bytes
// or a short-lived URL to fetch them from.
type GeneratedImage struct {
	Data        []byte
	URL         string
	ContentType string
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (GeneratedImage, error)
}

type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// FallbackImageGenerator produces a cover when no entity image is usable.
// Every failure is logged and reported as "".
type FallbackImageGenerator struct {
	images   ImageGenerator
	uploader ObjectUploader
	http     *http.Client
	log      *logger.Logger
	now      func() time.Time
}

func NewFallbackImageGenerator(images ImageGenerator, uploader ObjectUploader, log *logger.Logger) *FallbackImageGenerator {
	return &FallbackImageGenerator{
		images:   images,
		uploader: uploader,
		http:     &http.Client{Timeout: 60 * time.Second},
		log:      log.With("component", "FallbackImageGenerator"),
		now:      time.Now,
	}
}

func (f *FallbackImageGenerator) Generate(ctx context.Context, seed string) string {
	if f == nil || f.images == nil || f.uploader == nil {
		return ""
	}
	img, err := f.images.GenerateImage(ctx, imagePrompt(seed))
	if err != nil {
		f.log.Warn("fallback image generation failed", "error", err.Error())
		return ""
	}
	data := img.Data
	if len(data) == 0 && img.URL != "" {
		data, err = f.download(ctx, img.URL)
		if err != nil {
			f.log.Warn("fallback image download failed", "error", err.Error())
			return ""
		}
	}
	if len(data) == 0 {
		f.log.Warn("fallback image service returned no image")
		return ""
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	key := f.objectKey()
	if err := f.uploader.Upload(ctx, key, data, contentType); err != nil {
		f.log.Warn("fallback image upload failed", "key", key, "error", err.Error())
		return ""
	}
	url := f.uploader.PublicURL(key)
	f.log.Info("fallback cover generated", "key", key, "bytes", len(data))
	return url
}

func (f *FallbackImageGenerator) objectKey() string {
	now := f.now().UTC()
	return fmt.Sprintf("autopost/covers/%04d/%02d/%s.png", now.Year(), int(now.Month()), uuid.NewString())
}

func (f *FallbackImageGenerator) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, errors.New("image exceeds size limit")
	}
	return data, nil
}
