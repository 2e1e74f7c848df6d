package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
)

const (
	DefaultModel = "dall-e-3"
	DefaultSize  = "1792x1024"
)

type imagesAPI interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
}

// OpenAI renders cover art with the OpenAI images endpoint.
type OpenAI struct {
	images imagesAPI
	model  string
	size   string
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newOpenAI(&client.Images, cfg), nil
}

func newOpenAI(images imagesAPI, cfg Config) *OpenAI {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.Size) == "" {
		cfg.Size = DefaultSize
	}
	return &OpenAI{images: images, model: cfg.Model, size: cfg.Size}
}

func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (autopost.GeneratedImage, error) {
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(o.model),
		Size:   openai.ImageGenerateParamsSize(o.size),
		N:      openai.Int(1),
	}
	// gpt-image models always return base64 and reject response_format.
	if strings.HasPrefix(o.model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}
	resp, err := o.images.Generate(ctx, params)
	if err != nil {
		return autopost.GeneratedImage{}, err
	}
	if resp == nil || len(resp.Data) == 0 {
		return autopost.GeneratedImage{}, errors.New("openai: empty image response")
	}
	img := resp.Data[0]
	if b64 := strings.TrimSpace(img.B64JSON); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return autopost.GeneratedImage{}, fmt.Errorf("decode image: %w", err)
		}
		return autopost.GeneratedImage{Data: data, ContentType: "image/png"}, nil
	}
	if u := strings.TrimSpace(img.URL); u != "" {
		return autopost.GeneratedImage{URL: u, ContentType: "image/png"}, nil
	}
	return autopost.GeneratedImage{}, errors.New("openai: image has neither url nor data")
}
