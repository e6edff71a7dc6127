package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"media-studio/internal/domain"
)

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

// ImageRequest is a text-to-image or reference-guided generation.
type ImageRequest struct {
	Prompt      string
	Reference   *domain.Blob
	AspectRatio domain.AspectRatio
	Size        domain.ImageSize
}

// EditRequest applies an instruction to an existing image.
type EditRequest struct {
	Source      domain.Blob
	Instruction string
}

// GenerateImage calls generateContent on the image model and returns the
// first image part of the response.
func (c *Client) GenerateImage(ctx context.Context, in ImageRequest) (domain.Blob, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return domain.Blob{}, errors.New("gemini: prompt must not be empty")
	}

	parts := []part{{Text: in.Prompt}}
	if in.Reference != nil {
		// The reference image precedes the text so the model reads it first.
		parts = append([]part{inlinePart(*in.Reference)}, parts...)
	}

	req := generateContentRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &imageConfig{
				AspectRatio: string(in.AspectRatio),
				ImageSize:   string(in.Size),
			},
		},
	}

	blob, err := c.generateContent(ctx, req)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("gemini: generate image: %w", err)
	}
	c.logger.Debug("image generated",
		zap.String("model", c.imageModel),
		zap.String("mime_type", blob.MIMEType),
		zap.Int("bytes", len(blob.Data)),
		zap.Bool("reference", in.Reference != nil),
	)
	return blob, nil
}

// EditImage sends the source image with an instruction in a single round trip.
func (c *Client) EditImage(ctx context.Context, in EditRequest) (domain.Blob, error) {
	if strings.TrimSpace(in.Instruction) == "" {
		return domain.Blob{}, errors.New("gemini: edit instruction must not be empty")
	}
	if len(in.Source.Data) == 0 {
		return domain.Blob{}, errors.New("gemini: edit source image is empty")
	}

	req := generateContentRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{inlinePart(in.Source), {Text: in.Instruction}},
		}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	blob, err := c.generateContent(ctx, req)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("gemini: edit image: %w", err)
	}
	return blob, nil
}

func (c *Client) generateContent(ctx context.Context, req generateContentRequest) (domain.Blob, error) {
	raw, err := c.postJSON(ctx, generateContentURL(c.baseURL, c.imageModel), req)
	if err != nil {
		return domain.Blob{}, err
	}

	var payload generateContentResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Blob{}, fmt.Errorf("decode response: %w", err)
	}
	return firstImage(payload)
}

func firstImage(resp generateContentResponse) (domain.Blob, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return domain.Blob{}, fmt.Errorf("%w: prompt blocked (%s)", ErrNoImageData, resp.PromptFeedback.BlockReason)
		}
		return domain.Blob{}, ErrNoImageData
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return domain.Blob{}, fmt.Errorf("decode inline image: %w", err)
		}
		mime := p.InlineData.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return domain.Blob{MIMEType: mime, Data: data}, nil
	}
	return domain.Blob{}, ErrNoImageData
}

func inlinePart(b domain.Blob) part {
	return part{InlineData: &inlineData{
		MimeType: b.MIMEType,
		Data:     base64.StdEncoding.EncodeToString(b.Data),
	}}
}
