package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"media-studio/internal/domain"
)

const (
	defaultVideoPrompt = "Smooth cinematic movement"
	videoResolution    = "720p"
)

// maxVideoBytes bounds a downloaded video; larger bodies are rejected, not
// truncated.
var maxVideoBytes int64 = 256 << 20

// ErrPollTimeout is returned when a video operation does not finish within
// the poll policy's attempt or time budget.
var ErrPollTimeout = errors.New("gemini: video operation did not complete in time")

// ErrVideoTooLarge is returned when a generated video exceeds the download
// limit.
var ErrVideoTooLarge = errors.New("gemini: video too large")

var errNotDone = errors.New("gemini: operation not done")

// PollPolicy bounds the video operation poll loop.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int
	Timeout         time.Duration
}

// DefaultPollPolicy starts at the provider's recommended 5s interval and gives
// up after ten minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      1.5,
		Jitter:          0.1,
		MaxAttempts:     60,
		Timeout:         10 * time.Minute,
	}
}

func (p PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// JobError is a failure reported by the provider inside a finished operation.
type JobError struct {
	Operation string
	Code      int
	Message   string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("gemini: video operation %s failed (code %d): %s", e.Operation, e.Code, e.Message)
}

func (e *JobError) ProviderMessage() string {
	return e.Message
}

// VideoRequest animates a still image.
type VideoRequest struct {
	Image       domain.Blob
	Prompt      string
	AspectRatio domain.AspectRatio
}

type videoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type videoInstance struct {
	Prompt string      `json:"prompt"`
	Image  *videoImage `json:"image,omitempty"`
}

type videoParameters struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	SampleCount int    `json:"sampleCount,omitempty"`
}

type predictRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters videoParameters `json:"parameters"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

func (op *operation) videoURI() string {
	if op.Response == nil {
		return ""
	}
	samples := op.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 {
		return ""
	}
	return samples[0].Video.URI
}

// videoAspectRatio maps a gallery ratio onto the two ratios the video model
// accepts.
func videoAspectRatio(a domain.AspectRatio) string {
	if a.Portrait() {
		return string(domain.AspectTall)
	}
	return string(domain.AspectWide)
}

// GenerateVideo submits an image-to-video job, waits for it under the poll
// policy and downloads the first generated video.
func (c *Client) GenerateVideo(ctx context.Context, in VideoRequest) (domain.Blob, error) {
	if len(in.Image.Data) == 0 {
		return domain.Blob{}, errors.New("gemini: video source image is empty")
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = defaultVideoPrompt
	}

	op, err := c.submitVideo(ctx, predictRequest{
		Instances: []videoInstance{{
			Prompt: prompt,
			Image: &videoImage{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(in.Image.Data),
				MimeType:           in.Image.MIMEType,
			},
		}},
		Parameters: videoParameters{
			AspectRatio: videoAspectRatio(in.AspectRatio),
			Resolution:  videoResolution,
			SampleCount: 1,
		},
	})
	if err != nil {
		return domain.Blob{}, fmt.Errorf("gemini: submit video: %w", err)
	}
	name := op.Name
	c.logger.Info("video operation submitted",
		zap.String("operation", name),
		zap.String("model", c.videoModel),
		zap.Bool("done", op.Done),
	)

	if op.Done {
		if err := c.operationError(op); err != nil {
			return domain.Blob{}, err
		}
	} else {
		op, err = c.waitForOperation(ctx, name)
		if err != nil {
			return domain.Blob{}, err
		}
	}

	uri := op.videoURI()
	if uri == "" {
		return domain.Blob{}, fmt.Errorf("gemini: video operation %s finished without a video", name)
	}
	blob, err := c.downloadVideo(ctx, uri)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("gemini: fetch video: %w", err)
	}
	c.logger.Info("video fetched", zap.String("operation", name), zap.Int("bytes", len(blob.Data)))
	return blob, nil
}

func (c *Client) submitVideo(ctx context.Context, req predictRequest) (*operation, error) {
	raw, err := c.postJSON(ctx, predictLongRunningURL(c.baseURL, c.videoModel), req)
	if err != nil {
		return nil, err
	}
	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if op.Name == "" {
		return nil, errors.New("operation name missing from response")
	}
	return &op, nil
}

func (c *Client) getOperation(ctx context.Context, name string) (*operation, error) {
	raw, err := c.getJSON(ctx, operationURL(c.baseURL, name))
	if err != nil {
		return nil, err
	}
	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return &op, nil
}

// operationError reports the failure carried by a finished operation, if any.
func (c *Client) operationError(op *operation) error {
	if op.Error == nil {
		return nil
	}
	jobErr := &JobError{Operation: op.Name, Code: op.Error.Code, Message: op.Error.Message}
	if strings.Contains(jobErr.Message, entityNotFoundText) {
		c.InvalidateKey()
		return fmt.Errorf("%w: %w", ErrEntityNotFound, jobErr)
	}
	return jobErr
}

// waitForOperation polls with exponential backoff until the operation is
// done, the attempt budget is spent, the policy timeout passes or ctx ends.
// The first poll happens one InitialInterval after submission.
func (c *Client) waitForOperation(ctx context.Context, name string) (*operation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.poll.Timeout)
	defer cancel()

	first := time.NewTimer(c.poll.InitialInterval)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return nil, c.pollFailed(name, 0, context.Cause(ctx))
	case <-first.C:
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.poll.InitialInterval
	b.MaxInterval = c.poll.MaxInterval
	b.Multiplier = c.poll.Multiplier
	b.RandomizationFactor = c.poll.Jitter

	attempt := 0
	op, err := backoff.Retry(ctx, func() (*operation, error) {
		attempt++
		op, err := c.getOperation(ctx, name)
		if err != nil {
			if retryablePollError(err) {
				c.logger.Debug("video poll failed, retrying", zap.String("operation", name), zap.Int("attempt", attempt), zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if c.onPoll != nil {
			c.onPoll(attempt, op.Done)
		}
		if op.Name == "" {
			op.Name = name
		}
		if err := c.operationError(op); err != nil {
			return nil, backoff.Permanent(err)
		}
		if !op.Done {
			return nil, errNotDone
		}
		return op, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.poll.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.poll.Timeout),
	)
	if err == nil {
		c.logger.Debug("video operation done", zap.String("operation", name), zap.Int("attempts", attempt))
		return op, nil
	}
	return nil, c.pollFailed(name, attempt, err)
}

// pollFailed classifies the error that ended the poll loop. Anything other
// than a permanent failure or a cancellation means the budget ran out, even
// when the last attempt itself failed with a retryable status.
func (c *Client) pollFailed(name string, attempts int, err error) error {
	var permanent *backoff.PermanentError
	switch {
	case errors.As(err, &permanent):
		// Retry hands back the wrapper when the last allowed try was permanent.
		return fmt.Errorf("gemini: poll video operation %s: %w", name, permanent.Unwrap())
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("gemini: poll video operation %s: %w", name, err)
	case !retryablePollError(err):
		return fmt.Errorf("gemini: poll video operation %s: %w", name, err)
	}
	c.logger.Warn("video operation poll budget exhausted",
		zap.String("operation", name),
		zap.Int("attempts", attempts),
		zap.Duration("timeout", c.poll.Timeout),
		zap.Error(err),
	)
	return fmt.Errorf("%w: operation %s after %d attempts: %w", ErrPollTimeout, name, attempts, err)
}

// retryablePollError reports whether a poll failure is worth another attempt:
// transport errors, throttling and server errors.
func retryablePollError(err error) bool {
	var jobErr *JobError
	if errors.Is(err, ErrEntityNotFound) || errors.As(err, &jobErr) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

// downloadVideo fetches the generated asset. The download link requires the
// API key as a query parameter.
func (c *Client) downloadVideo(ctx context.Context, uri string) (domain.Blob, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.Blob{}, err
	}
	signed, err := withKey(uri, apiKey)
	if err != nil {
		return domain.Blob{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("create request: %w", err)
	}
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("download request failed: %w", redactKey(err, apiKey))
	}
	defer func() { _ = res.Body.Close() }()

	// The file host is not the API; a 404 here says nothing about the key.
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.Blob{}, newHTTPStatusError(res, uri)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxVideoBytes+1))
	if err != nil {
		return domain.Blob{}, fmt.Errorf("read video body: %w", err)
	}
	if int64(len(data)) > maxVideoBytes {
		return domain.Blob{}, fmt.Errorf("%w: video exceeds %d bytes", ErrVideoTooLarge, maxVideoBytes)
	}
	if len(data) == 0 {
		return domain.Blob{}, errors.New("video body is empty")
	}
	mime := res.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "video/mp4"
	}
	return domain.Blob{MIMEType: mime, Data: data}, nil
}

func withKey(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse video uri: %w", err)
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactKey strips the key from transport errors, which embed the request URL.
func redactKey(err error, apiKey string) error {
	msg := err.Error()
	if apiKey == "" || !strings.Contains(msg, apiKey) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, apiKey, "REDACTED"))
}
