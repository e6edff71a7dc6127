package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"media-studio/internal/integrations/paramstore"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultImageModel = "gemini-3-pro-image-preview"
	defaultVideoModel = "veo-3.1-fast-generate-preview"
	defaultTimeout    = 120 * time.Second

	keyParameterSuffix = "/gemini-api-key"
	entityNotFoundText = "Requested entity was not found"
)

var (
	// ErrEntityNotFound is returned when the provider rejects the project or
	// key behind the request. The cached key is dropped when it is seen.
	ErrEntityNotFound = errors.New("gemini: requested entity was not found")
	// ErrNoImageData is returned when a generation response holds no image part.
	ErrNoImageData = errors.New("gemini: no image data in response")
)

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Message    string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, detail)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ProviderMessage returns the message reported by the provider, if any.
func (e *HTTPStatusError) ProviderMessage() string {
	return e.Message
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Client talks to the Gemini REST API for image and video generation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     paramstore.Getter
	keyParam   string
	imageModel string
	videoModel string
	poll       PollPolicy
	onPoll     func(attempt int, done bool)
	logger     *zap.Logger

	keyMu    sync.RWMutex
	apiKey   string
	keyGroup singleflight.Group
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithImageModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.imageModel = m
		}
	}
}

func WithVideoModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.videoModel = m
		}
	}
}

func WithPollPolicy(p PollPolicy) Option {
	return func(c *Client) {
		c.poll = p.withDefaults()
	}
}

// WithPollObserver registers a callback invoked after every operation poll.
func WithPollObserver(fn func(attempt int, done bool)) Option {
	return func(c *Client) {
		c.onPoll = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client whose API key is read from the parameter store
// at <paramPrefix>/gemini-api-key on first use.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		getter:     ps,
		keyParam:   paramPrefix + keyParameterSuffix,
		imageModel: defaultImageModel,
		videoModel: defaultVideoModel,
		poll:       DefaultPollPolicy(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey returns the cached key, fetching it when the cache is empty.
// Concurrent callers share a single parameter store read.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.RLock()
	key := c.apiKey
	c.keyMu.RUnlock()
	if key != "" {
		return key, nil
	}

	v, err, _ := c.keyGroup.Do("api-key", func() (any, error) {
		key, err := paramstore.GetToken(ctx, c.getter, c.keyParam)
		if err != nil {
			return "", err
		}
		c.keyMu.Lock()
		c.apiKey = key
		c.keyMu.Unlock()
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("gemini: resolve api key: %w", err)
	}
	return v.(string), nil
}

// InvalidateKey drops the cached key so the next call selects it again.
func (c *Client) InvalidateKey() {
	c.keyMu.Lock()
	c.apiKey = ""
	c.keyMu.Unlock()
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func apiBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1beta") {
		return base
	}
	return base + "/v1beta"
}

func generateContentURL(baseURL, model string) string {
	return apiBase(baseURL) + "/models/" + model + ":generateContent"
}

func predictLongRunningURL(baseURL, model string) string {
	return apiBase(baseURL) + "/models/" + model + ":predictLongRunning"
}

func operationURL(baseURL, name string) string {
	return apiBase(baseURL) + "/" + strings.TrimLeft(name, "/")
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, url)
}

func (c *Client) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(ctx, req, url)
}

// do authenticates req, executes it and returns the response body. Entity
// not found responses invalidate the cached key.
func (c *Client) do(ctx context.Context, req *http.Request, url string) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, c.statusError(res, url)
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxJSONBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func (c *Client) statusError(res *http.Response, url string) error {
	statusErr := newHTTPStatusError(res, url)
	if res.StatusCode == http.StatusNotFound || strings.Contains(statusErr.Message, entityNotFoundText) {
		c.InvalidateKey()
		c.logger.Warn("provider reported entity not found, api key cache dropped",
			zap.Int("status", res.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("%w: %w", ErrEntityNotFound, statusErr)
	}
	return statusErr
}

// newHTTPStatusError reads the error body without touching the key cache.
func newHTTPStatusError(res *http.Response, url string) *HTTPStatusError {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	statusErr := &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
	var env errorEnvelope
	if json.Unmarshal(buf, &env) == nil {
		statusErr.Message = env.Error.Message
	}
	return statusErr
}

// maxJSONBytes bounds JSON responses; inline 4K images are several MiB.
const maxJSONBytes = 64 << 20
