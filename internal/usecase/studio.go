package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-studio/internal/blob"
	"media-studio/internal/domain"
	"media-studio/internal/integrations/gemini"
	"media-studio/internal/repository"
)

const (
	defaultMaxPrompt         = 2000
	defaultMaxReferenceBytes = 8 << 20
	defaultHistoryLimit      = 50
	maxHistoryLimit          = 200

	opGenerate = "generate"
	opEdit     = "edit"
	opAnimate  = "animate"
)

// MediaGenerator is the generative-media provider.
type MediaGenerator interface {
	GenerateImage(ctx context.Context, in gemini.ImageRequest) (domain.Blob, error)
	EditImage(ctx context.Context, in gemini.EditRequest) (domain.Blob, error)
	GenerateVideo(ctx context.Context, in gemini.VideoRequest) (domain.Blob, error)
}

type BlobStore interface {
	Put(ctx context.Context, id string, b domain.Blob) error
	Get(ctx context.Context, id string) (domain.Blob, error)
}

type HistoryStore interface {
	Prepend(ctx context.Context, userID string, m domain.Media) error
	List(ctx context.Context, userID string, limit int) ([]domain.Media, error)
	Get(ctx context.Context, userID, id string) (domain.Media, error)
}

type PreferenceStore interface {
	Language(ctx context.Context, userID string) (domain.Language, bool, error)
	SetLanguage(ctx context.Context, userID string, lang domain.Language) error
}

// OperationRecorder receives one observation per generation action. code is
// empty on success.
type OperationRecorder interface {
	RecordOperation(operation, code string, d time.Duration)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type providerMessager interface {
	ProviderMessage() string
}

type StudioConfig struct {
	MaxPromptLength   int
	MaxReferenceBytes int
	HistoryLimit      int
	DefaultLanguage   domain.Language
}

type Studio struct {
	gen      MediaGenerator
	blobs    BlobStore
	history  HistoryStore
	prefs    PreferenceStore
	recorder OperationRecorder
	logger   *zap.Logger
	cfg      StudioConfig
	inflight *inflight
	now      func() time.Time
}

type StudioOption func(*Studio)

func WithRecorder(r OperationRecorder) StudioOption {
	return func(s *Studio) {
		s.recorder = r
	}
}

func WithLogger(logger *zap.Logger) StudioOption {
	return func(s *Studio) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type GenerateInput struct {
	Prompt      string
	AspectRatio domain.AspectRatio
	Size        domain.ImageSize
	// ReferenceImage is an optional image data: URI.
	ReferenceImage string
}

type EditInput struct {
	Prompt string
}

// AnimateInput.Prompt defaults to the source image's prompt.
type AnimateInput struct {
	Prompt string
}

func NewStudio(gen MediaGenerator, blobs BlobStore, history HistoryStore, prefs PreferenceStore, cfg StudioConfig, opts ...StudioOption) (*Studio, error) {
	if gen == nil {
		return nil, errors.New("usecase: media generator must not be nil")
	}
	if blobs == nil {
		return nil, errors.New("usecase: blob store must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if prefs == nil {
		return nil, errors.New("usecase: preference store must not be nil")
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = defaultMaxPrompt
	}
	if cfg.MaxReferenceBytes <= 0 {
		cfg.MaxReferenceBytes = defaultMaxReferenceBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if !cfg.DefaultLanguage.Valid() {
		cfg.DefaultLanguage = domain.LanguageArabic
	}
	s := &Studio{
		gen:      gen,
		blobs:    blobs,
		history:  history,
		prefs:    prefs,
		logger:   zap.NewNop(),
		cfg:      cfg,
		inflight: newInflight(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate creates an image from a prompt and an optional reference image and
// prepends it to the caller's history.
func (s *Studio) Generate(ctx context.Context, id domain.Identity, in GenerateInput) (m domain.Media, err error) {
	if err := requireIdentity(id); err != nil {
		return domain.Media{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return domain.Media{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if promptTooLong(prompt, s.cfg.MaxPromptLength) {
		return domain.Media{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	aspect := in.AspectRatio
	if aspect == "" {
		aspect = domain.AspectSquare
	}
	if !aspect.Valid() {
		return domain.Media{}, newError(ErrorInvalidInput, "invalid_aspect_ratio", nil)
	}
	size := in.Size
	if size == "" {
		size = domain.Size1K
	}
	if !size.Valid() {
		return domain.Media{}, newError(ErrorInvalidInput, "invalid_image_size", nil)
	}

	var ref *domain.Blob
	if strings.TrimSpace(in.ReferenceImage) != "" {
		b, err := parseImageDataURI(in.ReferenceImage)
		if err != nil {
			return domain.Media{}, newError(ErrorInvalidInput, "invalid_reference_image", err)
		}
		if len(b.Data) > s.cfg.MaxReferenceBytes {
			return domain.Media{}, newError(ErrorInvalidInput, "reference_too_large", nil)
		}
		ref = &b
	}

	release, ok := s.inflight.acquire(id.UserID)
	if !ok {
		return domain.Media{}, newError(ErrorBusy, "operation_in_progress", nil)
	}
	defer release()

	start := s.now()
	defer func() { s.record(opGenerate, start, err) }()

	out, err := s.gen.GenerateImage(ctx, gemini.ImageRequest{
		Prompt:      prompt,
		Reference:   ref,
		AspectRatio: aspect,
		Size:        size,
	})
	if err != nil {
		return domain.Media{}, s.upstreamError(opGenerate, MessageGenerateFailed, err)
	}

	return s.save(ctx, id.UserID, out, domain.Media{
		Kind:     domain.KindImage,
		Prompt:   generatedPrompt(prompt, ref != nil),
		Metadata: domain.Metadata{AspectRatio: aspect, Size: size},
	})
}

// Edit applies an instruction to one of the caller's images.
func (s *Studio) Edit(ctx context.Context, id domain.Identity, sourceID string, in EditInput) (m domain.Media, err error) {
	if err := requireIdentity(id); err != nil {
		return domain.Media{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return domain.Media{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if promptTooLong(prompt, s.cfg.MaxPromptLength) {
		return domain.Media{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	source, content, err := s.sourceImage(ctx, id.UserID, sourceID)
	if err != nil {
		return domain.Media{}, err
	}

	release, ok := s.inflight.acquire(id.UserID)
	if !ok {
		return domain.Media{}, newError(ErrorBusy, "operation_in_progress", nil)
	}
	defer release()

	start := s.now()
	defer func() { s.record(opEdit, start, err) }()

	out, err := s.gen.EditImage(ctx, gemini.EditRequest{Source: content, Instruction: prompt})
	if err != nil {
		return domain.Media{}, s.upstreamError(opEdit, MessageEditFailed, err)
	}

	return s.save(ctx, id.UserID, out, domain.Media{
		Kind:     domain.KindImage,
		Prompt:   editedPrompt(prompt),
		Metadata: domain.Metadata{ParentID: source.ID},
	})
}

// Animate turns one of the caller's images into a short video. The call
// blocks until the provider's job finishes or the poll budget runs out.
func (s *Studio) Animate(ctx context.Context, id domain.Identity, sourceID string, in AnimateInput) (m domain.Media, err error) {
	if err := requireIdentity(id); err != nil {
		return domain.Media{}, err
	}
	source, content, err := s.sourceImage(ctx, id.UserID, sourceID)
	if err != nil {
		return domain.Media{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = source.Prompt
	}
	if promptTooLong(prompt, s.cfg.MaxPromptLength) {
		return domain.Media{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	aspect := source.Metadata.AspectRatio
	if aspect == "" {
		aspect = domain.AspectWide
	}

	release, ok := s.inflight.acquire(id.UserID)
	if !ok {
		return domain.Media{}, newError(ErrorBusy, "operation_in_progress", nil)
	}
	defer release()

	start := s.now()
	defer func() { s.record(opAnimate, start, err) }()

	out, err := s.gen.GenerateVideo(ctx, gemini.VideoRequest{
		Image:       content,
		Prompt:      prompt,
		AspectRatio: aspect,
	})
	if err != nil {
		return domain.Media{}, s.upstreamError(opAnimate, MessageAnimateFailed, err)
	}

	return s.save(ctx, id.UserID, out, domain.Media{
		Kind:     domain.KindVideo,
		Prompt:   animatedPrompt(prompt),
		Metadata: domain.Metadata{ParentID: source.ID},
	})
}

// History lists the caller's media newest first. limit <= 0 uses the
// configured default.
func (s *Studio) History(ctx context.Context, id domain.Identity, limit int) ([]domain.Media, error) {
	if err := requireIdentity(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	items, err := s.history.List(ctx, id.UserID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return items, nil
}

func (s *Studio) Media(ctx context.Context, id domain.Identity, mediaID string) (domain.Media, error) {
	if err := requireIdentity(id); err != nil {
		return domain.Media{}, err
	}
	return s.lookup(ctx, id.UserID, mediaID)
}

// Content returns the raw bytes of one of the caller's records.
func (s *Studio) Content(ctx context.Context, id domain.Identity, mediaID string) (domain.Blob, error) {
	if err := requireIdentity(id); err != nil {
		return domain.Blob{}, err
	}
	m, err := s.lookup(ctx, id.UserID, mediaID)
	if err != nil {
		return domain.Blob{}, err
	}
	return s.content(ctx, m)
}

func (s *Studio) Session(ctx context.Context, id domain.Identity) (domain.Session, error) {
	if err := requireIdentity(id); err != nil {
		return domain.Session{}, err
	}
	lang, ok, err := s.prefs.Language(ctx, id.UserID)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "preferences_read_error", err)
	}
	if !ok || !lang.Valid() {
		lang = s.cfg.DefaultLanguage
	}
	return domain.Session{
		UserID:   id.UserID,
		Email:    id.Email,
		Admin:    id.Admin,
		Language: lang,
	}, nil
}

// SetLanguage changes the caller's language preference. History is not
// touched.
func (s *Studio) SetLanguage(ctx context.Context, id domain.Identity, lang domain.Language) (domain.Session, error) {
	if err := requireIdentity(id); err != nil {
		return domain.Session{}, err
	}
	if !lang.Valid() {
		return domain.Session{}, newError(ErrorInvalidInput, "invalid_language", nil)
	}
	if err := s.prefs.SetLanguage(ctx, id.UserID, lang); err != nil {
		return domain.Session{}, newError(ErrorInternal, "preferences_write_error", err)
	}
	return domain.Session{
		UserID:   id.UserID,
		Email:    id.Email,
		Admin:    id.Admin,
		Language: lang,
	}, nil
}

func requireIdentity(id domain.Identity) error {
	if strings.TrimSpace(id.UserID) == "" {
		return newError(ErrorInvalidInput, "missing_identity", nil)
	}
	return nil
}

func (s *Studio) lookup(ctx context.Context, userID, mediaID string) (domain.Media, error) {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return domain.Media{}, newError(ErrorInvalidInput, "empty_media_id", nil)
	}
	m, err := s.history.Get(ctx, userID, mediaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Media{}, newError(ErrorNotFound, "media_not_found", err)
		}
		return domain.Media{}, newError(ErrorInternal, "history_read_error", err)
	}
	return m, nil
}

// content reads the blob store first and falls back to an inline data URI.
func (s *Studio) content(ctx context.Context, m domain.Media) (domain.Blob, error) {
	b, err := s.blobs.Get(ctx, m.ID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return domain.Blob{}, newError(ErrorInternal, "blob_read_error", err)
	}
	if inline, perr := parseDataURI(m.URL); perr == nil {
		return inline, nil
	}
	return domain.Blob{}, newError(ErrorNotFound, "content_unavailable", err)
}

func (s *Studio) sourceImage(ctx context.Context, userID, sourceID string) (domain.Media, domain.Blob, error) {
	source, err := s.lookup(ctx, userID, sourceID)
	if err != nil {
		return domain.Media{}, domain.Blob{}, err
	}
	if source.Kind != domain.KindImage {
		return domain.Media{}, domain.Blob{}, newError(ErrorInvalidInput, "source_not_image", nil)
	}
	content, err := s.content(ctx, source)
	if err != nil {
		return domain.Media{}, domain.Blob{}, err
	}
	return source, content, nil
}

// save stores the artifact bytes, then the record. The record is only
// prepended once its bytes are stored.
func (s *Studio) save(ctx context.Context, userID string, out domain.Blob, m domain.Media) (domain.Media, error) {
	m.ID = newUUID()
	m.CreatedAt = s.now().UTC()
	if m.Kind == domain.KindImage {
		m.URL = dataURI(out)
	} else {
		m.URL = domain.ContentPath(m.ID)
	}

	if err := s.blobs.Put(ctx, m.ID, out); err != nil {
		return domain.Media{}, newError(ErrorInternal, "blob_write_error", err)
	}
	if err := s.history.Prepend(ctx, userID, m); err != nil {
		return domain.Media{}, newError(ErrorInternal, "history_write_error", err)
	}
	s.logger.Info("media created",
		zap.String("media_id", m.ID),
		zap.String("type", string(m.Kind)),
		zap.String("parent_id", m.Metadata.ParentID),
		zap.Int("bytes", len(out.Data)),
	)
	return m, nil
}

// upstreamError classifies a provider failure. fallback is shown when the
// provider gave no message of its own.
func (s *Studio) upstreamError(op, fallback string, err error) *Error {
	var out *Error
	switch {
	case errors.Is(err, gemini.ErrEntityNotFound):
		out = newError(ErrorAPIKeyRejected, "api_key_rejected", err).withMessage(MessageAPIKey)
	case errors.Is(err, gemini.ErrPollTimeout):
		out = newError(ErrorTimeout, "video_poll_timeout", err).withMessage(fallback)
	case errors.Is(err, context.DeadlineExceeded):
		out = newError(ErrorTimeout, op+"_timeout", err).withMessage(fallback)
	case errors.Is(err, context.Canceled):
		out = newError(ErrorTimeout, "request_canceled", err).withMessage(fallback)
	case errors.Is(err, gemini.ErrNoImageData):
		out = newError(ErrorUpstream, "no_image_data", err).withMessage(fallback)
	default:
		code, reason := ErrorUpstream, op+"_error"
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			code, reason = ErrorRateLimited, op+"_rate_limited"
		}
		out = newError(code, reason, err).withMessage(providerMessage(err, fallback))
	}
	s.logger.Warn("upstream call failed",
		zap.String("operation", op),
		zap.String("code", string(out.Code)),
		zap.String("reason", out.Reason),
		zap.Error(err),
	)
	return out
}

func (s *Studio) record(op string, start time.Time, err error) {
	if s.recorder == nil {
		return
	}
	code := ""
	if err != nil {
		code = string(ErrorInternal)
		var ue *Error
		if errors.As(err, &ue) {
			code = string(ue.Code)
		}
	}
	s.recorder.RecordOperation(op, code, s.now().Sub(start))
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func providerMessage(err error, fallback string) string {
	var pm providerMessager
	if errors.As(err, &pm) {
		if msg := strings.TrimSpace(pm.ProviderMessage()); msg != "" {
			return msg
		}
	}
	return fallback
}

var newUUID = func() string {
	return uuid.NewString()
}
