package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-studio/internal/auth"
	"media-studio/internal/domain"
	"media-studio/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	codeUnauthenticated  = "UNAUTHENTICATED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	routeUnmatched = "unmatched"
)

// Studio is the set of media operations exposed over HTTP.
type Studio interface {
	Generate(ctx context.Context, id domain.Identity, in usecase.GenerateInput) (domain.Media, error)
	Edit(ctx context.Context, id domain.Identity, sourceID string, in usecase.EditInput) (domain.Media, error)
	Animate(ctx context.Context, id domain.Identity, sourceID string, in usecase.AnimateInput) (domain.Media, error)
	History(ctx context.Context, id domain.Identity, limit int) ([]domain.Media, error)
	Media(ctx context.Context, id domain.Identity, mediaID string) (domain.Media, error)
	Content(ctx context.Context, id domain.Identity, mediaID string) (domain.Blob, error)
	Session(ctx context.Context, id domain.Identity) (domain.Session, error)
	SetLanguage(ctx context.Context, id domain.Identity, lang domain.Language) (domain.Session, error)
}

// Authenticator turns a bearer token into a caller identity.
type Authenticator interface {
	Verify(token string) (domain.Identity, error)
}

type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int)
}

type Handler struct {
	studio   Studio
	auth     Authenticator
	recorder RequestRecorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Handler)

func WithRecorder(r RequestRecorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(studio Studio, authn Authenticator, opts ...Option) (*Handler, error) {
	if studio == nil {
		return nil, errors.New("handler: studio must not be nil")
	}
	if authn == nil {
		return nil, errors.New("handler: authenticator must not be nil")
	}
	h := &Handler{
		studio: studio,
		auth:   authn,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type generateRequest struct {
	Prompt         string `json:"prompt"`
	AspectRatio    string `json:"aspectRatio"`
	Size           string `json:"size"`
	ReferenceImage string `json:"referenceImage"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type languageRequest struct {
	Language string `json:"language"`
}

type historyResponse struct {
	Items []domain.Media `json:"items"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// request is the routed view of one API Gateway event.
type request struct {
	event         events.APIGatewayProxyRequest
	correlationID string
	mediaID       string
	identity      domain.Identity
}

type endpoint struct {
	public bool
	serve  func(h *Handler, ctx context.Context, r request) (events.APIGatewayProxyResponse, error)
}

var endpoints = map[string]map[string]endpoint{
	"/health": {
		http.MethodGet: {public: true, serve: (*Handler).health},
	},
	"/session": {
		http.MethodGet: {serve: (*Handler).session},
	},
	"/session/language": {
		http.MethodPut: {serve: (*Handler).setLanguage},
	},
	"/images": {
		http.MethodPost: {serve: (*Handler).generate},
	},
	"/media": {
		http.MethodGet: {serve: (*Handler).history},
	},
	"/media/{id}": {
		http.MethodGet: {serve: (*Handler).media},
	},
	"/media/{id}/content": {
		http.MethodGet: {serve: (*Handler).content},
	},
	"/media/{id}/edit": {
		http.MethodPost: {serve: (*Handler).edit},
	},
	"/media/{id}/animate": {
		http.MethodPost: {serve: (*Handler).animate},
	},
}

// resolveRoute maps a concrete path to its route pattern and the media id it
// carries, if any.
func resolveRoute(path string) (string, string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segs) == 1 && segs[0] == "health":
		return "/health", ""
	case len(segs) == 1 && segs[0] == "session":
		return "/session", ""
	case len(segs) == 2 && segs[0] == "session" && segs[1] == "language":
		return "/session/language", ""
	case len(segs) == 1 && segs[0] == "images":
		return "/images", ""
	case len(segs) == 1 && segs[0] == "media":
		return "/media", ""
	case len(segs) == 2 && segs[0] == "media" && segs[1] != "":
		return "/media/{id}", segs[1]
	case len(segs) == 3 && segs[0] == "media" && segs[1] != "":
		switch segs[2] {
		case "content", "edit", "animate":
			return "/media/{id}/" + segs[2], segs[1]
		}
	}
	return "", ""
}

// Handle serves one API Gateway proxy event. Failures are rendered into the
// response; the returned error is always nil.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	start := h.now()
	r := request{event: event, correlationID: correlationID(event)}
	route := routeUnmatched

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("panic recovered",
				zap.Any("panic", p),
				zap.String("path", event.Path),
				zap.String("correlation_id", r.correlationID),
			)
			resp, err = h.errorJSON(r, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}), nil
		}
		if resp.Headers == nil {
			resp.Headers = map[string]string{}
		}
		resp.Headers[correlationHeader] = r.correlationID
		if h.recorder != nil {
			h.recorder.RecordHTTPRequest(event.HTTPMethod, route, resp.StatusCode)
		}
		h.logger.Info("request",
			zap.String("method", event.HTTPMethod),
			zap.String("route", route),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", h.now().Sub(start)),
			zap.String("correlation_id", r.correlationID),
		)
	}()

	pattern, mediaID := resolveRoute(event.Path)
	methods, ok := endpoints[pattern]
	if !ok {
		return h.errorJSON(r, http.StatusNotFound, errorResponse{
			Error:  string(usecase.ErrorNotFound),
			Reason: "route_not_found",
		}), nil
	}
	route = pattern
	ep, ok := methods[event.HTTPMethod]
	if !ok {
		return h.errorJSON(r, http.StatusMethodNotAllowed, errorResponse{
			Error:  codeMethodNotAllowed,
			Reason: strings.ToLower(event.HTTPMethod) + "_not_allowed",
		}), nil
	}
	r.mediaID = mediaID

	if !ep.public {
		id, reason, authErr := h.authenticate(event)
		if authErr != nil {
			h.logger.Debug("authentication failed",
				zap.String("reason", reason),
				zap.String("correlation_id", r.correlationID),
				zap.Error(authErr),
			)
			return h.errorJSON(r, http.StatusUnauthorized, errorResponse{
				Error:  codeUnauthenticated,
				Reason: reason,
			}), nil
		}
		r.identity = id
	}

	resp, serveErr := ep.serve(h, ctx, r)
	if serveErr != nil {
		return h.failure(r, serveErr), nil
	}
	return resp, nil
}

func (h *Handler) authenticate(event events.APIGatewayProxyRequest) (domain.Identity, string, error) {
	token, err := auth.BearerToken(header(event, "Authorization"))
	if err != nil {
		return domain.Identity{}, "missing_token", err
	}
	id, err := h.auth.Verify(token)
	if err != nil {
		return domain.Identity{}, "invalid_token", err
	}
	return id, "", nil
}

func (h *Handler) health(_ context.Context, r request) (events.APIGatewayProxyResponse, error) {
	return h.jsonResponse(r, http.StatusOK, healthResponse{Status: "ok"}), nil
}

func (h *Handler) session(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	s, err := h.studio.Session(ctx, r.identity)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusOK, s), nil
}

func (h *Handler) setLanguage(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	var in languageRequest
	if err := decodeBody(r.event, &in, false); err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	s, err := h.studio.SetLanguage(ctx, r.identity, domain.Language(strings.TrimSpace(in.Language)))
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusOK, s), nil
}

func (h *Handler) generate(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	var in generateRequest
	if err := decodeBody(r.event, &in, false); err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	m, err := h.studio.Generate(ctx, r.identity, usecase.GenerateInput{
		Prompt:         in.Prompt,
		AspectRatio:    domain.AspectRatio(strings.TrimSpace(in.AspectRatio)),
		Size:           domain.ImageSize(strings.ToUpper(strings.TrimSpace(in.Size))),
		ReferenceImage: in.ReferenceImage,
	})
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusCreated, m), nil
}

func (h *Handler) history(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	limit := 0
	if raw := strings.TrimSpace(r.event.QueryStringParameters["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return events.APIGatewayProxyResponse{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_limit", Err: err}
		}
		limit = n
	}
	items, err := h.studio.History(ctx, r.identity, limit)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	if items == nil {
		items = []domain.Media{}
	}
	return h.jsonResponse(r, http.StatusOK, historyResponse{Items: items}), nil
}

func (h *Handler) media(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	m, err := h.studio.Media(ctx, r.identity, r.mediaID)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusOK, m), nil
}

func (h *Handler) content(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	b, err := h.studio.Content(ctx, r.identity, r.mediaID)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":   b.MIMEType,
			"Content-Length": strconv.Itoa(len(b.Data)),
			"Cache-Control":  "private, max-age=3600",
		},
		Body:            base64.StdEncoding.EncodeToString(b.Data),
		IsBase64Encoded: true,
	}, nil
}

func (h *Handler) edit(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	var in promptRequest
	if err := decodeBody(r.event, &in, false); err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	m, err := h.studio.Edit(ctx, r.identity, r.mediaID, usecase.EditInput{Prompt: in.Prompt})
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusCreated, m), nil
}

func (h *Handler) animate(ctx context.Context, r request) (events.APIGatewayProxyResponse, error) {
	var in promptRequest
	if err := decodeBody(r.event, &in, true); err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	m, err := h.studio.Animate(ctx, r.identity, r.mediaID, usecase.AnimateInput{Prompt: in.Prompt})
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return h.jsonResponse(r, http.StatusCreated, m), nil
}

// decodeBody unmarshals a JSON body. allowEmpty accepts a missing body.
func decodeBody(event events.APIGatewayProxyRequest, v any, allowEmpty bool) error {
	body := event.Body
	if event.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
		}
		body = string(raw)
	}
	if strings.TrimSpace(body) == "" {
		if allowEmpty {
			return nil
		}
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func (h *Handler) failure(r request, err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.logger.Error("unclassified error",
			zap.String("correlation_id", r.correlationID),
			zap.Error(err),
		)
		return h.errorJSON(r, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("code", string(ue.Code)),
			zap.String("reason", ue.Reason),
			zap.String("correlation_id", r.correlationID),
			zap.Error(ue.Err),
		)
	}
	return h.errorJSON(r, status, errorResponse{
		Error:   string(ue.Code),
		Reason:  ue.Reason,
		Message: ue.Message,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorBusy:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorAPIKeyRejected, usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) jsonResponse(r request, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode response",
			zap.String("correlation_id", r.correlationID),
			zap.Error(err),
		)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       fmt.Sprintf(`{"error":%q}`, usecase.ErrorInternal),
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func (h *Handler) errorJSON(r request, status int, body errorResponse) events.APIGatewayProxyResponse {
	return h.jsonResponse(r, status, body)
}

// header looks a request header up case-insensitively.
func header(event events.APIGatewayProxyRequest, name string) string {
	for k, v := range event.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	for k, vs := range event.MultiValueHeaders {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func correlationID(event events.APIGatewayProxyRequest) string {
	if v := strings.TrimSpace(header(event, correlationHeader)); v != "" {
		return v
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
