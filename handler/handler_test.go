package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"media-studio/internal/auth"
	"media-studio/internal/domain"
	"media-studio/internal/metrics"
	"media-studio/internal/usecase"
)

var caller = domain.Identity{UserID: "u-1", Email: "one@example.com", Admin: true}

type stubStudio struct {
	media   domain.Media
	items   []domain.Media
	blob    domain.Blob
	session domain.Session
	err     error
	panic   bool

	id       domain.Identity
	sourceID string
	limit    int
	lang     domain.Language
	generate usecase.GenerateInput
	edit     usecase.EditInput
	animate  usecase.AnimateInput
}

func (s *stubStudio) Generate(_ context.Context, id domain.Identity, in usecase.GenerateInput) (domain.Media, error) {
	if s.panic {
		panic("boom")
	}
	s.id, s.generate = id, in
	return s.media, s.err
}

func (s *stubStudio) Edit(_ context.Context, id domain.Identity, sourceID string, in usecase.EditInput) (domain.Media, error) {
	s.id, s.sourceID, s.edit = id, sourceID, in
	return s.media, s.err
}

func (s *stubStudio) Animate(_ context.Context, id domain.Identity, sourceID string, in usecase.AnimateInput) (domain.Media, error) {
	s.id, s.sourceID, s.animate = id, sourceID, in
	return s.media, s.err
}

func (s *stubStudio) History(_ context.Context, id domain.Identity, limit int) ([]domain.Media, error) {
	s.id, s.limit = id, limit
	return s.items, s.err
}

func (s *stubStudio) Media(_ context.Context, id domain.Identity, mediaID string) (domain.Media, error) {
	s.id, s.sourceID = id, mediaID
	return s.media, s.err
}

func (s *stubStudio) Content(_ context.Context, id domain.Identity, mediaID string) (domain.Blob, error) {
	s.id, s.sourceID = id, mediaID
	return s.blob, s.err
}

func (s *stubStudio) Session(_ context.Context, id domain.Identity) (domain.Session, error) {
	s.id = id
	return s.session, s.err
}

func (s *stubStudio) SetLanguage(_ context.Context, id domain.Identity, lang domain.Language) (domain.Session, error) {
	s.id, s.lang = id, lang
	return s.session, s.err
}

type stubAuth struct {
	token string
}

func (a stubAuth) Verify(token string) (domain.Identity, error) {
	if token != a.token {
		return domain.Identity{}, auth.ErrUnauthenticated
	}
	return caller, nil
}

func newTestHandler(t *testing.T, studio *stubStudio, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(studio, stubAuth{token: "good"}, opts...)
	require.NoError(t, err)
	return h
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer good",
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, stubAuth{})
	require.Error(t, err)
	_, err = NewHandler(&stubStudio{}, nil)
	require.Error(t, err)
}

func TestResolveRoute(t *testing.T) {
	cases := []struct {
		path, pattern, id string
	}{
		{"/health", "/health", ""},
		{"/session/", "/session", ""},
		{"/session/language", "/session/language", ""},
		{"/images", "/images", ""},
		{"/media", "/media", ""},
		{"/media/abc", "/media/{id}", "abc"},
		{"/media/abc/content", "/media/{id}/content", "abc"},
		{"/media/abc/edit", "/media/{id}/edit", "abc"},
		{"/media/abc/animate", "/media/{id}/animate", "abc"},
		{"/media/abc/delete", "", ""},
		{"/media//edit", "", ""},
		{"/", "", ""},
		{"/ask", "", ""},
	}
	for _, tc := range cases {
		pattern, id := resolveRoute(tc.path)
		require.Equal(t, tc.pattern, pattern, tc.path)
		require.Equal(t, tc.id, id, tc.path)
	}
}

func TestHandle_Generate(t *testing.T) {
	studio := &stubStudio{media: domain.Media{ID: "m-1", Kind: domain.KindImage, Prompt: "a fox"}}
	h := newTestHandler(t, studio)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/images",
		`{"prompt":"a fox","aspectRatio":"16:9","size":"2k","referenceImage":"data:image/png;base64,AA=="}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, caller, studio.id)
	require.Equal(t, usecase.GenerateInput{
		Prompt:         "a fox",
		AspectRatio:    domain.AspectWide,
		Size:           domain.Size2K,
		ReferenceImage: "data:image/png;base64,AA==",
	}, studio.generate)

	out := parseBody[domain.Media](t, resp.Body)
	require.Equal(t, "m-1", out.ID)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers[correlationHeader])
}

func TestHandle_EditAndAnimate(t *testing.T) {
	studio := &stubStudio{media: domain.Media{ID: "m-2"}}
	h := newTestHandler(t, studio)
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodPost, "/media/src-1/edit", `{"prompt":"add a hat"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "src-1", studio.sourceID)
	require.Equal(t, usecase.EditInput{Prompt: "add a hat"}, studio.edit)

	// Animate accepts an empty body.
	resp, err = h.Handle(ctx, makeEvent(http.MethodPost, "/media/src-2/animate", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "src-2", studio.sourceID)
	require.Equal(t, usecase.AnimateInput{}, studio.animate)

	event := makeEvent(http.MethodPost, "/media/src-3/animate", base64.StdEncoding.EncodeToString([]byte(`{"prompt":"pan left"}`)))
	event.IsBase64Encoded = true
	resp, err = h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.AnimateInput{Prompt: "pan left"}, studio.animate)
}

func TestHandle_History(t *testing.T) {
	studio := &stubStudio{}
	h := newTestHandler(t, studio)
	ctx := context.Background()

	event := makeEvent(http.MethodGet, "/media", "")
	event.QueryStringParameters = map[string]string{"limit": "5"}
	resp, err := h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, studio.limit)
	require.JSONEq(t, `{"items":[]}`, resp.Body)

	event.QueryStringParameters = map[string]string{"limit": "many"}
	resp, err = h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "invalid_limit", out.Reason)
}

func TestHandle_Content(t *testing.T) {
	studio := &stubStudio{blob: domain.Blob{MIMEType: "video/mp4", Data: []byte("mp4-bytes")}}
	h := newTestHandler(t, studio)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/media/v-1/content", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.IsBase64Encoded)
	require.Equal(t, "video/mp4", resp.Headers["Content-Type"])
	require.Equal(t, "v-1", studio.sourceID)

	raw, err := base64.StdEncoding.DecodeString(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("mp4-bytes"), raw)
}

func TestHandle_Session(t *testing.T) {
	studio := &stubStudio{session: domain.Session{UserID: "u-1", Email: "one@example.com", Admin: true, Language: domain.LanguageEnglish}}
	h := newTestHandler(t, studio)
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodGet, "/session", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"userId":"u-1","email":"one@example.com","isAdmin":true,"language":"en"}`, resp.Body)

	resp, err = h.Handle(ctx, makeEvent(http.MethodPut, "/session/language", `{"language":" en "}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.LanguageEnglish, studio.lang)
}

func TestHandle_HealthIsPublic(t *testing.T) {
	h := newTestHandler(t, &stubStudio{})
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/health"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, resp.Body)
}

func TestHandle_Unauthenticated(t *testing.T) {
	studio := &stubStudio{}
	h := newTestHandler(t, studio)
	ctx := context.Background()

	event := makeEvent(http.MethodGet, "/session", "")
	delete(event.Headers, "Authorization")
	resp, err := h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, codeUnauthenticated, out.Error)
	require.Equal(t, "missing_token", out.Reason)

	event.Headers["authorization"] = "Bearer forged"
	resp, err = h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out = parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "invalid_token", out.Reason)
	require.Equal(t, domain.Identity{}, studio.id)
}

func TestHandle_RoutingErrors(t *testing.T) {
	h := newTestHandler(t, &stubStudio{})
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodPost, "/ask", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "route_not_found", parseBody[errorResponse](t, resp.Body).Reason)

	resp, err = h.Handle(ctx, makeEvent(http.MethodDelete, "/media/m-1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, codeMethodNotAllowed, parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_InvalidBody(t *testing.T) {
	studio := &stubStudio{}
	h := newTestHandler(t, studio)
	ctx := context.Background()

	resp, err := h.Handle(ctx, makeEvent(http.MethodPost, "/images", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)

	resp, err = h.Handle(ctx, makeEvent(http.MethodPost, "/images", ``))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "empty_body", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_prompt"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "media_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "busy", err: &usecase.Error{Code: usecase.ErrorBusy, Reason: "operation_in_progress"}, status: http.StatusConflict, code: string(usecase.ErrorBusy)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "generate_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "api key", err: &usecase.Error{Code: usecase.ErrorAPIKeyRejected, Reason: "api_key_rejected"}, status: http.StatusBadGateway, code: string(usecase.ErrorAPIKeyRejected)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "generate_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorTimeout, Reason: "video_poll_timeout"}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorTimeout)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "history_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubStudio{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/images", `{"prompt":"a fox"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_ErrorCarriesMessage(t *testing.T) {
	studio := &stubStudio{err: &usecase.Error{
		Code:    usecase.ErrorAPIKeyRejected,
		Reason:  "api_key_rejected",
		Message: usecase.MessageAPIKey,
	}}
	h := newTestHandler(t, studio)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/media/m/animate", ``))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, errorResponse{Error: "API_KEY_REJECTED", Reason: "api_key_rejected", Message: usecase.MessageAPIKey}, out)
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	h := newTestHandler(t, &stubStudio{panic: true})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/images", `{"prompt":"x"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NotEmpty(t, resp.Headers[correlationHeader])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubStudio{})

	event := makeEvent(http.MethodGet, "/session", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "fixed-id" }
	t.Cleanup(func() { newUUID = orig })

	h := newTestHandler(t, &stubStudio{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, "fixed-id", resp.Headers[correlationHeader])
}

func TestHandle_RecordsRouteMetrics(t *testing.T) {
	collector := metrics.NewCollector("test", nil)
	h := newTestHandler(t, &stubStudio{err: &usecase.Error{Code: usecase.ErrorNotFound}}, WithRecorder(collector))
	ctx := context.Background()

	_, err := h.Handle(ctx, makeEvent(http.MethodGet, "/media/a", ""))
	require.NoError(t, err)
	_, err = h.Handle(ctx, makeEvent(http.MethodGet, "/media/b", ""))
	require.NoError(t, err)
	_, err = h.Handle(ctx, makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(collector.Registry(), "test_http_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestServeHTTP(t *testing.T) {
	studio := &stubStudio{
		media: domain.Media{ID: "m-1", CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		blob:  domain.Blob{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}
	h := newTestHandler(t, studio)

	req := httptest.NewRequest(http.MethodPost, "/images", strings.NewReader(`{"prompt":"a fox"}`))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set(correlationHeader, "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "corr-1", rec.Header().Get(correlationHeader))
	require.Equal(t, "a fox", studio.generate.Prompt)
	require.Equal(t, "m-1", parseBody[domain.Media](t, rec.Body.String()).ID)

	req = httptest.NewRequest(http.MethodGet, "/media/m-1/content", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/media?limit=3", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, studio.limit)
}
