package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// maxRequestBytes bounds request bodies on the local server; API Gateway
// enforces its own limit in Lambda.
const maxRequestBytes = 16 << 20

// ServeHTTP adapts a plain HTTP request to Handle so the same routes can be
// served outside Lambda.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	resp, err := h.Handle(req.Context(), toProxyRequest(req, body))
	if err != nil {
		h.logger.Error("handle request", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	payload := []byte(resp.Body)
	if resp.IsBase64Encoded {
		payload, err = base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			h.logger.Error("decode response body", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}

func toProxyRequest(req *http.Request, body []byte) events.APIGatewayProxyRequest {
	headers := make(map[string]string, len(req.Header))
	multi := make(map[string][]string, len(req.Header))
	for k, vs := range req.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
		multi[k] = vs
	}
	query := map[string]string{}
	multiQuery := map[string][]string{}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
		multiQuery[k] = vs
	}
	return events.APIGatewayProxyRequest{
		HTTPMethod:                      req.Method,
		Path:                            req.URL.Path,
		Headers:                         headers,
		MultiValueHeaders:               multi,
		QueryStringParameters:           query,
		MultiValueQueryStringParameters: multiQuery,
		Body:                            string(body),
	}
}
