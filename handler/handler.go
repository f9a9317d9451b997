// Package handler exposes the assistant over API Gateway proxy events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mesh-assistant/internal/brain"
)

const (
	correlationHeader = "X-Correlation-Id"

	DefaultMaxMessageRunes = 4000
)

// Assistant is the conversational core the handler serves.
type Assistant interface {
	Think(ctx context.Context, userID, message, channel string) brain.Result
	GetUserInsights(ctx context.Context, userID string) (brain.Insights, error)
	Diagnostics() brain.Diagnostics
}

type messageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Channel string `json:"channel"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	assistant       Assistant
	maxMessageRunes int
	log             zerolog.Logger
}

type Option func(*Handler)

func WithMaxMessageRunes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageRunes = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

func NewHandler(assistant Assistant, opts ...Option) (*Handler, error) {
	if assistant == nil {
		return nil, errors.New("handler: assistant must not be nil")
	}
	h := &Handler{assistant: assistant, maxMessageRunes: DefaultMaxMessageRunes, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes one API Gateway request:
//
//	POST /messages
//	GET  /stats
//	GET  /users/{userId}/insights
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.log.With().Str("correlation_id", corrID).Str("method", req.HTTPMethod).Str("path", req.Path).Logger()

	body, err := h.route(ctx, req)
	if err != nil {
		var herr *Error
		if !errors.As(err, &herr) {
			herr = newError(ErrorInternal, "unexpected", err)
		}
		status := herr.Code.status()
		ev := log.Warn()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(herr.Err).Str("code", string(herr.Code)).Str("reason", herr.Reason).Int("status", status).Msg("request failed")
		return respond(status, corrID, errorResponse{Error: string(herr.Code), Reason: herr.Reason}), nil
	}
	return respond(http.StatusOK, corrID, body), nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) (any, error) {
	segments := strings.Split(strings.Trim(req.Path, "/"), "/")
	method := strings.ToUpper(req.HTTPMethod)

	switch {
	case len(segments) == 1 && segments[0] == "messages":
		if method != http.MethodPost {
			return nil, newError(ErrorMethodNotAllowed, method, nil)
		}
		return h.message(ctx, req.Body)
	case len(segments) == 1 && segments[0] == "stats":
		if method != http.MethodGet {
			return nil, newError(ErrorMethodNotAllowed, method, nil)
		}
		return h.assistant.Diagnostics(), nil
	case len(segments) == 3 && segments[0] == "users" && segments[2] == "insights":
		if method != http.MethodGet {
			return nil, newError(ErrorMethodNotAllowed, method, nil)
		}
		return h.insights(ctx, userIDParam(req, segments[1]))
	default:
		return nil, newError(ErrorNotFound, "unknown_route", nil)
	}
}

func (h *Handler) message(ctx context.Context, raw string) (brain.Result, error) {
	var in messageRequest
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return brain.Result{}, newError(ErrorInvalidInput, "invalid_json", err)
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.Message = strings.TrimSpace(in.Message)
	switch {
	case in.UserID == "":
		return brain.Result{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	case in.Message == "":
		return brain.Result{}, newError(ErrorInvalidInput, "empty_message", nil)
	case utf8.RuneCountInString(in.Message) > h.maxMessageRunes:
		return brain.Result{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	return h.assistant.Think(ctx, in.UserID, in.Message, in.Channel), nil
}

func (h *Handler) insights(ctx context.Context, userID string) (brain.Insights, error) {
	if userID == "" {
		return brain.Insights{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	out, err := h.assistant.GetUserInsights(ctx, userID)
	if err != nil {
		if errors.Is(err, brain.ErrUserRequired) {
			return brain.Insights{}, newError(ErrorInvalidInput, "missing_user_id", err)
		}
		return brain.Insights{}, newError(ErrorInternal, "insights_failed", err)
	}
	return out, nil
}

// userIDParam prefers the gateway's decoded path parameter over the raw segment.
func userIDParam(req events.APIGatewayProxyRequest, segment string) string {
	if v := strings.TrimSpace(req.PathParameters["userId"]); v != "" {
		return v
	}
	return strings.TrimSpace(segment)
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func respond(status int, corrID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(buf),
	}
}
