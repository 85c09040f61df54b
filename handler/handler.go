// Package handler adapts API Gateway proxy events to the webhook service.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dm-responder/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Hub-Signature-256"
)

type WebhookService interface {
	Verify(in usecase.VerifyInput) (string, error)
	Receive(ctx context.Context, in usecase.ReceiveInput) (usecase.ReceiveOutput, error)
}

type Handler struct {
	service WebhookService
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(service WebhookService) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: webhook service must not be nil")
	}
	return &Handler{service: service}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := strings.TrimSpace(header(event.Headers, correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.With("correlation_id", correlationID)

	switch method(event) {
	case http.MethodGet:
		return h.verify(event, correlationID, log), nil
	case http.MethodPost:
		return h.receive(ctx, event, correlationID, log), nil
	default:
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
}

func (h *Handler) verify(event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	q := event.QueryStringParameters
	challenge, err := h.service.Verify(usecase.VerifyInput{
		Mode:      q["hub.mode"],
		Token:     q["hub.verify_token"],
		Challenge: q["hub.challenge"],
	})
	if err != nil {
		log.Warn("webhook verification rejected", "err", err)
		return textResponse(http.StatusForbidden, correlationID, "forbidden")
	}
	log.Info("webhook verified")
	return textResponse(http.StatusOK, correlationID, challenge)
}

func (h *Handler) receive(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			log.Warn("request body is not valid base64", "err", err)
			return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidPayload)})
		}
		body = decoded
	}

	out, err := h.service.Receive(ctx, usecase.ReceiveInput{
		Body:      body,
		Signature: header(event.Headers, signatureHeader),
	})
	if err != nil {
		status, code := errorStatus(err)
		log.Warn("webhook rejected", "status", status, "code", code, "err", err)
		return jsonResponse(status, correlationID, errorResponse{Error: code})
	}
	log.Info("webhook handled", "status", out.Status, "events", out.Events, "handovers", out.Handovers)
	return jsonResponse(http.StatusOK, correlationID, statusResponse{Status: "ok"})
}

func errorStatus(err error) (int, string) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return ucErr.Code.HTTPStatus(), string(ucErr.Code)
	}
	return http.StatusInternalServerError, string(usecase.ErrorInternal)
}

func method(event events.APIGatewayProxyRequest) string {
	if event.HTTPMethod != "" {
		return strings.ToUpper(event.HTTPMethod)
	}
	// HTTP API payloads proxied through the v1 shape carry the method here.
	return strings.ToUpper(event.RequestContext.HTTPMethod)
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func textResponse(status int, correlationID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain; charset=utf-8",
			correlationHeader: correlationID,
		},
		Body: body,
	}
}
