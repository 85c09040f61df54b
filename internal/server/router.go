// Package server exposes the webhook over a long-running gin HTTP server.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-responder/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Hub-Signature-256"
	maxBodyBytes      = 1 << 20
)

type WebhookService interface {
	Verify(in usecase.VerifyInput) (string, error)
	Receive(ctx context.Context, in usecase.ReceiveInput) (usecase.ReceiveOutput, error)
}

// NewRouter mounts the webhook routes and the health check.
func NewRouter(service WebhookService) (*gin.Engine, error) {
	if service == nil {
		return nil, errors.New("server: webhook service must not be nil")
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := &webhookHandler{service: service}
	router.GET("/webhook/meta", w.verify)
	router.POST("/webhook/meta", w.receive)
	return router, nil
}

type webhookHandler struct {
	service WebhookService
}

func (h *webhookHandler) verify(c *gin.Context) {
	challenge, err := h.service.Verify(usecase.VerifyInput{
		Mode:      c.Query("hub.mode"),
		Token:     c.Query("hub.verify_token"),
		Challenge: c.Query("hub.challenge"),
	})
	if err != nil {
		slog.WarnContext(c.Request.Context(), "webhook verification rejected", "err", err)
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

func (h *webhookHandler) receive(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.WarnContext(ctx, "webhook body too large", "limit", tooLarge.Limit)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": string(usecase.ErrorPayloadTooLarge)})
			return
		}
		slog.WarnContext(ctx, "read webhook body failed", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": string(usecase.ErrorInvalidPayload)})
		return
	}

	out, err := h.service.Receive(ctx, usecase.ReceiveInput{
		Body:      body,
		Signature: c.GetHeader(signatureHeader),
	})
	if err != nil {
		status, code := http.StatusInternalServerError, string(usecase.ErrorInternal)
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) {
			status, code = ucErr.Code.HTTPStatus(), string(ucErr.Code)
		}
		slog.WarnContext(ctx, "webhook rejected", "status", status, "code", code, "err", err)
		c.JSON(status, gin.H{"error": code})
		return
	}
	slog.InfoContext(ctx, "webhook handled", "status", out.Status, "events", out.Events, "handovers", out.Handovers)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationHeader, id)

		c.Next()

		slog.InfoContext(c.Request.Context(), "http request",
			"correlation_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
