package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"dm-responder/internal/usecase"
)

type stubService struct {
	challenge string
	verifyErr error
	verifyIn  usecase.VerifyInput

	out        usecase.ReceiveOutput
	receiveErr error
	receiveIn  usecase.ReceiveInput
}

func (s *stubService) Verify(in usecase.VerifyInput) (string, error) {
	s.verifyIn = in
	return s.challenge, s.verifyErr
}

func (s *stubService) Receive(_ context.Context, in usecase.ReceiveInput) (usecase.ReceiveOutput, error) {
	s.receiveIn = in
	return s.out, s.receiveErr
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/webhook/meta",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// GET verification
// ---------------------------------------------------------------------------

func TestHandle_VerifyEchoesChallenge(t *testing.T) {
	svc := &stubService{challenge: "1158201444"}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		QueryStringParameters: map[string]string{
			"hub.mode":         "subscribe",
			"hub.verify_token": "verify-me",
			"hub.challenge":    "1158201444",
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1158201444", resp.Body)
	require.Contains(t, resp.Headers["Content-Type"], "text/plain")
	require.Equal(t, usecase.VerifyInput{Mode: "subscribe", Token: "verify-me", Challenge: "1158201444"}, svc.verifyIn)
}

func TestHandle_VerifyRejected(t *testing.T) {
	svc := &stubService{verifyErr: &usecase.Error{Code: usecase.ErrorForbidden, Reason: "verify_token_mismatch"}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// ---------------------------------------------------------------------------
// POST delivery
// ---------------------------------------------------------------------------

func TestHandle_ReceiveHappyPath(t *testing.T) {
	svc := &stubService{out: usecase.ReceiveOutput{Status: "ok", Events: 1}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	event := makeEvent(`{"object":"instagram","entry":[]}`)
	event.Headers["x-hub-signature-256"] = "sha256=abc"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", parseBody[statusResponse](t, resp.Body).Status)
	require.Equal(t, `{"object":"instagram","entry":[]}`, string(svc.receiveIn.Body))
	require.Equal(t, "sha256=abc", svc.receiveIn.Signature)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_IgnoredPayloadStillOK(t *testing.T) {
	svc := &stubService{out: usecase.ReceiveOutput{Status: "ignored", Reason: "unknown_shape"}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_DecodesBase64Body(t *testing.T) {
	svc := &stubService{out: usecase.ReceiveOutput{Status: "ok"}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"entry":[]}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"entry":[]}`, string(svc.receiveIn.Body))

	event = makeEvent("%%%")
	event.IsBase64Encoded = true
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid payload", err: &usecase.Error{Code: usecase.ErrorInvalidPayload, Reason: "invalid_json"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidPayload)},
		{name: "invalid signature", err: &usecase.Error{Code: usecase.ErrorInvalidSignature, Reason: "signature_rejected"}, status: http.StatusUnauthorized, code: string(usecase.ErrorInvalidSignature)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubService{receiveErr: tc.err})
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.code, parseBody[errorResponse](t, resp.Body).Error)
		})
	}
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h, err := NewHandler(&stubService{})
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.HTTPMethod = http.MethodDelete
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubService{out: usecase.ReceiveOutput{Status: "ok"}})
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
