package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"instagram","entry":[]}`)
	valid := Sign("app-secret", body)

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", valid, nil},
		{"upper-case prefix", "SHA256=" + strings.TrimPrefix(valid, "sha256="), nil},
		{"surrounding space", "  " + valid + " ", nil},
		{"missing", "", errMissingSignature},
		{"sha1 header", "sha1=abcdef", errMalformedSignature},
		{"not hex", "sha256=zz", errMalformedSignature},
		{"short digest", "sha256=abcd", errMalformedSignature},
		{"wrong secret", Sign("other", body), errSignatureMismatch},
		{"tampered body", Sign("app-secret", append(body, ' ')), errSignatureMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := verifySignature("app-secret", body, tc.header)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	require.Equal(t, 400, ErrorInvalidPayload.HTTPStatus())
	require.Equal(t, 401, ErrorInvalidSignature.HTTPStatus())
	require.Equal(t, 413, ErrorPayloadTooLarge.HTTPStatus())
	require.Equal(t, 403, ErrorForbidden.HTTPStatus())
	require.Equal(t, 500, ErrorInternal.HTTPStatus())
	require.Equal(t, 500, ErrorCode("SOMETHING_ELSE").HTTPStatus())
}

func TestError_Unwrap(t *testing.T) {
	err := newError(ErrorInvalidSignature, "signature_rejected", errSignatureMismatch)
	require.ErrorIs(t, err, errSignatureMismatch)
	require.Contains(t, err.Error(), "INVALID_SIGNATURE")
	require.Contains(t, err.Error(), "signature_rejected")
}
