package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"token":"v"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"v"}`, v)
	require.Equal(t, "p", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_Failures(t *testing.T) {
	cases := []struct {
		name   string
		client *Client
		param  string
		want   string
	}{
		{"missing value", &Client{api: &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}}, "p", "missing value"},
		{"api error", &Client{api: &fakeAPI{getErr: errors.New("boom")}}, "p", "boom"},
		{"not found", &Client{api: &fakeAPI{getErr: &types.ParameterNotFound{}}}, "p", "not found"},
		{"not initialized", &Client{}, "p", "not initialized"},
		{"empty name", &Client{api: &fakeAPI{}}, "  ", "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.client.GetParameter(context.Background(), tc.param)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGetParameter_NotFoundIsDistinguished(t *testing.T) {
	client := &Client{api: &fakeAPI{getErr: &types.ParameterNotFound{Message: strPtr("missing")}}}
	_, err := client.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrNotFound)

	client = &Client{api: &fakeAPI{getErr: errors.New("AccessDeniedException")}}
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

type mapGetter map[string]string

func (m mapGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// failingGetter fails every lookup of one name with err.
type failingGetter struct {
	mapGetter
	name string
	err  error
}

func (f failingGetter) GetParameter(ctx context.Context, name string) (string, error) {
	if name == f.name {
		return "", f.err
	}
	return f.mapGetter.GetParameter(ctx, name)
}

func TestGetSecret(t *testing.T) {
	g := mapGetter{"/a": `{"token":"tok"}`, "/b": "plain\n", "/c": `{"token":""}`, "/d": `{"tok`}
	v, err := GetSecret(context.Background(), g, "/a")
	require.NoError(t, err)
	require.Equal(t, "tok", v)

	v, err = GetSecret(context.Background(), g, "/b")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	_, err = GetSecret(context.Background(), g, "/c")
	require.ErrorContains(t, err, "empty")
	_, err = GetSecret(context.Background(), g, "/d")
	require.ErrorContains(t, err, "decode")
	_, err = GetSecret(context.Background(), g, "/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSecrets(t *testing.T) {
	g := mapGetter{
		"/dm-responder/meta-verify-token": `{"token":"verify-me"}`,
		"/dm-responder/meta-app-secret":   `{"token":"s3cret"}`,
	}
	s, err := LoadSecrets(context.Background(), g, "/dm-responder/", Secrets{})
	require.NoError(t, err)
	require.Equal(t, Secrets{VerifyToken: "verify-me", AppSecret: "s3cret"}, s)

	delete(g, "/dm-responder/meta-app-secret")
	s, err = LoadSecrets(context.Background(), g, "/dm-responder", Secrets{})
	require.NoError(t, err)
	require.Empty(t, s.AppSecret)

	delete(g, "/dm-responder/meta-verify-token")
	_, err = LoadSecrets(context.Background(), g, "/dm-responder", Secrets{})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = LoadSecrets(context.Background(), nil, "/x", Secrets{})
	require.Error(t, err)
	_, err = LoadSecrets(context.Background(), g, " ", Secrets{})
	require.Error(t, err)
}

func TestLoadSecrets_KeepsKnownValues(t *testing.T) {
	g := mapGetter{"/p/meta-app-secret": "from-ssm"}
	s, err := LoadSecrets(context.Background(), g, "/p", Secrets{VerifyToken: "from-env"})
	require.NoError(t, err)
	require.Equal(t, Secrets{VerifyToken: "from-env", AppSecret: "from-ssm"}, s)

	s, err = LoadSecrets(context.Background(), mapGetter{}, "/p", Secrets{VerifyToken: "v", AppSecret: "a"})
	require.NoError(t, err)
	require.Equal(t, Secrets{VerifyToken: "v", AppSecret: "a"}, s)
}

func TestLoadSecrets_AppSecretLookupFailureIsFatal(t *testing.T) {
	g := failingGetter{
		mapGetter: mapGetter{"/p/meta-verify-token": "verify-me"},
		name:      "/p/meta-app-secret",
		err:       errors.New("ThrottlingException: rate exceeded"),
	}
	_, err := LoadSecrets(context.Background(), g, "/p", Secrets{})
	require.ErrorContains(t, err, "ThrottlingException")

	_, err = LoadSecrets(context.Background(), g, "/p", Secrets{VerifyToken: "from-env"})
	require.ErrorContains(t, err, "ThrottlingException")
}
