// Package paramstore reads webhook and backend secrets from AWS SSM
// Parameter Store.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound reports that a parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	var missing *types.ParameterNotFound
	if errors.As(err, &missing) {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Secrets are the webhook credentials kept under a parameter prefix.
type Secrets struct {
	VerifyToken string
	AppSecret   string
}

// LoadSecrets fills the blank fields of known from "<prefix>/meta-verify-token"
// and "<prefix>/meta-app-secret". The verify token is required. The app secret
// may be absent (ErrNotFound); every other lookup failure is returned.
func LoadSecrets(ctx context.Context, g Getter, prefix string, known Secrets) (Secrets, error) {
	if g == nil {
		return Secrets{}, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Secrets{}, errors.New("paramstore: parameter prefix must not be empty")
	}

	out := known
	if out.VerifyToken == "" {
		verify, err := GetSecret(ctx, g, prefix+"/meta-verify-token")
		if err != nil {
			return Secrets{}, err
		}
		out.VerifyToken = verify
	}
	if out.AppSecret == "" {
		secret, err := GetSecret(ctx, g, prefix+"/meta-app-secret")
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Secrets{}, err
		default:
			out.AppSecret = secret
		}
	}
	return out, nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

// GetSecret reads name and unwraps a {"token": "..."} JSON value. Plain
// string values are returned as-is.
func GetSecret(ctx context.Context, g Getter, name string) (string, error) {
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("paramstore: decode %q: %w", name, err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", fmt.Errorf("paramstore: %q is empty", name)
	}
	return raw, nil
}
