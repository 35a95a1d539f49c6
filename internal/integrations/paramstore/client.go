package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// RefPrefix marks a configuration value that names an SSM parameter instead
// of holding the value itself, e.g. "ssm:/ai-coordinator/node-key".
const RefPrefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (the OpenAI client, key loading) depend on this interface rather
// than the concrete *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
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

// GetParameter returns the decrypted value of the named parameter.
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
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// IsRef reports whether value is an SSM reference.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), RefPrefix)
}

// Resolve returns value unchanged unless it is an SSM reference, in which
// case the referenced parameter is fetched through g.
func Resolve(ctx context.Context, g Getter, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !IsRef(value) {
		return value, nil
	}
	if g == nil {
		return "", fmt.Errorf("paramstore: %q needs a parameter store client", value)
	}
	v, err := g.GetParameter(ctx, strings.TrimPrefix(value, RefPrefix))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}
