package requesttask

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialResolver produces the bearer token sent with a request. It is
// called before every HTTP call with the task input and parameters.
type CredentialResolver interface {
	Token(ctx context.Context, input any, parameters map[string]any) (string, error)
}

// CredentialFunc adapts a function to CredentialResolver.
type CredentialFunc func(ctx context.Context, input any, parameters map[string]any) (string, error)

// Token implements CredentialResolver.
func (f CredentialFunc) Token(ctx context.Context, input any, parameters map[string]any) (string, error) {
	return f(ctx, input, parameters)
}

// StaticToken sends the same token with every request.
type StaticToken string

// Token implements CredentialResolver.
func (t StaticToken) Token(context.Context, any, map[string]any) (string, error) {
	if t == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return string(t), nil
}

// ClientCredentials obtains tokens with the OAuth2 client-credentials grant.
// Tokens are cached and refreshed by the underlying token source.
type ClientCredentials struct {
	source oauth2.TokenSource
}

// NewClientCredentials creates a resolver for cfg. ctx carries the HTTP
// client used for token requests and must outlive the resolver.
func NewClientCredentials(ctx context.Context, cfg clientcredentials.Config) *ClientCredentials {
	return &ClientCredentials{source: cfg.TokenSource(ctx)}
}

// Token implements CredentialResolver.
func (c *ClientCredentials) Token(context.Context, any, map[string]any) (string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("client credentials token: %w", err)
	}
	return tok.AccessToken, nil
}
