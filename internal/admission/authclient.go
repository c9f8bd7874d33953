package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/meshgate/meshtund/internal/apiclient"
)

// AuthClient adapts apiclient.Client to the AuthBackend interface, calling
// the external auth backend's GET <authUrl>/{userId}/{authToken}.
type AuthClient struct {
	client *apiclient.Client
}

// NewAuthClient creates an AuthClient rooted at the auth backend's base URL.
func NewAuthClient(authAPIURL string) (*AuthClient, error) {
	client, err := apiclient.New(apiclient.Config{BaseURL: authAPIURL})
	if err != nil {
		return nil, fmt.Errorf("admission: auth client: %w", err)
	}
	return &AuthClient{client: client}, nil
}

// Authenticate implements AuthBackend.
func (a *AuthClient) Authenticate(ctx context.Context, userID, authToken string) (string, string, error) {
	path := "/" + url.PathEscape(userID) + "/" + url.PathEscape(authToken)

	var resp authBackendResponse
	if err := a.client.GetJSON(ctx, path, &resp); err != nil {
		var httpErr *apiclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return "", "", fmt.Errorf("%w: auth backend returned HTTP %d", ErrUnauthorized, httpErr.StatusCode)
		}
		return "", "", fmt.Errorf("admission: auth backend: %w", err)
	}
	return resp.ServerDomain, resp.DomainName, nil
}
