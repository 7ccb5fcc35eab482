package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tfshome/tfsctl/internal/authclient"
	"github.com/tfshome/tfsctl/internal/logging"
)

// ErrMissingTokens is returned when the backend accepted credentials but did
// not issue a full pair.
var ErrMissingTokens = errors.New("response did not include an access and refresh token")

// Login exchanges email and password for a credential pair. A 401 here means
// bad credentials and is returned as-is.
func (c *Client) Login(ctx context.Context, email, password string) (*Tokens, error) {
	var tokens Tokens
	err := c.do(authclient.SkipRenewal(ctx), http.MethodPost, "auth/login/",
		map[string]string{"email": email, "password": password}, &tokens)
	if err != nil {
		return nil, err
	}
	if tokens.Access == "" || tokens.Refresh == "" {
		return nil, ErrMissingTokens
	}
	if err := c.persist(&tokens); err != nil {
		return nil, err
	}
	c.logger.Info("logged in", "email", logging.RedactEmail(email))
	return &tokens, nil
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, reg Registration) (*Tokens, error) {
	if reg.Password != reg.Password2 {
		return nil, fmt.Errorf("passwords do not match")
	}
	var tokens Tokens
	if err := c.do(authclient.SkipRenewal(ctx), http.MethodPost, "auth/register/", reg, &tokens); err != nil {
		return nil, err
	}
	if tokens.Access == "" || tokens.Refresh == "" {
		return nil, ErrMissingTokens
	}
	if err := c.persist(&tokens); err != nil {
		return nil, err
	}
	c.logger.Info("registered", "email", logging.RedactEmail(reg.Email))
	return &tokens, nil
}

// Logout forgets the local credential pair. The backend keeps no session
// state beyond the tokens themselves.
func (c *Client) Logout() error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	c.logger.Info("logged out")
	return nil
}

// CurrentUser returns the authenticated account.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "auth/user/", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
