package tracker

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"backend-drivertrack/internal/apiclient"
	"backend-drivertrack/internal/location"
)

type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

type LoginAPI interface {
	Login(ctx context.Context, email, password string) (apiclient.LoginResponse, error)
}

// Credentials serves the cached bearer token and logs in again with the
// configured account when the cache is empty.
type Credentials struct {
	store    TokenStore
	api      LoginAPI
	email    string
	password string
	log      slog.Logger

	mu sync.Mutex
}

func NewCredentials(store TokenStore, api LoginAPI, email, password string, log slog.Logger) *Credentials {
	return &Credentials{
		store:    store,
		api:      api,
		email:    email,
		password: password,
		log:      log.Named("credentials"),
	}
}

func (c *Credentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := c.store.Token(ctx)
	if err != nil {
		return "", xerrors.Errorf("read cached token: %w", err)
	}
	if token != "" || c.email == "" {
		return token, nil
	}

	resp, err := c.api.Login(ctx, c.email, c.password)
	if err != nil {
		return "", err
	}
	if err := c.store.SaveToken(ctx, resp.AccessToken); err != nil {
		return "", xerrors.Errorf("cache token: %w", err)
	}
	c.log.Info(ctx, "logged in", slog.F("user_id", resp.User.ID))
	return resp.AccessToken, nil
}

// Invalidate drops the cached token so the next call logs in again.
func (c *Credentials) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ClearToken(ctx)
}

type BatchAPI interface {
	UploadBatch(ctx context.Context, token string, points []location.Point) (location.BatchResponse, error)
}

// Uploader forwards batches and invalidates the credential on a 401. The
// error is still returned so the attempt counts as a transport failure.
type Uploader struct {
	api   BatchAPI
	creds *Credentials
}

func NewUploader(api BatchAPI, creds *Credentials) *Uploader {
	return &Uploader{api: api, creds: creds}
}

func (u *Uploader) UploadBatch(ctx context.Context, token string, points []location.Point) (location.BatchResponse, error) {
	resp, err := u.api.UploadBatch(ctx, token, points)
	if err != nil && apiclient.IsUnauthorized(err) {
		if clearErr := u.creds.Invalidate(ctx); clearErr != nil {
			return resp, xerrors.Errorf("%w (clear token: %v)", err, clearErr)
		}
	}
	return resp, err
}
