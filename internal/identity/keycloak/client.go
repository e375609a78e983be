// Package keycloak implements the identity provider against the Keycloak
// admin REST API using a confidential client with the client-credentials grant.
package keycloak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/circuit"
	"tenancy/pkg/platform/sentinel"
)

const (
	defaultTimeout     = 10 * time.Second
	tokenRefreshMargin = 30 * time.Second
)

type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryCount   int
}

type Client struct {
	http         *resty.Client
	realm        string
	clientID     string
	clientSecret string
	breaker      *circuit.Breaker
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithClock overrides time.Now for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("keycloak base URL, realm and client ID are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(retryIdempotent)

	c := &Client{
		http:         httpClient,
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		breaker:      circuit.New("keycloak", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second)),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// retryIdempotent never retries user creation; a retried POST could create a
// second principal.
func retryIdempotent(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method == http.MethodPost {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorMessage     string `json:"errorMessage"`
}

func (e *errorResponse) detail() string {
	switch {
	case e == nil:
		return ""
	case e.ErrorMessage != "":
		return e.ErrorMessage
	case e.ErrorDescription != "":
		return e.ErrorDescription
	default:
		return e.Error
	}
}

type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type userRepresentation struct {
	ID              string              `json:"id,omitempty"`
	Username        string              `json:"username"`
	Email           string              `json:"email"`
	FirstName       string              `json:"firstName,omitempty"`
	LastName        string              `json:"lastName,omitempty"`
	Enabled         bool                `json:"enabled"`
	EmailVerified   bool                `json:"emailVerified"`
	Attributes      map[string][]string `json:"attributes,omitempty"`
	Credentials     []credential        `json:"credentials,omitempty"`
	RequiredActions []string            `json:"requiredActions,omitempty"`
}

// accessToken returns the cached service account token, fetching a new one
// when it is within tokenRefreshMargin of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var token tokenResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
		}).
		SetResult(&token).
		SetError(&apiErr).
		SetPathParam("realm", c.realm).
		Post("/realms/{realm}/protocol/openid-connect/token")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &statusError{status: resp.StatusCode(), detail: apiErr.detail()}
	}
	if token.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}
	c.token = token.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(token.ExpiresIn)*time.Second - tokenRefreshMargin)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

type statusError struct {
	status int
	detail string
}

func (e *statusError) Error() string {
	if e.detail == "" {
		return fmt.Sprintf("keycloak returned %d", e.status)
	}
	return fmt.Sprintf("keycloak returned %d: %s", e.status, e.detail)
}

// call runs fn under the circuit breaker. Transport errors and 5xx responses
// count as failures; 4xx responses mean Keycloak is reachable.
func (c *Client) call(ctx context.Context, op string, fn func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if !c.breaker.Allow() {
		return nil, dErrors.New(dErrors.CodeIdentityProvider, "identity provider is unavailable")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		c.recordFailure(ctx, op, err)
		return nil, dErrors.Wrap(err, dErrors.CodeIdentityProvider, "failed to authenticate with identity provider")
	}

	var apiErr errorResponse
	resp, err := fn(c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&apiErr).
		SetPathParam("realm", c.realm))
	if err != nil {
		c.recordFailure(ctx, op, err)
		return nil, dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request failed")
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		statusErr := &statusError{status: resp.StatusCode(), detail: apiErr.detail()}
		c.recordFailure(ctx, op, statusErr)
		return nil, dErrors.Wrap(statusErr, dErrors.CodeIdentityProvider, "identity provider request failed")
	}
	c.recordSuccess(ctx)

	if resp.StatusCode() == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.IsError() {
		return resp, &statusError{status: resp.StatusCode(), detail: apiErr.detail()}
	}
	return resp, nil
}

func (c *Client) recordFailure(ctx context.Context, op string, err error) {
	_, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.WarnContext(ctx, "keycloak circuit opened", "operation", op, "error", err)
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	_, change := c.breaker.RecordSuccess()
	if change.Closed {
		c.logger.InfoContext(ctx, "keycloak circuit closed")
	}
}

func (c *Client) CreatePrincipal(ctx context.Context, req models.PrincipalRequest) (id.PrincipalID, error) {
	user := userRepresentation{
		Username:        req.Email,
		Email:           req.Email,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Enabled:         true,
		Attributes:      req.Attributes(),
		RequiredActions: req.RequiredActions,
	}
	if req.Secret != "" {
		user.Credentials = []credential{{Type: "password", Value: req.Secret}}
	}

	resp, err := c.call(ctx, "create_principal", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(user).Post("/admin/realms/{realm}/users")
	})
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.status == http.StatusConflict {
			return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "user with this email already exists")
		}
		return "", identityProviderError(err, "failed to create user")
	}

	location := resp.Header().Get("Location")
	principalID, err := id.ParsePrincipalID(path.Base(location))
	if location == "" || err != nil {
		return "", dErrors.New(dErrors.CodeIdentityProvider, "identity provider did not return a user ID")
	}
	c.logger.InfoContext(ctx, "keycloak user created", "principal_id", principalID, "tenant_id", req.TenantID)
	return principalID, nil
}

// SendVerification sends the verify-email link. Users that still have to set
// a password get a single actions email covering both steps.
func (c *Client) SendVerification(ctx context.Context, principalID id.PrincipalID) error {
	var user userRepresentation
	_, err := c.call(ctx, "get_user", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&user).
			SetPathParam("id", principalID.String()).
			Get("/admin/realms/{realm}/users/{id}")
	})
	if err != nil {
		return identityProviderError(err, "failed to load user")
	}

	if slices.Contains(user.RequiredActions, models.RequiredActionUpdatePassword) {
		_, err = c.call(ctx, "execute_actions_email", func(r *resty.Request) (*resty.Response, error) {
			return r.SetBody(user.RequiredActions).
				SetPathParam("id", principalID.String()).
				Put("/admin/realms/{realm}/users/{id}/execute-actions-email")
		})
	} else {
		_, err = c.call(ctx, "send_verify_email", func(r *resty.Request) (*resty.Response, error) {
			return r.SetPathParam("id", principalID.String()).
				Put("/admin/realms/{realm}/users/{id}/send-verify-email")
		})
	}
	if err != nil {
		return identityProviderError(err, "failed to send verification email")
	}
	return nil
}

func (c *Client) searchByEmail(ctx context.Context, address string) ([]userRepresentation, error) {
	var users []userRepresentation
	_, err := c.call(ctx, "search_users", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&users).
			SetQueryParams(map[string]string{"email": address, "exact": "true"}).
			Get("/admin/realms/{realm}/users")
	})
	if err != nil {
		return nil, identityProviderError(err, "failed to search users")
	}
	return users, nil
}

func (c *Client) ExistsByEmail(ctx context.Context, address string) (bool, error) {
	users, err := c.searchByEmail(ctx, address)
	if err != nil {
		return false, err
	}
	return len(users) > 0, nil
}

func (c *Client) FindByEmail(ctx context.Context, address string) (id.PrincipalID, error) {
	users, err := c.searchByEmail(ctx, address)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if strings.EqualFold(u.Email, address) && u.ID != "" {
			return id.PrincipalID(u.ID), nil
		}
	}
	return "", sentinel.ErrNotFound
}

func identityProviderError(err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeIdentityProvider) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeIdentityProvider, msg)
}
