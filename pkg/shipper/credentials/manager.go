// Package credentials caches carrier access tokens and refreshes them on
// expiry or when a carrier rejects them.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSafetyMargin = 60 * time.Second
	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// Grant is what a carrier returns from its authentication endpoint.
type Grant struct {
	AccessToken string
	// TTL is the lifetime stated by the carrier, zero if it stated none.
	TTL         time.Duration
	RefreshHint string
}

// Authenticator performs one authentication call against a carrier.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Grant, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context) (*Grant, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (*Grant, error) {
	return f(ctx)
}

// FetchObserver is notified after every token fetch.
type FetchObserver interface {
	ObserveTokenFetch(carrier string, err error)
}

type credential struct {
	carrier     string
	accessToken string
	expiresAt   time.Time
	refreshHint string
}

// Manager hands out cached tokens per carrier. At most one authentication
// call per carrier is in flight; concurrent callers share its result.
type Manager struct {
	logger       *otelzap.Logger
	margin       time.Duration
	defaultTTL   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	observer     FetchObserver

	mu             sync.RWMutex
	authenticators map[string]Authenticator
	cache          map[string]*credential

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithSafetyMargin sets how long before the stated expiry a token is refreshed.
func WithSafetyMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithDefaultTTL sets the lifetime assumed when neither the carrier nor the
// token itself states one.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = d }
}

// WithFetchTimeout bounds a single authentication call.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers a FetchObserver.
func WithObserver(o FetchObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates an empty Manager.
func NewManager(logger *otelzap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:         logger,
		margin:         DefaultSafetyMargin,
		defaultTTL:     DefaultTTL,
		fetchTimeout:   DefaultFetchTimeout,
		now:            time.Now,
		authenticators: make(map[string]Authenticator),
		cache:          make(map[string]*credential),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register sets the authenticator used for a carrier and drops any cached token.
func (m *Manager) Register(carrier string, auth Authenticator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticators[carrier] = auth
	delete(m.cache, carrier)
}

// Token returns a valid access token for the carrier, authenticating if the
// cached one is absent or expired. Cancelling ctx only stops the wait; an
// authentication call already issued completes and is cached.
func (m *Manager) Token(ctx context.Context, carrier string) (string, error) {
	if token, ok := m.cached(carrier); ok {
		return token, nil
	}

	m.mu.RLock()
	auth, ok := m.authenticators[carrier]
	m.mu.RUnlock()
	if !ok {
		return "", shipper.NewShipperError(carrier, shipper.ErrAuth, shipper.CodeMissingCredentials,
			"no credentials configured")
	}

	ch := m.group.DoChan(carrier, func() (interface{}, error) {
		return m.fetch(context.WithoutCancel(ctx), carrier, auth)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token if it is still the given one. An empty
// token drops whatever is cached.
func (m *Manager) Invalidate(carrier, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[carrier]
	if !ok {
		return
	}
	if token == "" || c.accessToken == token {
		delete(m.cache, carrier)
		m.logger.Debug("Invalidated carrier token", zap.String("carrier", carrier))
	}
}

// ExpiresAt returns when the cached token for a carrier will be refreshed.
func (m *Manager) ExpiresAt(carrier string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[carrier]
	if !ok {
		return time.Time{}, false
	}
	return c.expiresAt, true
}

func (m *Manager) cached(carrier string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[carrier]
	if !ok || !m.now().Before(c.expiresAt) {
		return "", false
	}
	return c.accessToken, true
}

func (m *Manager) fetch(ctx context.Context, carrier string, auth Authenticator) (string, error) {
	// A flight that finished between the cache miss and DoChan already stored a token.
	if token, ok := m.cached(carrier); ok {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	grant, err := auth.Authenticate(ctx)
	if err == nil && (grant == nil || grant.AccessToken == "") {
		err = shipper.NewShipperError(carrier, shipper.ErrAuth, "EMPTY_TOKEN", "carrier returned no access token")
	}
	if m.observer != nil {
		m.observer.ObserveTokenFetch(carrier, err)
	}
	if err != nil {
		m.logger.Ctx(ctx).Warn("Carrier authentication failed",
			zap.String("carrier", carrier),
			zap.Error(err),
		)
		return "", asAuthError(carrier, err)
	}

	issuedAt := m.now()
	c := &credential{
		carrier:     carrier,
		accessToken: grant.AccessToken,
		expiresAt:   m.expiry(issuedAt, grant),
		refreshHint: grant.RefreshHint,
	}

	m.mu.Lock()
	m.cache[carrier] = c
	m.mu.Unlock()

	m.logger.Ctx(ctx).Info("Fetched carrier token",
		zap.String("carrier", carrier),
		zap.Time("refresh_at", c.expiresAt),
	)
	return c.accessToken, nil
}

// expiry computes the refresh time: stated TTL, else the JWT exp claim, else
// the default TTL, minus the safety margin. Lifetimes shorter than the margin
// are halved instead so the token is still used at least once.
func (m *Manager) expiry(issuedAt time.Time, grant *Grant) time.Time {
	ttl := grant.TTL
	if ttl <= 0 {
		ttl = jwtLifetime(grant.AccessToken, issuedAt)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl <= m.margin {
		return issuedAt.Add(ttl / 2)
	}
	return issuedAt.Add(ttl - m.margin)
}

// jwtLifetime reads the exp claim without verifying the signature; the token
// is only inspected to schedule its refresh, never trusted for authorization.
func jwtLifetime(token string, now time.Time) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Sub(now)
}

// asAuthError keeps classified transient failures retryable and turns
// everything else into an auth error. A classified cause is flattened into
// the message so the result matches only ErrAuth.
func asAuthError(carrier string, err error) error {
	if errors.Is(err, shipper.ErrAuth) || errors.Is(err, shipper.ErrTransient) || errors.Is(err, shipper.ErrTimeout) {
		return err
	}
	authErr := shipper.NewShipperError(carrier, shipper.ErrAuth, "AUTH_FAILED", "could not obtain access token")
	var shipperErr *shipper.ShipperError
	if errors.As(err, &shipperErr) {
		authErr.Message += ": " + shipperErr.Message
		authErr.StatusCode = shipperErr.StatusCode
		return authErr
	}
	return authErr.WithCause(err)
}
