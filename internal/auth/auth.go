// Package auth owns credentials and session tokens for one backend
// tenant. It refreshes tokens proactively before expiry and reactively on
// authorization failures, with at most one refresh in flight per session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/qmeasure/gidata-go/internal/retry"
)

// Sentinel errors. Check with errors.Is.
var (
	ErrNoCredentials = errors.New("auth: no credentials configured")
	ErrNotLoggedIn   = errors.New("auth: not authenticated")
	ErrStaticToken   = errors.New("auth: static access token rejected by backend")
)

// AuthError is the terminal authentication failure surfaced after the
// refresh retry budget is exhausted. Callers must re-authenticate with
// fresh credentials; no further automatic retry happens.
type AuthError struct {
	Op  string // "login" or "refresh"
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Credentials reference either a username/password pair (local backends)
// or a long-lived access token (cloud tenants). Exactly one form is used.
// Credential material is read once at manager construction and never
// logged.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.AccessToken == ""
}

// Session is an immutable snapshot of one authenticated credential set.
// Refreshes replace the whole value; a Session is never edited in place
// and never shared across tenants.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	TenantID     string

	// lifetime is the validity span at issuance, used to size the
	// proactive refresh margin. Zero for static tokens.
	lifetime time.Duration
}

// static reports whether the session is backed by a non-expiring access
// token (no refresh possible).
func (s *Session) static() bool {
	return s.RefreshToken == "" && s.Expiry.IsZero()
}

// remaining returns the validity left on the session.
func (s *Session) remaining(now time.Time) time.Duration {
	if s.Expiry.IsZero() {
		return time.Duration(1<<62 - 1)
	}

	return s.Expiry.Sub(now)
}

// Refresh margin defaults: refresh when remaining validity drops below
// 10% of lifetime, with a fixed floor.
const (
	defaultMarginFraction = 0.10
	defaultMarginFloor    = 30 * time.Second
)

// Manager owns the session lifecycle for one tenant. Safe for concurrent
// use; reads are lock-snapshot, refreshes are single-flight.
type Manager struct {
	cfg        *oauth2.Config
	creds      Credentials
	tenantID   string
	httpClient *http.Client
	policy     retry.Policy
	marginFrac float64
	marginMin  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	session  *Session
	terminal error // set when the refresh budget is exhausted
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryPolicy overrides the refresh retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRefreshMargin overrides the proactive refresh margin floor.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.marginMin = d }
}

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an auth manager for the token endpoint of baseURL.
// Credentials are captured here and never again exposed.
func NewManager(baseURL, tenantID string, creds Credentials, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		creds:      creds,
		tenantID:   tenantID,
		httpClient: http.DefaultClient,
		policy:     retry.DefaultPolicy(),
		marginFrac: defaultMarginFraction,
		marginMin:  defaultMarginFloor,
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// TenantID returns the tenant this manager authenticates for.
func (m *Manager) TenantID() string { return m.tenantID }

// Authenticate performs a fresh login with the configured credentials and
// installs the resulting session, clearing any terminal failure state.
func (m *Manager) Authenticate(ctx context.Context) (*Session, error) {
	if m.creds.empty() {
		return nil, &AuthError{Op: "login", Err: ErrNoCredentials}
	}

	var sess *Session

	if m.creds.AccessToken != "" {
		// Cloud tenants hand out long-lived API tokens; there is no
		// exchange and nothing to refresh.
		sess = &Session{AccessToken: m.creds.AccessToken, TenantID: m.tenantID}
	} else {
		tok, err := m.passwordLogin(ctx)
		if err != nil {
			m.logger.Warn("login failed", slog.String("tenant", m.tenantID))
			return nil, &AuthError{Op: "login", Err: err}
		}

		sess = m.sessionFromToken(tok)
	}

	m.mu.Lock()
	m.session = sess
	m.terminal = nil
	m.mu.Unlock()

	m.logger.Info("authenticated",
		slog.String("tenant", m.tenantID),
		slog.Time("expiry", sess.Expiry),
	)

	return sess, nil
}

// EnsureValid returns a session with remaining validity above the refresh
// margin, refreshing if needed. Concurrent callers during an in-flight
// refresh share its result. After the refresh budget is exhausted it
// returns the terminal AuthError until Authenticate is called again.
func (m *Manager) EnsureValid(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	sess, terminal := m.session, m.terminal
	m.mu.Unlock()

	if terminal != nil {
		return nil, terminal
	}

	if sess == nil {
		return m.Authenticate(ctx)
	}

	if sess.static() || sess.remaining(m.now()) > m.margin(sess) {
		return sess, nil
	}

	return m.refreshShared(ctx, sess)
}

// ForceRefresh discards the current session's validity and refreshes it,
// used when a driver call came back with an authorization failure despite
// an apparently valid token. Static-token sessions cannot be refreshed;
// the failure is terminal.
func (m *Manager) ForceRefresh(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	sess, terminal := m.session, m.terminal
	m.mu.Unlock()

	if terminal != nil {
		return nil, terminal
	}

	if sess == nil {
		return m.Authenticate(ctx)
	}

	if sess.static() {
		err := &AuthError{Op: "refresh", Err: ErrStaticToken}
		m.fail(err)

		return nil, err
	}

	return m.refreshShared(ctx, sess)
}

// Invalidate drops the session. The next call authenticates from scratch.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	m.logger.Debug("session invalidated", slog.String("tenant", m.tenantID))
}

// Token implements the TokenSource contract the transport clients accept:
// it returns a bearer token valid beyond the refresh margin.
func (m *Manager) Token(ctx context.Context) (string, error) {
	sess, err := m.EnsureValid(ctx)
	if err != nil {
		return "", err
	}

	return sess.AccessToken, nil
}

// Refresh implements the reactive arm of the TokenSource contract, called
// by transports after an authorization failure.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	sess, err := m.ForceRefresh(ctx)
	if err != nil {
		return "", err
	}

	return sess.AccessToken, nil
}

// margin computes the proactive refresh threshold for a session.
func (m *Manager) margin(sess *Session) time.Duration {
	frac := time.Duration(float64(sess.lifetime) * m.marginFrac)
	if frac > m.marginMin {
		return frac
	}

	return m.marginMin
}

// refreshShared coalesces concurrent refresh requests for the same
// session into one upstream call.
func (m *Manager) refreshShared(ctx context.Context, stale *Session) (*Session, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// A racing caller may have refreshed already.
		m.mu.Lock()
		cur, terminal := m.session, m.terminal
		m.mu.Unlock()

		if terminal != nil {
			return nil, terminal
		}

		if cur != nil && cur != stale && cur.remaining(m.now()) > m.margin(cur) {
			return cur, nil
		}

		return m.refresh(ctx, stale)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Session), nil
}

// refresh performs the refresh-token grant with bounded backoff. On
// exhaustion the session is invalidated and the manager enters terminal
// failure until re-authentication.
func (m *Manager) refresh(ctx context.Context, stale *Session) (*Session, error) {
	m.logger.Info("refreshing session",
		slog.String("tenant", m.tenantID),
		slog.Time("old_expiry", stale.Expiry),
	)

	var tok *oauth2.Token

	err := m.policy.Do(ctx, func(ctx context.Context) error {
		src := m.cfg.TokenSource(m.withClient(ctx), &oauth2.Token{
			RefreshToken: stale.RefreshToken,
			// Force the refresh grant: an already expired access token
			// makes the oauth2 source hit the token endpoint.
			AccessToken: stale.AccessToken,
			Expiry:      time.Unix(1, 0),
		})

		t, err := src.Token()
		if err != nil {
			return classifyTokenErr(err)
		}

		tok = t

		return nil
	})
	if err != nil {
		authErr := &AuthError{Op: "refresh", Err: err}
		m.fail(authErr)

		return nil, authErr
	}

	sess := m.sessionFromToken(tok)

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	m.logger.Info("session refreshed",
		slog.String("tenant", m.tenantID),
		slog.Time("expiry", sess.Expiry),
	)

	return sess, nil
}

// fail records a terminal auth failure and drops the session.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.terminal = err
	m.session = nil
	m.mu.Unlock()

	m.logger.Error("authentication terminally failed",
		slog.String("tenant", m.tenantID),
		slog.String("error", err.Error()),
	)
}

// passwordLogin performs the resource-owner password grant against the
// backend token endpoint.
func (m *Manager) passwordLogin(ctx context.Context) (*oauth2.Token, error) {
	var tok *oauth2.Token

	err := m.policy.Do(ctx, func(ctx context.Context) error {
		t, err := m.cfg.PasswordCredentialsToken(m.withClient(ctx), m.creds.Username, m.creds.Password)
		if err != nil {
			return classifyTokenErr(err)
		}

		tok = t

		return nil
	})

	return tok, err
}

func (m *Manager) sessionFromToken(tok *oauth2.Token) *Session {
	sess := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		TenantID:     m.tenantID,
	}

	if !tok.Expiry.IsZero() {
		sess.lifetime = tok.Expiry.Sub(m.now())
	}

	return sess
}

// withClient threads the manager's HTTP client into the oauth2 library.
func (m *Manager) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// classifyTokenErr separates retryable transport failures from definitive
// rejections. A 4xx from the token endpoint means the grant is bad and
// retrying cannot help.
func classifyTokenErr(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 &&
			rerr.Response.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}

	return err
}
