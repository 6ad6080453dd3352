// Package auth keeps the short-lived play tokens that gate some stream URLs
// fresh. Sessions are keyed by stream identity and refreshed through the
// portal's create_link exchange whenever the server reports expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/keanucz/m3ufetch/internal/metrics"
)

const (
	// TokenParam is the query parameter carrying the play token.
	TokenParam = "play_token"

	DefaultEndpoint   = "/portal.php"
	DefaultStreamType = "itv"
)

// State is the lifecycle of a session's token.
type State int

const (
	StateNoToken State = iota
	StateValid
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned once the Authenticator has been closed.
var ErrClosed = errors.New("authenticator closed")

// errNoToken indicates the exchange succeeded but carried no token.
var errNoToken = errors.New("response contained no token")

// Error reports a failed token exchange for a session key.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPClient describes the subset of http.Client used for token exchanges.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Logger is satisfied by github.com/charmbracelet/log.Logger.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// Options configure an Authenticator.
type Options struct {
	Endpoint  string // path or absolute URL of the refresh exchange
	UserAgent string
	Log       Logger
}

type session struct {
	mu    sync.Mutex
	token *oauth2.Token
	state State
}

// Authenticator mints and refreshes play tokens. At most one exchange per
// session key is in flight; concurrent callers share its result.
type Authenticator struct {
	client HTTPClient
	opts   Options
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates an Authenticator issuing exchanges through client.
func New(client HTTPClient, opts Options) *Authenticator {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	return &Authenticator{
		client:   client,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// IsTokenGated reports whether rawURL carries a play token parameter.
func IsTokenGated(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := u.Query()[TokenParam]
	return ok
}

// SessionKey identifies the stream a URL refers to, ignoring its token.
func SessionKey(u *url.URL) string {
	q := u.Query()
	return u.Host + "|" + q.Get("mac") + "|" + q.Get("stream")
}

func (a *Authenticator) session(key string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	s, ok := a.sessions[key]
	if !ok {
		s = &session{state: StateNoToken}
		a.sessions[key] = s
	}
	return s, nil
}

// Authenticate returns rawURL with a valid play token embedded, running the
// refresh exchange when the session has no token or its token expired.
func (a *Authenticator) Authenticate(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &Error{Key: rawURL, Err: err}
	}
	key := SessionKey(u)
	s, err := a.session(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state == StateNoToken {
		// A token already present in the URL is trusted until the server
		// says otherwise.
		if t := u.Query().Get(TokenParam); t != "" {
			s.token = &oauth2.Token{AccessToken: t}
			s.state = StateValid
		}
	}
	state, tok := s.state, s.token
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return "", ErrClosed
	case state == StateValid && tok.Valid():
		return withToken(u, tok.AccessToken), nil
	}

	tok, err = a.refresh(ctx, key, u, s)
	if err != nil {
		return "", err
	}
	return withToken(u, tok.AccessToken), nil
}

func (a *Authenticator) refresh(ctx context.Context, key string, u *url.URL, s *session) (*oauth2.Token, error) {
	v, err, shared := a.group.Do(key, func() (any, error) {
		tok, err := a.exchange(ctx, u)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
			return nil, &Error{Key: key, Err: err}
		}
		metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return nil, ErrClosed
		}
		s.token = tok
		s.state = StateValid
		return tok, nil
	})
	if err != nil {
		if a.opts.Log != nil {
			a.opts.Log.Warn("token refresh failed", "key", key, "error", err)
		}
		return nil, err
	}
	if a.opts.Log != nil {
		a.opts.Log.Debug("token refreshed", "key", key, "shared", shared)
	}
	return v.(*oauth2.Token), nil
}

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	JS        *struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	} `json:"js"`
}

func (a *Authenticator) exchangeURL(u *url.URL) (string, error) {
	var base *url.URL
	if strings.HasPrefix(a.opts.Endpoint, "http://") || strings.HasPrefix(a.opts.Endpoint, "https://") {
		parsed, err := url.Parse(a.opts.Endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint: %w", err)
		}
		base = parsed
	} else {
		base = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: a.opts.Endpoint}
	}

	src := u.Query()
	streamType := src.Get("type")
	if streamType == "" {
		streamType = DefaultStreamType
	}
	q := base.Query()
	q.Set("action", "create_link")
	q.Set("type", streamType)
	q.Set("mac", src.Get("mac"))
	q.Set("stream", src.Get("stream"))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (a *Authenticator) exchange(ctx context.Context, u *url.URL) (*oauth2.Token, error) {
	endpoint, err := a.exchangeURL(u)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if a.opts.UserAgent != "" {
		req.Header.Set("User-Agent", a.opts.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	token, expiresIn := body.Token, body.ExpiresIn
	if token == "" && body.JS != nil {
		token, expiresIn = body.JS.Token, body.JS.ExpiresIn
	}
	if token == "" {
		return nil, errNoToken
	}

	tok := &oauth2.Token{AccessToken: token}
	if expiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return tok, nil
}

// Expire marks the session behind rawURL as expired. The token embedded in
// rawURL must match the session's current token, so a stale rejection does
// not discard a token another transfer has already refreshed.
func (a *Authenticator) Expire(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	a.mu.Lock()
	s, ok := a.sessions[SessionKey(u)]
	a.mu.Unlock()
	if !ok {
		return
	}

	used := u.Query().Get(TokenParam)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateValid {
		return
	}
	if used != "" && s.token != nil && s.token.AccessToken != used {
		return
	}
	s.state = StateExpired
}

// State reports the session state for rawURL.
func (a *Authenticator) State(rawURL string) State {
	u, err := url.Parse(rawURL)
	if err != nil {
		return StateNoToken
	}
	a.mu.Lock()
	s, ok := a.sessions[SessionKey(u)]
	closed := a.closed
	a.mu.Unlock()
	if !ok {
		if closed {
			return StateClosed
		}
		return StateNoToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close ends every session. Subsequent Authenticate calls return ErrClosed.
func (a *Authenticator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, s := range a.sessions {
		s.mu.Lock()
		s.state = StateClosed
		s.token = nil
		s.mu.Unlock()
	}
	return nil
}

func withToken(u *url.URL, token string) string {
	out := *u
	q := out.Query()
	q.Set(TokenParam, token)
	out.RawQuery = q.Encode()
	return out.String()
}
