// Package fedauth implements a federated login against an OpenID Connect
// identity provider, using the authorization code flow with PKCE and a
// short-lived loopback listener to receive the redirect.
//
// A login runs through the states
//
//	Idle → AwaitingUserAction → AwaitingCallback → ExchangingCode → ValidatingIdentity → Succeeded
//
// and may end in Failed from any state after Idle. Each Flow runs once.
package fedauth

import (
	"cmp"
	"context"
	crand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/sealbox/browser"
	"github.com/creachadair/sealbox/errkind"
	"golang.org/x/oauth2"
)

// DefaultTimeout is how long a flow waits for the callback when
// Config.Timeout is zero.
const DefaultTimeout = 180 * time.Second

// Config carries the settings for a federated login.
type Config struct {
	// ClientID is the OAuth client identifier. It is required.
	ClientID string

	// ClientSecret is the OAuth client secret, if the client has one.
	ClientSecret string

	// Provider is the identity provider. If zero, Google is used.
	Provider Provider

	// Browser opens the authorization URL for the user. If nil,
	// browser.Open is used.
	Browser func(ctx context.Context, url string) error

	// HTTPClient is used for requests to the provider. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Timeout bounds the wait for the callback. If zero, DefaultTimeout.
	Timeout time.Duration

	// Now reports the current time, for checking token expiry.
	// If nil, time.Now is used.
	Now func() time.Time
}

func (c Config) provider() Provider {
	if c.Provider.IsZero() {
		return Google
	}
	return c.Provider
}

func (c Config) client() *http.Client { return cmp.Or(c.HTTPClient, http.DefaultClient) }

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// An Identity is the account resolved by a successful login.
type Identity struct {
	Subject string // the provider's stable account identifier
	Email   string
	Name    string
	Picture string
}

// A Result is the outcome of a successful login.
type Result struct {
	Identity    Identity
	IDToken     string
	AccessToken string // may be empty
}

// Login runs a complete federated login and returns its result.
func (c Config) Login(ctx context.Context) (*Result, error) {
	f, err := c.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer f.Cancel()
	return f.Wait(ctx)
}

// Start begins a federated login: it binds the loopback listener, hands the
// authorization URL to the browser, and returns a Flow awaiting the
// callback. The remainder of the flow runs in the background until it
// succeeds, fails, or ctx ends.
func (c Config) Start(ctx context.Context) (*Flow, error) {
	if c.ClientID == "" {
		return nil, errors.New("no client ID is configured")
	}
	state, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind callback listener: %w", err)
	}

	p := c.provider()
	redirect := "http://" + ln.Addr().String()
	fctx, cancel := context.WithCancel(ctx)
	f := &Flow{
		cfg:      c,
		verifier: oauth2.GenerateVerifier(),
		state:    state,
		cancel:   cancel,
		done:     make(chan struct{}),
		codes:    make(chan string, 1),
		oc: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   p.AuthURL,
				TokenURL:  p.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: redirect,
			Scopes:      p.Scopes,
		},
	}
	f.srv = &http.Server{Handler: f, ReadHeaderTimeout: 10 * time.Second}
	go f.srv.Serve(ln)

	f.setState(AwaitingUserAction)
	f.authURL = f.oc.AuthCodeURL(f.state, oauth2.S256ChallengeOption(f.verifier))
	open := c.Browser
	if open == nil {
		open = browser.Open
	}
	if err := open(fctx, f.authURL); err != nil {
		cancel()
		f.srv.Close()
		f.finish(nil, fmt.Errorf("open browser: %w", err))
		return nil, f.err
	}

	f.setState(AwaitingCallback)
	go f.run(fctx)
	return f, nil
}

// A Flow is a single federated login in progress.
type Flow struct {
	cfg      Config
	oc       *oauth2.Config
	srv      *http.Server
	authURL  string
	verifier string
	state    string
	cancel   context.CancelFunc
	codes    chan string   // receives the first valid authorization code
	done     chan struct{} // closed when the flow is terminal

	μ      sync.Mutex
	st     State
	result *Result
	err    error
}

// State reports the current state of the flow.
func (f *Flow) State() State {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.st
}

// AuthURL returns the authorization URL handed to the browser.
func (f *Flow) AuthURL() string { return f.authURL }

// RedirectURL returns the loopback URL at which the flow awaits the callback.
func (f *Flow) RedirectURL() string { return f.oc.RedirectURL }

// Wait blocks until the flow is terminal and returns its result. If ctx ends
// first, Wait returns the context error and the flow continues.
func (f *Flow) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the flow if it is not already terminal.
func (f *Flow) Cancel() { f.cancel() }

func (f *Flow) setState(s State) {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.st = s
}

func (f *Flow) finish(r *Result, err error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.result, f.err = r, err
	if err != nil {
		f.st = Failed
	} else {
		f.st = Succeeded
	}
}

const successPage = `<!doctype html>
<html><body><p>Authentication successful. You can close this window.</p>
<script>window.close();</script></body></html>
`

// ServeHTTP implements the loopback callback endpoint.
func (f *Flow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(f.state)) != 1 {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	select {
	case f.codes <- code:
	default:
		http.Error(w, "Invalid request", http.StatusBadRequest) // already have one
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, successPage)
}

func (f *Flow) run(ctx context.Context) {
	defer close(f.done)
	defer f.srv.Close()

	timer := time.NewTimer(cmp.Or(f.cfg.Timeout, DefaultTimeout))
	defer timer.Stop()

	var code string
	select {
	case code = <-f.codes:
	case <-timer.C:
		f.finish(nil, errkind.New(errkind.Timeout, "no callback from the identity provider"))
		return
	case <-ctx.Done():
		f.finish(nil, ctx.Err())
		return
	}

	// Let the success page reach the browser before the listener goes away.
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := f.srv.Shutdown(sctx); err != nil {
		log.Printf("WARNING: Callback listener shutdown: %v", err)
	}
	cancel()

	f.setState(ExchangingCode)
	hctx := context.WithValue(ctx, oauth2.HTTPClient, f.cfg.client())
	tok, err := f.oc.Exchange(hctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		f.finish(nil, exchangeError(err))
		return
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		f.finish(nil, errkind.New(errkind.InvalidIdentityToken, "token response has no id_token"))
		return
	}

	f.setState(ValidatingIdentity)
	id, err := f.cfg.validate(ctx, idToken)
	if err != nil {
		f.finish(nil, err)
		return
	}
	f.finish(&Result{Identity: id, IDToken: idToken, AccessToken: tok.AccessToken}, nil)
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &errkind.Error{Kind: errkind.TokenExchangeFailed, Detail: string(re.Body), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errkind.Wrap(errkind.TokenExchangeFailed, err)
}

// tokenInfo is the subset of introspection claims the flow checks.
type tokenInfo struct {
	Subject  string      `json:"sub"`
	Audience string      `json:"aud"`
	Issuer   string      `json:"iss"`
	Expires  json.Number `json:"exp"`
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Picture  string      `json:"picture"`
}

// validate checks idToken with the provider's introspection endpoint and
// returns the identity it names.
func (c Config) validate(ctx context.Context, idToken string) (Identity, error) {
	invalid := func(detail string) error { return errkind.New(errkind.InvalidIdentityToken, detail) }

	u, err := url.Parse(c.provider().TokenInfoURL)
	if err != nil {
		return Identity{}, fmt.Errorf("token info URL: %w", err)
	}
	q := u.Query()
	q.Set("id_token", idToken)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Identity{}, err
	}
	rsp, err := c.client().Do(req)
	if err != nil {
		return Identity{}, errkind.Wrap(errkind.InvalidIdentityToken, err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return Identity{}, invalid("introspection returned " + rsp.Status)
	}

	var info tokenInfo
	if err := json.NewDecoder(io.LimitReader(rsp.Body, 1<<20)).Decode(&info); err != nil {
		return Identity{}, errkind.Wrap(errkind.InvalidIdentityToken, err)
	}
	switch {
	case info.Subject == "":
		return Identity{}, invalid("missing subject")
	case info.Audience != c.ClientID:
		return Identity{}, invalid("audience mismatch")
	case !slices.Contains(c.provider().Issuers, info.Issuer):
		return Identity{}, invalid("unknown issuer " + strconv.Quote(info.Issuer))
	}
	exp, err := strconv.ParseInt(strings.TrimSpace(info.Expires.String()), 10, 64)
	if err != nil {
		return Identity{}, invalid("missing or malformed expiry")
	} else if !time.Unix(exp, 0).After(c.now()) {
		return Identity{}, invalid("token has expired")
	}
	return Identity{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := crand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
