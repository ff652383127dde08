// Package google is the Google identity provider: an OAuth 2.0 authorization
// code flow with PKCE for interactive sign-in, the OAuth2 v2 userinfo API for
// the principal, and stored sessions pushed to watchers through a bus.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/onnwee/chatroom/identity"
)

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Config configures the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes is a comma or space separated list.
	Scopes string

	// Overrides, used by tests and non-default deployments.
	Endpoint         *oauth2.Endpoint
	UserInfoEndpoint string
	RevokeURL        string
	HTTPClient       *http.Client
}

type Provider struct {
	oauth     *oauth2.Config
	sessions  identity.SessionStore
	bus       identity.Bus
	flows     *identity.Flows
	userInfo  string
	revokeURL string
	client    *http.Client
}

func New(cfg Config, sessions identity.SessionStore, bus identity.Bus) *Provider {
	scopes := []string{"openid", "profile"}
	if cfg.Scopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.Scopes, ",", " ")
		fields := strings.Fields(s)
		if len(fields) > 0 {
			scopes = fields
		}
	}
	endpoint := googleoauth.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	revoke := cfg.RevokeURL
	if revoke == "" {
		revoke = defaultRevokeURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		sessions:  sessions,
		bus:       bus,
		flows:     identity.NewFlows(),
		userInfo:  cfg.UserInfoEndpoint,
		revokeURL: revoke,
		client:    client,
	}
}

func (p *Provider) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// SignIn hands the authorize URL to open and waits for Complete to deliver
// the callback for the same flow.
func (p *Provider) SignIn(ctx context.Context, client identity.ClientID, open identity.Opener) (*identity.User, error) {
	verifier := oauth2.GenerateVerifier()
	fl, err := p.flows.Begin(client, verifier)
	if err != nil {
		return nil, err
	}
	authURL := p.oauth.AuthCodeURL(fl.State,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
	if err := open(ctx, authURL); err != nil {
		p.flows.Drop(fl.State)
		return nil, fmt.Errorf("open sign-in page: %w", err)
	}

	var res identity.FlowResult
	select {
	case <-ctx.Done():
		p.flows.Drop(fl.State)
		fl.Finish()
		return nil, ctx.Err()
	case <-time.After(identity.FlowTTL):
		p.flows.Drop(fl.State)
		fl.Finish()
		return nil, identity.ErrFlowNotFound
	case res = <-fl.Result():
	}
	defer fl.Finish()
	if res.Err != nil {
		return nil, res.Err
	}
	return p.establish(ctx, client, res.Code, verifier)
}

func (p *Provider) establish(ctx context.Context, client identity.ClientID, code, verifier string) (*identity.User, error) {
	tok, err := p.oauth.Exchange(p.ctx(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	user, err := p.fetchUser(ctx, tok)
	if err != nil {
		return nil, err
	}
	scope, _ := tok.Extra("scope").(string)
	if err := p.sessions.PutSession(ctx, identity.StoredSession{
		Client:       client,
		User:         *user,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	if err := p.bus.Publish(ctx, client); err != nil {
		slog.Warn("session change publish failed", slog.Any("err", err), slog.String("component", "identity_google"))
	}
	return user, nil
}

func (p *Provider) fetchUser(ctx context.Context, tok *oauth2.Token) (*identity.User, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(p.oauth.Client(p.ctx(ctx), tok)),
	}
	if p.userInfo != "" {
		opts = append(opts, option.WithEndpoint(p.userInfo))
	}
	svc, err := goauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if info.Id == "" {
		return nil, errors.New("fetch userinfo: empty id")
	}
	u := &identity.User{UID: info.Id, DisplayName: info.Name}
	if info.Picture != "" {
		pic := info.Picture
		u.PhotoURL = &pic
	}
	return u, nil
}

// Complete resolves the flow named by state with the callback parameters and
// waits until the waiting SignIn has finished establishing the session.
// client is the browser presenting the callback; a flow begun by another
// client is reported as ErrFlowNotFound. errCode is the OAuth "error"
// parameter, empty on success.
func (p *Provider) Complete(ctx context.Context, client identity.ClientID, state, code, errCode string) error {
	res := identity.FlowResult{Code: code}
	switch {
	case errCode == "access_denied":
		res.Err = identity.ErrSignInCancelled
	case errCode != "":
		res.Err = fmt.Errorf("sign-in failed: %s", errCode)
	case code == "":
		res.Err = errors.New("sign-in failed: missing code")
	}
	fl, err := p.flows.Resolve(state, client, res)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-fl.Finished():
	}
	return res.Err
}

// SignOut deletes the stored session and revokes its token. Revocation is
// best effort.
func (p *Provider) SignOut(ctx context.Context, client identity.ClientID) error {
	ss, err := p.sessions.GetSession(ctx, client)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if err := p.sessions.DeleteSession(ctx, client); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := p.bus.Publish(ctx, client); err != nil {
		slog.Warn("session change publish failed", slog.Any("err", err), slog.String("component", "identity_google"))
	}
	if ss != nil {
		tok := ss.RefreshToken
		if tok == "" {
			tok = ss.AccessToken
		}
		if err := p.revoke(ctx, tok); err != nil {
			slog.Warn("token revoke failed", slog.Any("err", err), slog.String("component", "identity_google"))
		}
	}
	return nil
}

func (p *Provider) revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) Watch(ctx context.Context, client identity.ClientID, fn func(identity.State)) (func(), error) {
	return identity.WatchStore(ctx, p.sessions, p.bus, client, fn)
}

// Refresh exchanges a refresh token for a new access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	ts := p.oauth.TokenSource(p.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	scope, _ := tok.Extra("scope").(string)
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
}

// Expire ends a session the provider no longer honours.
func (p *Provider) Expire(ctx context.Context, client identity.ClientID) error {
	if err := p.sessions.DeleteSession(ctx, client); err != nil {
		return err
	}
	return p.bus.Publish(ctx, client)
}

// PendingFlows reports how many sign-in pages are open.
func (p *Provider) PendingFlows() int { return p.flows.Len() }
