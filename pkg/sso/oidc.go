package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quartzid/ssocore/pkg/observability"
)

// OIDCProvider implements the OpenID Connect authorization code flow with
// optional PKCE for one organization.
type OIDCProvider struct {
	orgID  string
	cfg    *OIDCConfiguration
	log    *observability.Logger
	client *http.Client
	replay *ReplayGuard
	now    func() time.Time

	discoveryTimeout time.Duration

	// Discovery runs at most once per instance; the merged endpoint set is
	// kept here, never written back into the configuration.
	discover   singleflight.Group
	mu         sync.RWMutex
	endpoints  oidcEndpoints
	discovered bool
	verifier   *oidc.IDTokenVerifier
}

// NewOIDCProvider creates an OIDC provider from an organization's SSO
// configuration.
func NewOIDCProvider(orgID string, cfg *Configuration, opts Options) (*OIDCProvider, error) {
	if cfg == nil || cfg.OIDC == nil {
		return nil, configErrorf("OIDC configuration is required for organization %q", orgID)
	}
	if cfg.ProviderType != ProviderTypeOIDC {
		return nil, configErrorf("configuration for organization %q declares provider type %q, not %q",
			orgID, cfg.ProviderType, ProviderTypeOIDC)
	}
	if cfg.SAML != nil {
		return nil, configErrorf("configuration for organization %q carries a SAML payload alongside the OIDC one", orgID)
	}

	opts = opts.withDefaults()

	// Copy so lazy discovery can never be tempted to write into a
	// configuration object shared with concurrent requests.
	oc := *cfg.OIDC

	return &OIDCProvider{
		orgID:            orgID,
		cfg:              &oc,
		log:              opts.Logger.WithFields(map[string]interface{}{"organization_id": orgID, "protocol": string(ProviderTypeOIDC)}),
		client:           opts.HTTPClient,
		replay:           NewReplayGuard(opts.ReplayWindow),
		now:              opts.Now,
		discoveryTimeout: opts.DiscoveryTimeout,
		endpoints:        endpointsFromConfig(cfg.OIDC),
	}, nil
}

// Type returns ProviderTypeOIDC.
func (p *OIDCProvider) Type() ProviderType {
	return ProviderTypeOIDC
}

// ensureEndpoints returns the effective endpoint set, fetching the discovery
// document at most once when endpoints are still unset and a discovery URL is
// configured. Explicit configuration always wins over discovered values.
func (p *OIDCProvider) ensureEndpoints(ctx context.Context) (oidcEndpoints, error) {
	p.mu.RLock()
	eps := p.endpoints
	discovered := p.discovered
	p.mu.RUnlock()

	if eps.complete() || discovered || p.cfg.DiscoveryURL == "" {
		return eps, nil
	}

	v, err, _ := p.discover.Do("discovery", func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, p.discoveryTimeout)
		defer cancel()

		doc, err := fetchDiscovery(dctx, p.client, p.cfg.DiscoveryURL)
		if err != nil {
			return nil, err
		}

		merged := mergeEndpoints(endpointsFromConfig(p.cfg), doc)
		p.mu.Lock()
		p.endpoints = merged
		p.discovered = true
		p.mu.Unlock()
		return merged, nil
	})
	if err != nil {
		return oidcEndpoints{}, authErrorf("endpoint discovery failed: %v", err)
	}
	return v.(oidcEndpoints), nil
}

func (p *OIDCProvider) oauth2Config(eps oidcEndpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURI,
		Scopes:       p.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  eps.Authorization,
			TokenURL: eps.Token,
		},
	}
}

func (p *OIDCProvider) scopes() []string {
	if len(p.cfg.Scopes) > 0 {
		return p.cfg.Scopes
	}
	return []string{oidc.ScopeOpenID, "profile", "email"}
}

// InitiateAuthentication generates state, nonce and (when PKCE is enabled) a
// code verifier, and builds the authorization URL.
func (p *OIDCProvider) InitiateAuthentication(ctx context.Context, relayState string, extra map[string]string) (string, *FlowSession, error) {
	eps, err := p.ensureEndpoints(ctx)
	if err != nil {
		return "", nil, err
	}
	if eps.Authorization == "" {
		return "", nil, configErrorf("authorization endpoint is not configured for organization %q", p.orgID)
	}

	state, err := randomToken()
	if err != nil {
		return "", nil, authErrorf("failed to generate state: %v", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", nil, authErrorf("failed to generate nonce: %v", err)
	}

	flow := &FlowSession{
		OrganizationID: p.orgID,
		Protocol:       ProviderTypeOIDC,
		State:          state,
		Nonce:          nonce,
		RelayState:     relayState,
		InitiatedAt:    p.now(),
	}

	authOpts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if p.cfg.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		flow.CodeVerifier = verifier
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}
	for k, v := range extra {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
	}

	authURL := p.oauth2Config(eps).AuthCodeURL(state, authOpts...)

	authInitiated.WithLabelValues(string(ProviderTypeOIDC)).Inc()
	p.log.WithField("pkce", p.cfg.UsePKCE).Info("sso authentication initiated")

	return authURL, flow, nil
}

// HandleCallback validates the authorization response, exchanges the code for
// tokens, verifies the ID token and resolves the user.
func (p *OIDCProvider) HandleCallback(ctx context.Context, data CallbackData, flow *FlowSession) (user *SSOUser, err error) {
	defer func() {
		observeCallback(ProviderTypeOIDC, err)
		if err != nil {
			p.log.WithError(err).WithField("reason", FailureReason(err)).Warn("sso authentication failed")
		} else {
			p.log.WithField("external_id", user.ExternalID).Info("sso authentication succeeded")
		}
	}()

	if flow == nil || flow.State == "" {
		return nil, validationErrorf("no pending authentication flow")
	}

	// CSRF binding: checked before the IdP error parameter and before any
	// network call.
	if data.Get("state") != flow.State {
		return nil, validationErrorf("state parameter does not match the initiated flow")
	}

	if idpErr := data.Get("error"); idpErr != "" {
		return nil, authErrorf("identity provider returned error %q: %s", idpErr, data.Get("error_description"))
	}

	code := data.Get("code")
	if code == "" {
		return nil, validationErrorf("callback is missing the authorization code")
	}

	eps, err := p.ensureEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	if eps.Token == "" {
		return nil, configErrorf("token endpoint is not configured for organization %q", p.orgID)
	}
	if eps.JWKS == "" {
		return nil, configErrorf("JWKS URI is not configured for organization %q", p.orgID)
	}

	exchangeCtx, cancel := context.WithTimeout(
		context.WithValue(ctx, oauth2.HTTPClient, p.client), p.discoveryTimeout)
	defer cancel()

	var exchangeOpts []oauth2.AuthCodeOption
	if flow.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(flow.CodeVerifier))
	}

	token, err := p.oauth2Config(eps).Exchange(exchangeCtx, code, exchangeOpts...)
	if err != nil {
		return nil, authErrorf("token exchange failed: %v", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, authErrorf("token response is missing id_token")
	}

	idToken, err := p.verifyIDToken(ctx, eps, rawIDToken)
	if err != nil {
		return nil, authErrorf("ID token validation failed: %v", err)
	}
	if idToken.Nonce != flow.Nonce {
		return nil, validationErrorf("nonce claim does not match the initiated flow")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, authErrorf("failed to parse ID token claims: %v", err)
	}

	// Not all IdPs emit jti; absence is not an error.
	if jti, ok := claims["jti"].(string); ok && jti != "" {
		if err := p.replay.Check(jti); err != nil {
			return nil, err
		}
	}

	user = p.mapClaims(claims)

	if eps.UserInfo != "" {
		p.enrichFromUserInfo(ctx, eps.UserInfo, token, user)
	}

	if user.ExternalID == "" {
		user.ExternalID = idToken.Subject
	}
	if user.ExternalID == "" {
		return nil, authErrorf("no subject resolved from ID token")
	}
	if user.Email == "" {
		return nil, authErrorf("no email resolved for subject %q", user.ExternalID)
	}

	return user, nil
}

// verifyIDToken checks signature, issuer, audience and expiry via the remote
// JWKS key set. The verifier is built lazily and reused across callbacks.
func (p *OIDCProvider) verifyIDToken(ctx context.Context, eps oidcEndpoints, rawIDToken string) (*oidc.IDToken, error) {
	p.mu.Lock()
	if p.verifier == nil {
		keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), p.client), eps.JWKS)
		p.verifier = oidc.NewVerifier(p.cfg.Issuer, keySet, &oidc.Config{ClientID: p.cfg.ClientID})
	}
	verifier := p.verifier
	p.mu.Unlock()

	return verifier.Verify(oidc.ClientContext(ctx, p.client), rawIDToken)
}

// mapClaims resolves an SSOUser from ID-token claims via the configured
// claims mapping.
func (p *OIDCProvider) mapClaims(claims map[string]interface{}) *SSOUser {
	user := &SSOUser{
		OrganizationID: p.orgID,
		Protocol:       ProviderTypeOIDC,
		Attributes:     make(map[string]string),
	}

	for k, v := range claims {
		if str, ok := v.(string); ok {
			user.Attributes[k] = str
		}
	}

	m := p.cfg.ClaimsMapping
	user.ExternalID = getStringValue(claims, m.UserID)
	user.Email = getStringValue(claims, m.Email)
	user.DisplayName = getStringValue(claims, m.DisplayName)
	user.FirstName = getStringValue(claims, m.FirstName)
	user.LastName = getStringValue(claims, m.LastName)
	if m.Groups != "" {
		user.Groups = getArrayValue(claims, m.Groups)
	}
	return user
}

// enrichFromUserInfo merges claims from the UserInfo endpoint into the user.
// Best effort: any failure here is logged and swallowed, never fatal to the
// callback.
func (p *OIDCProvider) enrichFromUserInfo(ctx context.Context, endpoint string, token *oauth2.Token, user *SSOUser) {
	uctx, cancel := context.WithTimeout(ctx, p.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(uctx, http.MethodGet, endpoint, nil)
	if err != nil {
		p.log.WithError(err).Warn("userinfo request could not be built")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.WithError(err).Warn("userinfo fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.WithField("status", resp.StatusCode).Warn("userinfo fetch returned non-200 status")
		return
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		p.log.WithError(err).Warn("userinfo response could not be decoded")
		return
	}

	for k, v := range info {
		if str, ok := v.(string); ok {
			if _, exists := user.Attributes[k]; !exists {
				user.Attributes[k] = str
			}
		}
	}

	m := p.cfg.ClaimsMapping
	if email := getStringValue(info, m.Email); email != "" {
		user.Email = email
	}
	if m.Groups != "" {
		if groups := getArrayValue(info, m.Groups); len(groups) > 0 {
			user.Groups = groups
		}
	}
}

// InitiateLogout returns the end-session redirect URL, or "" when the IdP has
// no end-session endpoint (local logout only).
func (p *OIDCProvider) InitiateLogout(ctx context.Context, session *SSOSession) (string, error) {
	eps, err := p.ensureEndpoints(ctx)
	if err != nil {
		// Discovery trouble degrades to whatever is explicitly configured.
		eps = endpointsFromConfig(p.cfg)
	}
	if eps.EndSession == "" {
		return "", nil
	}

	logoutURL, err := url.Parse(eps.EndSession)
	if err != nil {
		return "", configErrorf("invalid end-session endpoint: %v", err)
	}

	q := logoutURL.Query()
	if p.cfg.ClientID != "" {
		q.Set("client_id", p.cfg.ClientID)
	}
	if p.cfg.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", p.cfg.PostLogoutRedirectURI)
	}
	logoutURL.RawQuery = q.Encode()

	logoutsInitiated.WithLabelValues(string(ProviderTypeOIDC)).Inc()
	p.log.Info("sso logout initiated")

	return logoutURL.String(), nil
}

// HandleLogoutCallback processes the IdP's post-logout redirect.
func (p *OIDCProvider) HandleLogoutCallback(ctx context.Context, data CallbackData) (bool, error) {
	if idpErr := data.Get("error"); idpErr != "" {
		return false, authErrorf("identity provider returned logout error %q: %s", idpErr, data.Get("error_description"))
	}
	p.log.Info("sso logout completed")
	return true, nil
}

// ValidateConfiguration runs static checks plus a best-effort discovery fetch
// when a discovery URL is configured. It never mutates provider state.
func (p *OIDCProvider) ValidateConfiguration(ctx context.Context) ValidationResult {
	result := ValidationResult{Valid: true}
	cfg := p.cfg

	if cfg.Issuer == "" {
		result.addError("Issuer is required")
	}
	if cfg.DiscoveryURL == "" && cfg.AuthorizationEndpoint == "" {
		result.addError("either a Discovery URL or an Authorization Endpoint is required")
	}
	if cfg.ClientID == "" {
		result.addError("Client ID is required")
	}
	if cfg.ClientSecret == "" {
		result.addError("Client Secret is required")
	}
	if cfg.RedirectURI == "" {
		result.addError("Redirect URI is required")
	}
	if cfg.ResponseType != "" && cfg.ResponseType != "code" {
		result.addError(fmt.Sprintf("Response Type %q is not supported (only \"code\")", cfg.ResponseType))
	}
	if cfg.UsePKCE && cfg.PKCEMethod != "" && cfg.PKCEMethod != "S256" {
		result.addError(fmt.Sprintf("PKCE method %q is not supported (only \"S256\")", cfg.PKCEMethod))
	}
	if len(cfg.Scopes) > 0 && !containsScope(cfg.Scopes, oidc.ScopeOpenID) {
		result.addError("Scopes must include \"openid\"")
	}

	endSession := cfg.EndSessionEndpoint

	if cfg.DiscoveryURL != "" {
		dctx, cancel := context.WithTimeout(ctx, p.discoveryTimeout)
		defer cancel()

		doc, err := fetchDiscovery(dctx, p.client, cfg.DiscoveryURL)
		if err != nil {
			result.addError(fmt.Sprintf("Discovery failed: %v", err))
		} else {
			merged := mergeEndpoints(endpointsFromConfig(cfg), doc)
			if merged.Authorization == "" {
				result.addError("Authorization Endpoint is missing from both configuration and discovery")
			}
			if merged.Token == "" {
				result.addError("Token Endpoint is missing from both configuration and discovery")
			}
			if merged.JWKS == "" {
				result.addError("JWKS URI is missing from both configuration and discovery")
			}
			endSession = merged.EndSession
		}
	}

	if endSession == "" {
		result.addWarning("End Session Endpoint is not configured; logout will be local only")
	}

	return result
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// randomToken returns 256 bits of URL-safe entropy for state and nonce
// values.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func getStringValue(data map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getArrayValue(data map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	if val, ok := data[key]; ok {
		if arr, ok := val.([]interface{}); ok {
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		}
	}
	return nil
}
