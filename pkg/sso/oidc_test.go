package sso

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://issuer.example.com"

func testOIDCConfiguration() *Configuration {
	return &Configuration{
		OrganizationID: "org-1",
		ProviderType:   ProviderTypeOIDC,
		Enabled:        true,
		OIDC: &OIDCConfiguration{
			Issuer:                testIssuer,
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
			JWKSURI:               "https://idp.example.com/jwks",
			ClientID:              "client-1",
			ClientSecret:          "secret-1",
			RedirectURI:           "https://sp.example.com/auth/sso/org-1/callback",
			Scopes:                []string{"openid", "profile", "email"},
			UsePKCE:               true,
			ClaimsMapping: AttributeMap{
				UserID:      "sub",
				Email:       "email",
				DisplayName: "name",
				Groups:      "groups",
			},
		},
	}
}

func newTestOIDCProvider(t *testing.T, mutate func(*Configuration)) *OIDCProvider {
	t.Helper()
	cfg := testOIDCConfiguration()
	if mutate != nil {
		mutate(cfg)
	}
	provider, err := NewOIDCProvider("org-1", cfg, Options{})
	require.NoError(t, err)
	return provider
}

// signIDToken builds an RS256-signed JWT from the given claims.
func signIDToken(t *testing.T, key *rsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()

	header := map[string]interface{}{"alg": "RS256", "typ": "JWT", "kid": "test-key"}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

// fakeIdP serves JWKS, token and userinfo endpoints for callback tests.
type fakeIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	// claims produces the ID-token claims for the next token response.
	claims func() map[string]interface{}

	tokenHits     int32
	lastTokenForm url.Values

	userinfoStatus int
	userinfoBody   string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key, userinfoStatus: http.StatusNotFound}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","alg":"RS256","use":"sig","kid":"test-key","n":"%s","e":"%s"}]}`, n, e)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&idp.tokenHits, 1)
		require.NoError(t, r.ParseForm())
		idp.lastTokenForm = r.PostForm

		idToken := signIDToken(t, key, idp.claims())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600,"id_token":"%s"}`, idToken)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if idp.userinfoStatus != http.StatusOK {
			w.WriteHeader(idp.userinfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, idp.userinfoBody)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) configure(cfg *Configuration) {
	cfg.OIDC.TokenEndpoint = idp.server.URL + "/token"
	cfg.OIDC.JWKSURI = idp.server.URL + "/jwks"
}

func (idp *fakeIdP) baseClaims(nonce string) map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"iss":    testIssuer,
		"aud":    "client-1",
		"sub":    "subject-1",
		"exp":    now.Add(time.Hour).Unix(),
		"iat":    now.Unix(),
		"email":  "user@example.com",
		"name":   "Test User",
		"groups": []string{"engineering", "oncall"},
		"nonce":  nonce,
	}
}

func TestNewOIDCProvider(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Configuration)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
		},
		{
			name:        "nil OIDC payload",
			mutate:      func(cfg *Configuration) { cfg.OIDC = nil },
			expectError: true,
			errorMsg:    "OIDC configuration is required",
		},
		{
			name:        "wrong provider type",
			mutate:      func(cfg *Configuration) { cfg.ProviderType = ProviderTypeSAML },
			expectError: true,
			errorMsg:    "declares provider type",
		},
		{
			name: "both payloads present",
			mutate: func(cfg *Configuration) {
				cfg.SAML = &SAMLConfiguration{IdPEntityID: "https://idp.example.com"}
			},
			expectError: true,
			errorMsg:    "SAML payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testOIDCConfiguration()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			provider, err := NewOIDCProvider("org-1", cfg, Options{})
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ProviderTypeOIDC, provider.Type())
		})
	}
}

func TestOIDCInitiateAuthentication(t *testing.T) {
	provider := newTestOIDCProvider(t, nil)

	authURL, flow, err := provider.InitiateAuthentication(context.Background(),
		"/return/here", map[string]string{"prompt": "login"})
	require.NoError(t, err)
	require.NotNil(t, flow)

	assert.Equal(t, "org-1", flow.OrganizationID)
	assert.Equal(t, ProviderTypeOIDC, flow.Protocol)
	assert.NotEmpty(t, flow.State)
	assert.NotEmpty(t, flow.Nonce)
	assert.NotEqual(t, flow.State, flow.Nonce)
	assert.NotEmpty(t, flow.CodeVerifier)
	assert.Equal(t, "/return/here", flow.RelayState)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://sp.example.com/auth/sso/org-1/callback", q.Get("redirect_uri"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, flow.Nonce, q.Get("nonce"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "openid")
	assert.Equal(t, "login", q.Get("prompt"))
}

func TestOIDCInitiateAuthenticationWithoutPKCE(t *testing.T) {
	provider := newTestOIDCProvider(t, func(cfg *Configuration) { cfg.OIDC.UsePKCE = false })

	authURL, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)

	assert.Empty(t, flow.CodeVerifier)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Empty(t, parsed.Query().Get("code_challenge"))
}

func TestOIDCStateMismatchBeforeAnyNetworkCall(t *testing.T) {
	idp := newFakeIdP(t)
	provider := newTestOIDCProvider(t, idp.configure)

	_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)

	_, err = provider.HandleCallback(context.Background(),
		CallbackData{"state": "forged", "code": "authcode"}, flow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, int32(0), atomic.LoadInt32(&idp.tokenHits))
}

func TestOIDCCallbackInputValidation(t *testing.T) {
	provider := newTestOIDCProvider(t, nil)
	flow := &FlowSession{OrganizationID: "org-1", Protocol: ProviderTypeOIDC, State: "st", Nonce: "n"}

	t.Run("no pending flow", func(t *testing.T) {
		_, err := provider.HandleCallback(context.Background(), CallbackData{"state": "st"}, nil)
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("idp error parameter", func(t *testing.T) {
		_, err := provider.HandleCallback(context.Background(),
			CallbackData{"state": "st", "error": "access_denied", "error_description": "user cancelled"}, flow)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthentication))
		assert.Contains(t, err.Error(), "access_denied")
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := provider.HandleCallback(context.Background(), CallbackData{"state": "st"}, flow)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}

func TestOIDCHandleCallback(t *testing.T) {
	idp := newFakeIdP(t)
	provider := newTestOIDCProvider(t, idp.configure)

	_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)

	idp.claims = func() map[string]interface{} {
		claims := idp.baseClaims(flow.Nonce)
		claims["jti"] = "jti-1"
		return claims
	}

	user, err := provider.HandleCallback(context.Background(),
		CallbackData{"state": flow.State, "code": "authcode"}, flow)
	require.NoError(t, err)

	assert.Equal(t, "subject-1", user.ExternalID)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "Test User", user.DisplayName)
	assert.Equal(t, []string{"engineering", "oncall"}, user.Groups)
	assert.Equal(t, "org-1", user.OrganizationID)
	assert.Equal(t, ProviderTypeOIDC, user.Protocol)

	// PKCE verifier travels to the token endpoint.
	assert.Equal(t, flow.CodeVerifier, idp.lastTokenForm.Get("code_verifier"))
}

func TestOIDCHandleCallbackNonceMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	provider := newTestOIDCProvider(t, idp.configure)

	_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)

	idp.claims = func() map[string]interface{} {
		return idp.baseClaims("some-other-nonce")
	}

	_, err = provider.HandleCallback(context.Background(),
		CallbackData{"state": flow.State, "code": "authcode"}, flow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestOIDCHandleCallbackReplayedJTI(t *testing.T) {
	idp := newFakeIdP(t)
	provider := newTestOIDCProvider(t, idp.configure)

	run := func() error {
		_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
		require.NoError(t, err)
		idp.claims = func() map[string]interface{} {
			claims := idp.baseClaims(flow.Nonce)
			claims["jti"] = "jti-shared"
			return claims
		}
		_, err = provider.HandleCallback(context.Background(),
			CallbackData{"state": flow.State, "code": "authcode"}, flow)
		return err
	}

	require.NoError(t, run())

	err := run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplay))
}

func TestOIDCHandleCallbackUserInfoEnrichment(t *testing.T) {
	idp := newFakeIdP(t)
	idp.userinfoStatus = http.StatusOK
	idp.userinfoBody = `{"email":"corrected@example.com","department":"platform"}`

	provider := newTestOIDCProvider(t, func(cfg *Configuration) {
		idp.configure(cfg)
		cfg.OIDC.UserInfoEndpoint = idp.server.URL + "/userinfo"
	})

	_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)
	idp.claims = func() map[string]interface{} { return idp.baseClaims(flow.Nonce) }

	user, err := provider.HandleCallback(context.Background(),
		CallbackData{"state": flow.State, "code": "authcode"}, flow)
	require.NoError(t, err)

	assert.Equal(t, "corrected@example.com", user.Email)
	assert.Equal(t, "platform", user.Attributes["department"])
}

func TestOIDCHandleCallbackUserInfoFailureIsNotFatal(t *testing.T) {
	idp := newFakeIdP(t)
	idp.userinfoStatus = http.StatusInternalServerError

	provider := newTestOIDCProvider(t, func(cfg *Configuration) {
		idp.configure(cfg)
		cfg.OIDC.UserInfoEndpoint = idp.server.URL + "/userinfo"
	})

	_, flow, err := provider.InitiateAuthentication(context.Background(), "", nil)
	require.NoError(t, err)
	idp.claims = func() map[string]interface{} { return idp.baseClaims(flow.Nonce) }

	user, err := provider.HandleCallback(context.Background(),
		CallbackData{"state": flow.State, "code": "authcode"}, flow)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
}

func TestOIDCInitiateLogout(t *testing.T) {
	t.Run("no end-session endpoint means local logout", func(t *testing.T) {
		provider := newTestOIDCProvider(t, nil)

		logoutURL, err := provider.InitiateLogout(context.Background(), &SSOSession{Key: "k"})
		require.NoError(t, err)
		assert.Empty(t, logoutURL)
	})

	t.Run("builds end-session URL", func(t *testing.T) {
		provider := newTestOIDCProvider(t, func(cfg *Configuration) {
			cfg.OIDC.EndSessionEndpoint = "https://idp.example.com/logout"
			cfg.OIDC.PostLogoutRedirectURI = "https://sp.example.com/"
		})

		logoutURL, err := provider.InitiateLogout(context.Background(), &SSOSession{Key: "k"})
		require.NoError(t, err)

		parsed, err := url.Parse(logoutURL)
		require.NoError(t, err)
		assert.Equal(t, "/logout", parsed.Path)
		assert.Equal(t, "client-1", parsed.Query().Get("client_id"))
		assert.Equal(t, "https://sp.example.com/", parsed.Query().Get("post_logout_redirect_uri"))
	})
}

func TestOIDCHandleLogoutCallback(t *testing.T) {
	provider := newTestOIDCProvider(t, nil)

	ok, err := provider.HandleLogoutCallback(context.Background(), CallbackData{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = provider.HandleLogoutCallback(context.Background(),
		CallbackData{"error": "server_error"})
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestOIDCValidateConfigurationStatic(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Configuration)
		errMsg string
	}{
		{
			name:   "missing issuer",
			mutate: func(cfg *Configuration) { cfg.OIDC.Issuer = "" },
			errMsg: "Issuer is required",
		},
		{
			name:   "missing client ID",
			mutate: func(cfg *Configuration) { cfg.OIDC.ClientID = "" },
			errMsg: "Client ID is required",
		},
		{
			name:   "missing client secret",
			mutate: func(cfg *Configuration) { cfg.OIDC.ClientSecret = "" },
			errMsg: "Client Secret is required",
		},
		{
			name:   "missing redirect URI",
			mutate: func(cfg *Configuration) { cfg.OIDC.RedirectURI = "" },
			errMsg: "Redirect URI is required",
		},
		{
			name: "no endpoints and no discovery",
			mutate: func(cfg *Configuration) {
				cfg.OIDC.AuthorizationEndpoint = ""
				cfg.OIDC.DiscoveryURL = ""
			},
			errMsg: "either a Discovery URL or an Authorization Endpoint is required",
		},
		{
			name:   "implicit flow rejected",
			mutate: func(cfg *Configuration) { cfg.OIDC.ResponseType = "token" },
			errMsg: `Response Type "token" is not supported (only "code")`,
		},
		{
			name: "plain PKCE rejected",
			mutate: func(cfg *Configuration) {
				cfg.OIDC.PKCEMethod = "plain"
			},
			errMsg: `PKCE method "plain" is not supported (only "S256")`,
		},
		{
			name:   "scopes must include openid",
			mutate: func(cfg *Configuration) { cfg.OIDC.Scopes = []string{"profile", "email"} },
			errMsg: `Scopes must include "openid"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestOIDCProvider(t, tt.mutate)
			result := provider.ValidateConfiguration(ctx)
			assert.False(t, result.Valid)
			assert.Contains(t, result.Errors, tt.errMsg)
		})
	}

	t.Run("valid configuration warns about missing end-session endpoint", func(t *testing.T) {
		provider := newTestOIDCProvider(t, nil)
		result := provider.ValidateConfiguration(ctx)
		assert.True(t, result.Valid)
		assert.Contains(t, result.Warnings, "End Session Endpoint is not configured; logout will be local only")
	})
}

func TestOIDCValidateConfigurationLiveDiscovery(t *testing.T) {
	ctx := context.Background()

	t.Run("discovery fills missing endpoints", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"issuer":%q,"authorization_endpoint":"https://idp.example.com/authorize",
				"token_endpoint":"https://idp.example.com/token","jwks_uri":"https://idp.example.com/jwks",
				"end_session_endpoint":"https://idp.example.com/logout"}`, testIssuer)
		}))
		defer srv.Close()

		provider := newTestOIDCProvider(t, func(cfg *Configuration) {
			cfg.OIDC.DiscoveryURL = srv.URL
			cfg.OIDC.AuthorizationEndpoint = ""
			cfg.OIDC.TokenEndpoint = ""
			cfg.OIDC.JWKSURI = ""
		})

		result := provider.ValidateConfiguration(ctx)
		assert.True(t, result.Valid, "errors: %v", result.Errors)
		assert.Empty(t, result.Warnings)
	})

	t.Run("discovery failure is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		provider := newTestOIDCProvider(t, func(cfg *Configuration) {
			cfg.OIDC.DiscoveryURL = srv.URL
		})

		result := provider.ValidateConfiguration(ctx)
		assert.False(t, result.Valid)
		require.NotEmpty(t, result.Errors)
		assert.Contains(t, result.Errors[0], "Discovery failed")
	})
}

func TestOIDCDiscoveryMergesOnceAndNeverMutatesConfig(t *testing.T) {
	var discoveryHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&discoveryHits, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"authorization_endpoint":"https://discovered.example.com/authorize",
			"token_endpoint":"https://discovered.example.com/token","jwks_uri":"https://discovered.example.com/jwks"}`,
			testIssuer)
	}))
	defer srv.Close()

	cfg := testOIDCConfiguration()
	cfg.OIDC.DiscoveryURL = srv.URL
	cfg.OIDC.TokenEndpoint = ""
	cfg.OIDC.JWKSURI = ""
	// AuthorizationEndpoint stays explicit; discovery must not override it.

	provider, err := NewOIDCProvider("org-1", cfg, Options{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		eps, err := provider.ensureEndpoints(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "https://idp.example.com/authorize", eps.Authorization)
		assert.Equal(t, "https://discovered.example.com/token", eps.Token)
		assert.Equal(t, "https://discovered.example.com/jwks", eps.JWKS)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&discoveryHits))

	// The configuration object the caller handed in is untouched.
	assert.Empty(t, cfg.OIDC.TokenEndpoint)
	assert.Empty(t, cfg.OIDC.JWKSURI)
	assert.Equal(t, "https://idp.example.com/authorize", cfg.OIDC.AuthorizationEndpoint)
}

func TestMergeEndpointsExplicitWins(t *testing.T) {
	explicit := oidcEndpoints{Authorization: "https://explicit/authorize"}
	doc := &discoveryDocument{
		AuthorizationEndpoint: "https://doc/authorize",
		TokenEndpoint:         "https://doc/token",
		JWKSURI:               "https://doc/jwks",
		EndSessionEndpoint:    "https://doc/logout",
	}

	merged := mergeEndpoints(explicit, doc)
	assert.Equal(t, "https://explicit/authorize", merged.Authorization)
	assert.Equal(t, "https://doc/token", merged.Token)
	assert.Equal(t, "https://doc/jwks", merged.JWKS)
	assert.Equal(t, "https://doc/logout", merged.EndSession)

	// Inputs are untouched, and a nil document is a no-op.
	assert.Empty(t, explicit.Token)
	assert.Equal(t, explicit, mergeEndpoints(explicit, nil))
}
