package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// oidcEndpoints is the effective endpoint set an OIDC provider operates on.
// It is derived once from explicit configuration plus (optionally) the
// discovery document; the configuration itself is never mutated.
type oidcEndpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	EndSession    string
	JWKS          string
}

// complete reports whether the endpoints needed for the authorization code
// flow are all known. UserInfo and EndSession are optional.
func (e oidcEndpoints) complete() bool {
	return e.Authorization != "" && e.Token != "" && e.JWKS != ""
}

// endpointsFromConfig extracts the explicitly configured endpoints.
func endpointsFromConfig(cfg *OIDCConfiguration) oidcEndpoints {
	return oidcEndpoints{
		Authorization: cfg.AuthorizationEndpoint,
		Token:         cfg.TokenEndpoint,
		UserInfo:      cfg.UserInfoEndpoint,
		EndSession:    cfg.EndSessionEndpoint,
		JWKS:          cfg.JWKSURI,
	}
}

// discoveryDocument is the subset of the OIDC provider metadata we consume.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// fetchDiscovery retrieves the discovery document. The caller bounds the
// fetch with a context deadline.
func fetchDiscovery(ctx context.Context, client *http.Client, url string) (*discoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("discovery fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return &doc, nil
}

// mergeEndpoints fills only the unset fields of explicit from the discovery
// document. Pure: it returns a new value and mutates neither input.
func mergeEndpoints(explicit oidcEndpoints, doc *discoveryDocument) oidcEndpoints {
	merged := explicit
	if doc == nil {
		return merged
	}
	if merged.Authorization == "" {
		merged.Authorization = doc.AuthorizationEndpoint
	}
	if merged.Token == "" {
		merged.Token = doc.TokenEndpoint
	}
	if merged.UserInfo == "" {
		merged.UserInfo = doc.UserInfoEndpoint
	}
	if merged.EndSession == "" {
		merged.EndSession = doc.EndSessionEndpoint
	}
	if merged.JWKS == "" {
		merged.JWKS = doc.JWKSURI
	}
	return merged
}
