package sso

import "time"

// ProviderType identifies the federation protocol an organization delegates
// authentication to.
type ProviderType string

const (
	ProviderTypeSAML ProviderType = "saml"
	ProviderTypeOIDC ProviderType = "oidc"
)

// Configuration is the per-organization SSO record. Exactly one of SAML or
// OIDC must be populated, and it must match ProviderType; provider
// construction rejects anything else.
type Configuration struct {
	OrganizationID string       `json:"organization_id"`
	ProviderType   ProviderType `json:"provider_type"`
	Enabled        bool         `json:"enabled"`

	SAML *SAMLConfiguration `json:"saml,omitempty"`
	OIDC *OIDCConfiguration `json:"oidc,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SAMLConfiguration holds both sides of a SAML 2.0 Web Browser SSO setup.
type SAMLConfiguration struct {
	// Identity provider side
	IdPEntityID       string     `json:"idp_entity_id"`
	IdPSSOURL         string     `json:"idp_sso_url"`
	IdPSLOURL         string     `json:"idp_slo_url,omitempty"`
	IdPCertificate    string     `json:"idp_certificate"` // PEM encoded
	CertificateExpiry *time.Time `json:"certificate_expiry,omitempty"`

	// Service provider side
	SPEntityID   string `json:"sp_entity_id"`
	SPACSURL     string `json:"sp_acs_url"`
	SPPrivateKey string `json:"-"` // never serialized
	SignRequests bool   `json:"sign_requests"`
	NameIDFormat string `json:"name_id_format,omitempty"`

	AttributeMapping AttributeMap `json:"attribute_mapping"`
}

// OIDCConfiguration holds an OpenID Connect relying-party setup. Endpoint
// fields left empty may be filled from the discovery document at runtime;
// explicit values always win over discovered ones.
type OIDCConfiguration struct {
	Issuer       string `json:"issuer"`
	DiscoveryURL string `json:"discovery_url,omitempty"`

	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`

	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"-"` // never serialized
	RedirectURI           string   `json:"redirect_uri"`
	PostLogoutRedirectURI string   `json:"post_logout_redirect_uri,omitempty"`
	Scopes                []string `json:"scopes"`
	ResponseType          string   `json:"response_type,omitempty"` // only "code" is supported

	UsePKCE    bool   `json:"use_pkce"`
	PKCEMethod string `json:"pkce_method,omitempty"` // only "S256" is supported

	ClaimsMapping AttributeMap `json:"claims_mapping"`
}

// AttributeMap defines how IdP attributes or claims map to user fields.
type AttributeMap struct {
	UserID      string `json:"user_id"` // unique user identifier
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Groups      string `json:"groups,omitempty"` // attribute containing group memberships
}

// FlowSession is the short-lived state correlating one initiation with one
// callback. It is created by InitiateAuthentication, persisted by the caller
// under a session key of its choosing, and consumed exactly once by
// HandleCallback.
type FlowSession struct {
	OrganizationID string       `json:"organization_id"`
	Protocol       ProviderType `json:"protocol"`

	RequestID    string `json:"request_id,omitempty"`    // SAML AuthnRequest ID
	State        string `json:"state,omitempty"`         // OIDC state
	Nonce        string `json:"nonce,omitempty"`         // OIDC nonce
	CodeVerifier string `json:"code_verifier,omitempty"` // OIDC PKCE verifier

	RelayState  string    `json:"relay_state,omitempty"` // opaque caller return value
	InitiatedAt time.Time `json:"initiated_at"`
}

// CallbackData carries the raw IdP callback fields: SAML POST-body fields for
// the ACS, query parameters for SLO, and OIDC query parameters. The transport
// must pass these through unmodified.
type CallbackData map[string]string

// Get returns the value for a callback field, or "" when absent.
func (d CallbackData) Get(key string) string {
	if d == nil {
		return ""
	}
	return d[key]
}

// SSOUser is the protocol-neutral result of a successful authentication.
type SSOUser struct {
	OrganizationID string       `json:"organization_id"`
	Protocol       ProviderType `json:"protocol"`

	ExternalID  string   `json:"external_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	Groups      []string `json:"groups,omitempty"`

	// SAML logout state. Copied into the SSOSession by the caller so a later
	// LogoutRequest can reference the IdP session.
	NameID       string `json:"name_id,omitempty"`
	NameIDFormat string `json:"name_id_format,omitempty"`
	SessionIndex string `json:"session_index,omitempty"`

	// Raw attribute/claim bag kept for auditing.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SSOSession is the longer-lived authenticated session created after login.
type SSOSession struct {
	Key            string       `json:"key"`
	OrganizationID string       `json:"organization_id"`
	Protocol       ProviderType `json:"protocol"`

	User *SSOUser `json:"user"`

	// SAML logout state; empty for OIDC.
	NameID       string `json:"name_id,omitempty"`
	NameIDFormat string `json:"name_id_format,omitempty"`
	SessionIndex string `json:"session_index,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidationResult is the outcome of ValidateConfiguration. Warnings do not
// make a configuration invalid.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

func (r *ValidationResult) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
