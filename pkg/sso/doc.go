// Package sso implements multi-tenant enterprise single sign-on.
//
// # Overview
//
// Each organization delegates authentication to its own identity provider
// over SAML 2.0 or OpenID Connect. The package exposes a protocol-neutral
// Provider interface; a Registry maps provider types to constructors and
// builds one provider per organization from its stored Configuration.
//
// # Supported Protocols
//
// SAML 2.0: Web Browser SSO with the POST binding for responses and the
// Redirect binding for AuthnRequests and single logout.
// OpenID Connect: authorization code flow with optional PKCE (S256) and
// endpoint discovery.
//
// # Usage Example
//
// Build a registry and a provider for an organization:
//
//	registry := sso.NewRegistry(sso.Options{Logger: logger})
//	provider, err := registry.CreateProvider(orgID, cfg)
//
// Start a login:
//
//	redirectURL, flow, err := provider.InitiateAuthentication(ctx, returnTo, nil)
//	// persist flow under a session key, then redirect the user-agent
//
// Finish it:
//
//	user, err := provider.HandleCallback(ctx, callbackData, flow)
//
// # Error Taxonomy
//
// Failures wrap one of four sentinels — ErrConfiguration, ErrAuthentication,
// ErrValidation, ErrReplay — matched with errors.Is. Callers branch on the
// category, never on message text.
//
// # Related Packages
//
//   - pkg/session: flow and session persistence
//   - pkg/httpapi: HTTP surface wiring the flows together
package sso
