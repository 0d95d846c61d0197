package sso

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quartzid/ssocore/pkg/observability"
)

// Provider is the protocol-agnostic authentication engine for one
// organization. Implementations are safe for concurrent use; the only shared
// mutable state per instance is the replay guard.
type Provider interface {
	// Type returns the federation protocol this provider speaks.
	Type() ProviderType

	// InitiateAuthentication builds a protocol-specific authentication
	// request. It returns the URL the caller must redirect the user-agent to
	// and the correlation state the caller must persist under a session key
	// of its choosing. relayState is an opaque caller value returned through
	// the flow; extra carries additional authorization parameters.
	InitiateAuthentication(ctx context.Context, relayState string, extra map[string]string) (string, *FlowSession, error)

	// HandleCallback validates the IdP's response against the previously
	// stored flow session and returns the resolved user.
	HandleCallback(ctx context.Context, data CallbackData, flow *FlowSession) (*SSOUser, error)

	// InitiateLogout returns the IdP logout redirect URL, or "" when the IdP
	// has no logout endpoint configured (local logout only).
	InitiateLogout(ctx context.Context, session *SSOSession) (string, error)

	// HandleLogoutCallback processes an IdP logout response. It reports
	// whether the IdP confirmed the logout.
	HandleLogoutCallback(ctx context.Context, data CallbackData) (bool, error)

	// ValidateConfiguration runs static and best-effort live checks without
	// mutating provider state.
	ValidateConfiguration(ctx context.Context) ValidationResult
}

// Constructor builds a provider for one organization from its configuration.
// The function signature is the capability contract for runtime-registered
// protocols.
type Constructor func(orgID string, cfg *Configuration, opts Options) (Provider, error)

// Options carries the cross-cutting collaborators and tunables shared by all
// providers created from one registry.
type Options struct {
	Logger *observability.Logger

	// HTTPClient is used for discovery, token exchange and UserInfo fetches.
	HTTPClient *http.Client

	// ReplayWindow bounds how long consumed assertion/token identifiers are
	// remembered. Defaults to 24h.
	ReplayWindow time.Duration

	// DiscoveryTimeout bounds OIDC discovery and metadata fetches. Defaults
	// to 10s.
	DiscoveryTimeout time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = 24 * time.Hour
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry maps protocol types to provider constructors. It is an explicit
// value constructed at startup and passed to call sites, so tests can build
// isolated registries.
type Registry struct {
	opts Options

	mu           sync.RWMutex
	constructors map[ProviderType]Constructor
}

// NewRegistry creates a registry with the builtin SAML and OIDC constructors.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts:         opts.withDefaults(),
		constructors: make(map[ProviderType]Constructor),
	}
	r.constructors[ProviderTypeSAML] = func(orgID string, cfg *Configuration, opts Options) (Provider, error) {
		return NewSAMLProvider(orgID, cfg, opts)
	}
	r.constructors[ProviderTypeOIDC] = func(orgID string, cfg *Configuration, opts Options) (Provider, error) {
		return NewOIDCProvider(orgID, cfg, opts)
	}
	return r
}

// Register adds a protocol implementation at runtime. The constructor
// signature is the full capability set; nil constructors are rejected.
func (r *Registry) Register(t ProviderType, c Constructor) error {
	if t == "" {
		return configErrorf("provider type must not be empty")
	}
	if c == nil {
		return configErrorf("constructor for provider type %q must not be nil", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = c
	return nil
}

// SupportedTypes lists the registered protocol types, sorted.
func (r *Registry) SupportedTypes() []ProviderType {
	r.mu.RLock()
	types := make([]ProviderType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// CreateProvider constructs a provider for the configuration's declared
// protocol type. Unknown types fail with ErrConfiguration listing the
// supported set.
func (r *Registry) CreateProvider(orgID string, cfg *Configuration) (Provider, error) {
	if cfg == nil {
		return nil, configErrorf("configuration is required")
	}
	r.mu.RLock()
	constructor, ok := r.constructors[cfg.ProviderType]
	r.mu.RUnlock()
	if !ok {
		supported := make([]string, 0, len(r.SupportedTypes()))
		for _, t := range r.SupportedTypes() {
			supported = append(supported, string(t))
		}
		return nil, configErrorf("unsupported provider type %q (supported: %s)",
			cfg.ProviderType, strings.Join(supported, ", "))
	}
	return constructor(orgID, cfg, r.opts)
}
