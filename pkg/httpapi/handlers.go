package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/quartzid/ssocore/pkg/audit"
	"github.com/quartzid/ssocore/pkg/observability"
	"github.com/quartzid/ssocore/pkg/session"
	"github.com/quartzid/ssocore/pkg/sso"
)

// Cookie names used to correlate browser requests with server-side state.
// The cookies carry opaque keys only; all state lives in the stores.
const (
	flowCookieName    = "sso_flow"
	sessionCookieName = "sso_session"
)

// ConfigStore is the configuration persistence the handlers need.
// *sso.Storage satisfies it.
type ConfigStore interface {
	GetConfiguration(ctx context.Context, orgID string) (*sso.Configuration, error)
	UpsertConfiguration(ctx context.Context, cfg *sso.Configuration) error
	DeleteConfiguration(ctx context.Context, orgID string) error
	ListConfigurations(ctx context.Context, enabledOnly bool) ([]*sso.Configuration, error)
}

// Handlers handles SSO-related HTTP requests
type Handlers struct {
	configs  ConfigStore
	registry *sso.Registry
	flows    *session.FlowStore
	sessions *session.SessionStore
	auditor  audit.Logger
	log      *observability.Logger
}

// NewHandlers creates a new SSO handlers instance
func NewHandlers(configs ConfigStore, registry *sso.Registry, flows *session.FlowStore, sessions *session.SessionStore, auditor audit.Logger, log *observability.Logger) *Handlers {
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{
		configs:  configs,
		registry: registry,
		flows:    flows,
		sessions: sessions,
		auditor:  auditor,
		log:      log,
	}
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Authentication routes
	router.HandleFunc("/auth/sso/{org}/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/sso/{org}/callback", h.handleCallback).Methods("GET", "POST")
	router.HandleFunc("/auth/sso/{org}/logout", h.initiateLogout).Methods("GET", "POST")
	router.HandleFunc("/auth/sso/{org}/logout/callback", h.handleLogoutCallback).Methods("GET", "POST")

	// SAML metadata endpoint
	router.HandleFunc("/sso/metadata/{org}", h.getSAMLMetadata).Methods("GET")

	// Configuration management routes
	router.HandleFunc("/sso/organizations", h.listConfigurations).Methods("GET")
	router.HandleFunc("/sso/organizations/{org}/config", h.getConfiguration).Methods("GET")
	router.HandleFunc("/sso/organizations/{org}/config", h.putConfiguration).Methods("PUT")
	router.HandleFunc("/sso/organizations/{org}/config", h.deleteConfiguration).Methods("DELETE")
	router.HandleFunc("/sso/organizations/{org}/config/validate", h.validateConfiguration).Methods("POST")
}

// providerFor loads the organization's configuration and builds its provider.
func (h *Handlers) providerFor(ctx context.Context, orgID string) (sso.Provider, *sso.Configuration, error) {
	cfg, err := h.configs.GetConfiguration(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	provider, err := h.registry.CreateProvider(orgID, cfg)
	if err != nil {
		return nil, nil, err
	}
	return provider, cfg, nil
}

// initiateLogin handles GET /auth/sso/{org}/login
func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	cfg, err := h.configs.GetConfiguration(ctx, orgID)
	if errors.Is(err, sso.ErrConfigurationNotFound) {
		http.Error(w, "SSO is not configured for this organization", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to load sso configuration")
		http.Error(w, "sign-in is unavailable", http.StatusInternalServerError)
		return
	}
	if !cfg.Enabled {
		http.Error(w, "SSO is disabled for this organization", http.StatusForbidden)
		return
	}

	provider, err := h.registry.CreateProvider(orgID, cfg)
	if err != nil {
		h.log.WithError(err).Error("failed to build provider")
		http.Error(w, "sign-in is unavailable", http.StatusInternalServerError)
		return
	}

	returnURL := r.URL.Query().Get("return_url")
	authURL, flow, err := provider.InitiateAuthentication(ctx, returnURL, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to initiate authentication")
		http.Error(w, "sign-in is unavailable", http.StatusInternalServerError)
		return
	}

	flowKey := uuid.NewString()
	if err := h.flows.Save(ctx, flowKey, flow); err != nil {
		h.log.WithError(err).Error("failed to persist flow session")
		http.Error(w, "sign-in is unavailable", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    flowKey,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600, // 10 minutes
	})

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeAuthInitiated,
		Status:         audit.EventStatusSuccess,
		OrganizationID: orgID,
		Protocol:       string(provider.Type()),
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	})

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback handles GET/POST /auth/sso/{org}/callback
func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	flowCookie, err := r.Cookie(flowCookieName)
	if err != nil {
		http.Error(w, "no pending sign-in", http.StatusBadRequest)
		return
	}
	clearCookie(w, flowCookieName)

	// Consume-once: the flow is deleted before validation so a replayed
	// callback finds nothing.
	flow, err := h.flows.Load(ctx, flowCookie.Value)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "sign-in flow has expired", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to load flow session")
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	if err := h.flows.Delete(ctx, flowCookie.Value); err != nil {
		h.log.WithError(err).Error("failed to consume flow session")
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}

	if flow.OrganizationID != orgID {
		http.Error(w, "sign-in flow does not belong to this organization", http.StatusBadRequest)
		return
	}

	provider, _, err := h.providerFor(ctx, orgID)
	if err != nil {
		h.log.WithError(err).Error("failed to build provider")
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}

	user, err := provider.HandleCallback(ctx, callbackData(r), flow)
	if err != nil {
		h.auditor.Log(ctx, &audit.Event{
			Type:           audit.EventTypeAuthFailed,
			Status:         audit.EventStatusFailure,
			OrganizationID: orgID,
			Protocol:       string(provider.Type()),
			Reason:         sso.FailureReason(err),
			IPAddress:      r.RemoteAddr,
			UserAgent:      r.UserAgent(),
		})
		// IdP-supplied detail stays in the logs; the browser gets a
		// generic message.
		http.Error(w, "sign-in failed", callbackFailureStatus(err))
		return
	}

	now := time.Now().UTC()
	sess := &sso.SSOSession{
		Key:            uuid.NewString(),
		OrganizationID: orgID,
		Protocol:       user.Protocol,
		User:           user,
		NameID:         user.NameID,
		NameIDFormat:   user.NameIDFormat,
		SessionIndex:   user.SessionIndex,
		CreatedAt:      now,
		ExpiresAt:      now.Add(h.sessions.TTL()),
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.log.WithError(err).Error("failed to persist session")
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Key,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.sessions.TTL().Seconds()),
	})

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeAuthSucceeded,
		Status:         audit.EventStatusSuccess,
		OrganizationID: orgID,
		Protocol:       string(user.Protocol),
		ExternalID:     user.ExternalID,
		Email:          user.Email,
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	})

	returnURL := flow.RelayState
	if returnURL == "" {
		returnURL = "/"
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// initiateLogout handles GET/POST /auth/sso/{org}/logout
func (h *Handlers) initiateLogout(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	sessionCookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	clearCookie(w, sessionCookieName)

	sess, err := h.sessions.Load(ctx, sessionCookie.Value)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err := h.sessions.Delete(ctx, sessionCookie.Value); err != nil {
		h.log.WithError(err).Warn("failed to delete session")
	}

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeLogoutInitiated,
		Status:         audit.EventStatusSuccess,
		OrganizationID: orgID,
		Protocol:       string(sess.Protocol),
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	})

	// The local session is already gone; IdP logout is best effort.
	provider, _, err := h.providerFor(ctx, orgID)
	if err == nil {
		if logoutURL, err := provider.InitiateLogout(ctx, sess); err == nil && logoutURL != "" {
			http.Redirect(w, r, logoutURL, http.StatusFound)
			return
		}
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogoutCallback handles GET/POST /auth/sso/{org}/logout/callback
func (h *Handlers) handleLogoutCallback(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	provider, _, err := h.providerFor(ctx, orgID)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	confirmed, err := provider.HandleLogoutCallback(ctx, callbackData(r))
	status := audit.EventStatusSuccess
	reason := ""
	if err != nil || !confirmed {
		status = audit.EventStatusFailure
		reason = sso.FailureReason(err)
		h.log.WithError(err).Warn("logout callback was not confirmed")
	}

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeLogoutCompleted,
		Status:         status,
		OrganizationID: orgID,
		Protocol:       string(provider.Type()),
		Reason:         reason,
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	})

	http.Redirect(w, r, "/", http.StatusFound)
}

// getSAMLMetadata handles GET /sso/metadata/{org}
func (h *Handlers) getSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	provider, cfg, err := h.providerFor(ctx, orgID)
	if errors.Is(err, sso.ErrConfigurationNotFound) {
		http.Error(w, "organization not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cfg.ProviderType != sso.ProviderTypeSAML {
		http.Error(w, "organization is not configured for SAML", http.StatusBadRequest)
		return
	}

	samlProvider, ok := provider.(*sso.SAMLProvider)
	if !ok {
		http.Error(w, "organization is not configured for SAML", http.StatusInternalServerError)
		return
	}

	metadata, err := samlProvider.Metadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(metadata)
}

// listConfigurations handles GET /sso/organizations
func (h *Handlers) listConfigurations(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	configs, err := h.configs.ListConfigurations(r.Context(), enabledOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, configs)
}

// getConfiguration handles GET /sso/organizations/{org}/config
func (h *Handlers) getConfiguration(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	cfg, err := h.configs.GetConfiguration(r.Context(), orgID)
	if errors.Is(err, sso.ErrConfigurationNotFound) {
		http.Error(w, "configuration not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Secrets carry `json:"-"` tags, so marshaling never leaks them.
	writeJSON(w, http.StatusOK, cfg)
}

// putConfiguration handles PUT /sso/organizations/{org}/config
func (h *Handlers) putConfiguration(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	var cfg sso.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	cfg.OrganizationID = orgID

	// Constructing the provider is the structural check: declared type,
	// matching payload, parsable key material.
	if _, err := h.registry.CreateProvider(orgID, &cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid configuration: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.configs.UpsertConfiguration(ctx, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeConfigUpdated,
		Status:         audit.EventStatusSuccess,
		OrganizationID: orgID,
		Protocol:       string(cfg.ProviderType),
		IPAddress:      r.RemoteAddr,
	})

	writeJSON(w, http.StatusOK, &cfg)
}

// deleteConfiguration handles DELETE /sso/organizations/{org}/config
func (h *Handlers) deleteConfiguration(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	err := h.configs.DeleteConfiguration(ctx, orgID)
	if errors.Is(err, sso.ErrConfigurationNotFound) {
		http.Error(w, "configuration not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.auditor.Log(ctx, &audit.Event{
		Type:           audit.EventTypeConfigDeleted,
		Status:         audit.EventStatusSuccess,
		OrganizationID: orgID,
		IPAddress:      r.RemoteAddr,
	})

	w.WriteHeader(http.StatusNoContent)
}

// validateConfiguration handles POST /sso/organizations/{org}/config/validate
func (h *Handlers) validateConfiguration(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	ctx := r.Context()

	provider, _, err := h.providerFor(ctx, orgID)
	if errors.Is(err, sso.ErrConfigurationNotFound) {
		http.Error(w, "configuration not found", http.StatusNotFound)
		return
	}
	if err != nil {
		// Construction failures are themselves a validation outcome.
		writeJSON(w, http.StatusOK, sso.ValidationResult{
			Valid:  false,
			Errors: []string{err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusOK, provider.ValidateConfiguration(ctx))
}

// callbackData flattens form fields and query parameters into the
// protocol-neutral callback map. Form fields win on conflict.
func callbackData(r *http.Request) sso.CallbackData {
	data := sso.CallbackData{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			data[k] = v[0]
		}
	}
	if err := r.ParseForm(); err == nil {
		for k, v := range r.PostForm {
			if len(v) > 0 {
				data[k] = v[0]
			}
		}
	}
	return data
}

// callbackFailureStatus maps the error taxonomy to HTTP statuses.
func callbackFailureStatus(err error) int {
	switch {
	case errors.Is(err, sso.ErrValidation), errors.Is(err, sso.ErrReplay):
		return http.StatusBadRequest
	case errors.Is(err, sso.ErrAuthentication):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, MaxAge: -1, Path: "/"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
