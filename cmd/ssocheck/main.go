// ssocheck validates organization SSO configurations from a YAML file and
// reports errors and warnings without touching any store. Exit status is
// nonzero when any configuration is invalid.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/quartzid/ssocore/pkg/sso"
)

// checkFile is the YAML layout ssocheck consumes.
type checkFile struct {
	Organizations []orgEntry `yaml:"organizations"`
}

type orgEntry struct {
	OrganizationID string     `yaml:"organization_id"`
	ProviderType   string     `yaml:"provider_type"`
	Enabled        bool       `yaml:"enabled"`
	SAML           *samlEntry `yaml:"saml,omitempty"`
	OIDC           *oidcEntry `yaml:"oidc,omitempty"`
}

type samlEntry struct {
	IdPEntityID    string `yaml:"idp_entity_id"`
	IdPSSOURL      string `yaml:"idp_sso_url"`
	IdPSLOURL      string `yaml:"idp_slo_url"`
	IdPCertificate string `yaml:"idp_certificate"`

	SPEntityID   string `yaml:"sp_entity_id"`
	SPACSURL     string `yaml:"sp_acs_url"`
	SPPrivateKey string `yaml:"sp_private_key"`
	SignRequests bool   `yaml:"sign_requests"`
	NameIDFormat string `yaml:"name_id_format"`

	AttributeMapping mappingEntry `yaml:"attribute_mapping"`
}

type oidcEntry struct {
	Issuer       string `yaml:"issuer"`
	DiscoveryURL string `yaml:"discovery_url"`

	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserInfoEndpoint      string `yaml:"userinfo_endpoint"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint"`
	JWKSURI               string `yaml:"jwks_uri"`

	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret"`
	RedirectURI           string   `yaml:"redirect_uri"`
	PostLogoutRedirectURI string   `yaml:"post_logout_redirect_uri"`
	Scopes                []string `yaml:"scopes"`
	ResponseType          string   `yaml:"response_type"`

	UsePKCE    bool   `yaml:"use_pkce"`
	PKCEMethod string `yaml:"pkce_method"`

	ClaimsMapping mappingEntry `yaml:"claims_mapping"`
}

type mappingEntry struct {
	UserID      string `yaml:"user_id"`
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
	FirstName   string `yaml:"first_name"`
	LastName    string `yaml:"last_name"`
	Groups      string `yaml:"groups"`
}

func main() {
	file := flag.String("file", "sso.yaml", "YAML file of organization SSO configurations")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout for live checks (OIDC discovery)")
	offline := flag.Bool("offline", false, "Skip live checks")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}

	var doc checkFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Fatalf("Failed to parse %s: %v", *file, err)
	}
	if len(doc.Organizations) == 0 {
		log.Fatalf("No organizations found in %s", *file)
	}

	client := &http.Client{Timeout: *timeout}
	if *offline {
		client.Transport = offlineTransport{}
	}

	registry := sso.NewRegistry(sso.Options{
		HTTPClient:       client,
		DiscoveryTimeout: *timeout,
	})

	failed := 0
	for _, entry := range doc.Organizations {
		entryLog := log.WithFields(logrus.Fields{
			"organization_id": entry.OrganizationID,
			"provider_type":   entry.ProviderType,
		})

		provider, err := registry.CreateProvider(entry.OrganizationID, toConfiguration(entry))
		if err != nil {
			entryLog.Errorf("Invalid: %v", err)
			failed++
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		result := provider.ValidateConfiguration(ctx)
		cancel()

		if *offline {
			result = demoteLiveCheckErrors(result)
		}

		for _, w := range result.Warnings {
			entryLog.Warnf("Warning: %s", w)
		}
		if result.Valid {
			entryLog.Info("Valid")
			continue
		}
		for _, e := range result.Errors {
			entryLog.Errorf("Error: %s", e)
		}
		failed++
	}

	if failed > 0 {
		log.Errorf("%d of %d configurations are invalid", failed, len(doc.Organizations))
		os.Exit(1)
	}
	log.Infof("All %d configurations are valid", len(doc.Organizations))
}

// offlineTransport fails every outbound request so live checks short-circuit
// in --offline mode.
type offlineTransport struct{}

func (offlineTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errOffline
}

var errOffline = errors.New("live checks disabled")

// demoteLiveCheckErrors turns discovery failures into warnings; in offline
// mode they are expected, not configuration defects.
func demoteLiveCheckErrors(result sso.ValidationResult) sso.ValidationResult {
	demoted := sso.ValidationResult{Valid: true, Warnings: result.Warnings}
	for _, e := range result.Errors {
		if strings.HasPrefix(e, "Discovery failed:") {
			demoted.Warnings = append(demoted.Warnings, "skipped live check: "+e)
			continue
		}
		demoted.Errors = append(demoted.Errors, e)
		demoted.Valid = false
	}
	return demoted
}

func toConfiguration(entry orgEntry) *sso.Configuration {
	cfg := &sso.Configuration{
		OrganizationID: entry.OrganizationID,
		ProviderType:   sso.ProviderType(entry.ProviderType),
		Enabled:        entry.Enabled,
	}
	if entry.SAML != nil {
		cfg.SAML = &sso.SAMLConfiguration{
			IdPEntityID:    entry.SAML.IdPEntityID,
			IdPSSOURL:      entry.SAML.IdPSSOURL,
			IdPSLOURL:      entry.SAML.IdPSLOURL,
			IdPCertificate: entry.SAML.IdPCertificate,
			SPEntityID:     entry.SAML.SPEntityID,
			SPACSURL:       entry.SAML.SPACSURL,
			SPPrivateKey:   entry.SAML.SPPrivateKey,
			SignRequests:   entry.SAML.SignRequests,
			NameIDFormat:   entry.SAML.NameIDFormat,
			AttributeMapping: sso.AttributeMap{
				UserID:      entry.SAML.AttributeMapping.UserID,
				Email:       entry.SAML.AttributeMapping.Email,
				DisplayName: entry.SAML.AttributeMapping.DisplayName,
				FirstName:   entry.SAML.AttributeMapping.FirstName,
				LastName:    entry.SAML.AttributeMapping.LastName,
				Groups:      entry.SAML.AttributeMapping.Groups,
			},
		}
	}
	if entry.OIDC != nil {
		cfg.OIDC = &sso.OIDCConfiguration{
			Issuer:                entry.OIDC.Issuer,
			DiscoveryURL:          entry.OIDC.DiscoveryURL,
			AuthorizationEndpoint: entry.OIDC.AuthorizationEndpoint,
			TokenEndpoint:         entry.OIDC.TokenEndpoint,
			UserInfoEndpoint:      entry.OIDC.UserInfoEndpoint,
			EndSessionEndpoint:    entry.OIDC.EndSessionEndpoint,
			JWKSURI:               entry.OIDC.JWKSURI,
			ClientID:              entry.OIDC.ClientID,
			ClientSecret:          entry.OIDC.ClientSecret,
			RedirectURI:           entry.OIDC.RedirectURI,
			PostLogoutRedirectURI: entry.OIDC.PostLogoutRedirectURI,
			Scopes:                entry.OIDC.Scopes,
			ResponseType:          entry.OIDC.ResponseType,
			UsePKCE:               entry.OIDC.UsePKCE,
			PKCEMethod:            entry.OIDC.PKCEMethod,
			ClaimsMapping: sso.AttributeMap{
				UserID:      entry.OIDC.ClaimsMapping.UserID,
				Email:       entry.OIDC.ClaimsMapping.Email,
				DisplayName: entry.OIDC.ClaimsMapping.DisplayName,
				FirstName:   entry.OIDC.ClaimsMapping.FirstName,
				LastName:    entry.OIDC.ClaimsMapping.LastName,
				Groups:      entry.OIDC.ClaimsMapping.Groups,
			},
		}
	}
	return cfg
}
