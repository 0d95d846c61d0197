package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/quartzid/ssocore/pkg/observability"
)

// statusSuccess is the SAML 2.0 top-level success status code.
const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// certExpiryWarningWindow is how far ahead of certificate expiry
// ValidateConfiguration starts warning.
const certExpiryWarningWindow = 30 * 24 * time.Hour

// SAMLProvider implements SAML 2.0 Web Browser SSO (POST binding for the
// response, Redirect binding for requests and single logout) for one
// organization.
type SAMLProvider struct {
	orgID  string
	cfg    *SAMLConfiguration
	sp     *saml2.SAMLServiceProvider
	log    *observability.Logger
	client *http.Client
	replay *ReplayGuard
	now    func() time.Time
}

// NewSAMLProvider creates a SAML provider from an organization's SSO
// configuration. A missing IdP certificate is tolerated here so
// ValidateConfiguration can report it; an unparsable one is not.
func NewSAMLProvider(orgID string, cfg *Configuration, opts Options) (*SAMLProvider, error) {
	if cfg == nil || cfg.SAML == nil {
		return nil, configErrorf("SAML configuration is required for organization %q", orgID)
	}
	if cfg.ProviderType != ProviderTypeSAML {
		return nil, configErrorf("configuration for organization %q declares provider type %q, not %q",
			orgID, cfg.ProviderType, ProviderTypeSAML)
	}
	if cfg.OIDC != nil {
		return nil, configErrorf("configuration for organization %q carries an OIDC payload alongside the SAML one", orgID)
	}

	opts = opts.withDefaults()
	sc := *cfg.SAML

	var certStore dsig.X509CertificateStore
	if sc.IdPCertificate != "" {
		cert, err := parseCertificatePEM(sc.IdPCertificate)
		if err != nil {
			return nil, configErrorf("invalid IdP certificate: %v", err)
		}
		certStore = &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
	}

	var keyStore dsig.X509KeyStore
	if sc.SPPrivateKey != "" {
		key, err := parsePrivateKeyPEM(sc.SPPrivateKey)
		if err != nil {
			return nil, configErrorf("invalid SP private key: %v", err)
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  key,
			Certificate: [][]byte{[]byte(sc.IdPCertificate)},
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      sc.IdPSSOURL,
		IdentityProviderIssuer:      sc.IdPEntityID,
		ServiceProviderIssuer:       sc.SPEntityID,
		AssertionConsumerServiceURL: sc.SPACSURL,
		SignAuthnRequests:           sc.SignRequests && keyStore != nil,
		AudienceURI:                 sc.SPEntityID,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
	}
	if sc.NameIDFormat != "" {
		sp.NameIdFormat = sc.NameIDFormat
	}

	return &SAMLProvider{
		orgID:  orgID,
		cfg:    &sc,
		sp:     sp,
		log:    opts.Logger.WithFields(map[string]interface{}{"organization_id": orgID, "protocol": string(ProviderTypeSAML)}),
		client: opts.HTTPClient,
		replay: NewReplayGuard(opts.ReplayWindow),
		now:    opts.Now,
	}, nil
}

// Type returns ProviderTypeSAML.
func (p *SAMLProvider) Type() ProviderType {
	return ProviderTypeSAML
}

// InitiateAuthentication builds a signed or unsigned AuthnRequest and the
// Redirect-binding URL for it. The request ID is kept in the flow session so
// the callback can enforce the InResponseTo binding.
func (p *SAMLProvider) InitiateAuthentication(ctx context.Context, relayState string, extra map[string]string) (string, *FlowSession, error) {
	doc, err := p.sp.BuildAuthRequestDocument()
	if err != nil {
		return "", nil, authErrorf("failed to build authentication request: %v", err)
	}

	requestID := doc.Root().SelectAttrValue("ID", "")
	if requestID == "" {
		return "", nil, authErrorf("authentication request carries no ID")
	}

	authURL, err := p.sp.BuildAuthURLFromDocument(relayState, doc)
	if err != nil {
		return "", nil, authErrorf("failed to build authentication URL: %v", err)
	}

	// The Redirect binding has no slot for extra authorization parameters.
	if len(extra) > 0 {
		p.log.WithField("ignored_params", len(extra)).Debug("extra parameters are not supported by the SAML redirect binding")
	}

	flow := &FlowSession{
		OrganizationID: p.orgID,
		Protocol:       ProviderTypeSAML,
		RequestID:      requestID,
		RelayState:     relayState,
		InitiatedAt:    p.now(),
	}

	authInitiated.WithLabelValues(string(ProviderTypeSAML)).Inc()
	p.log.WithField("request_id", requestID).Info("sso authentication initiated")

	return authURL, flow, nil
}

// HandleCallback validates the POSTed SAMLResponse (signature, conditions,
// audience) and resolves the user from the first assertion.
func (p *SAMLProvider) HandleCallback(ctx context.Context, data CallbackData, flow *FlowSession) (user *SSOUser, err error) {
	defer func() {
		observeCallback(ProviderTypeSAML, err)
		if err != nil {
			p.log.WithError(err).WithField("reason", FailureReason(err)).Warn("sso authentication failed")
		} else {
			p.log.WithField("external_id", user.ExternalID).Info("sso authentication succeeded")
		}
	}()

	encoded := data.Get("SAMLResponse")
	if encoded == "" {
		return nil, validationErrorf("callback is missing the SAMLResponse field")
	}

	resp, err := p.sp.ValidateEncodedResponse(encoded)
	if err != nil {
		return nil, authErrorf("response validation failed: %v", err)
	}

	return p.resolveAssertion(resp, flow)
}

// resolveAssertion applies the post-signature checks in order: status,
// request binding, replay, then attribute mapping.
func (p *SAMLProvider) resolveAssertion(resp *types.Response, flow *FlowSession) (*SSOUser, error) {
	statusCode := ""
	if resp.Status != nil && resp.Status.StatusCode != nil {
		statusCode = resp.Status.StatusCode.Value
	}
	if statusCode != statusSuccess {
		return nil, authErrorf("identity provider returned status %q", statusCode)
	}

	if flow == nil || flow.RequestID == "" {
		return nil, validationErrorf("no pending authentication flow")
	}
	if resp.InResponseTo != flow.RequestID {
		return nil, validationErrorf("InResponseTo %q does not match the initiated request", resp.InResponseTo)
	}

	if len(resp.Assertions) == 0 {
		return nil, authErrorf("response carries no assertion")
	}
	assertion := resp.Assertions[0]

	replayID := assertion.ID
	if replayID == "" {
		replayID = resp.ID
	}
	if err := p.replay.Check(replayID); err != nil {
		return nil, err
	}

	user := p.mapAssertion(&assertion)

	if user.ExternalID == "" {
		user.ExternalID = user.NameID
	}
	if user.ExternalID == "" {
		return nil, authErrorf("no user identifier resolved from assertion")
	}
	if user.Email == "" {
		return nil, authErrorf("no email resolved for user %q", user.ExternalID)
	}

	return user, nil
}

// mapAssertion resolves an SSOUser from assertion attributes via the
// configured attribute mapping, plus the NameID and session index needed for
// later logout.
func (p *SAMLProvider) mapAssertion(assertion *types.Assertion) *SSOUser {
	user := &SSOUser{
		OrganizationID: p.orgID,
		Protocol:       ProviderTypeSAML,
		Attributes:     make(map[string]string),
	}

	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		user.NameID = assertion.Subject.NameID.Value
		// The format is taken from configuration: gosaml2 does not expose
		// the response's Format attribute.
		user.NameIDFormat = p.cfg.NameIDFormat
	}
	if assertion.AuthnStatement != nil {
		user.SessionIndex = assertion.AuthnStatement.SessionIndex
	}

	m := p.cfg.AttributeMapping
	if assertion.AttributeStatement == nil {
		return user
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		first := attr.Values[0].Value
		user.Attributes[attr.Name] = first

		switch attr.Name {
		case m.UserID:
			user.ExternalID = first
		case m.Email:
			user.Email = first
		case m.DisplayName:
			user.DisplayName = first
		case m.FirstName:
			user.FirstName = first
		case m.LastName:
			user.LastName = first
		case m.Groups:
			for _, v := range attr.Values {
				if v.Value != "" {
					user.Groups = append(user.Groups, v.Value)
				}
			}
		}
	}
	return user
}

// InitiateLogout builds a LogoutRequest for the IdP's SLO endpoint using the
// Redirect binding. Returns "" when no SLO endpoint is configured.
func (p *SAMLProvider) InitiateLogout(ctx context.Context, session *SSOSession) (string, error) {
	if p.cfg.IdPSLOURL == "" {
		return "", nil
	}
	if session == nil || session.NameID == "" {
		return "", validationErrorf("session carries no NameID for single logout")
	}

	doc := p.buildLogoutRequest(session)
	encoded, err := deflateAndEncode(doc)
	if err != nil {
		return "", authErrorf("failed to encode logout request: %v", err)
	}

	logoutURL, err := url.Parse(p.cfg.IdPSLOURL)
	if err != nil {
		return "", configErrorf("invalid IdP SLO URL: %v", err)
	}
	q := logoutURL.Query()
	q.Set("SAMLRequest", encoded)
	logoutURL.RawQuery = q.Encode()

	logoutsInitiated.WithLabelValues(string(ProviderTypeSAML)).Inc()
	p.log.WithField("session_index", session.SessionIndex).Info("sso logout initiated")

	return logoutURL.String(), nil
}

func (p *SAMLProvider) buildLogoutRequest(session *SSOSession) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("samlp:LogoutRequest")
	root.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	root.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	root.CreateAttr("ID", "_"+uuid.New().String())
	root.CreateAttr("Version", "2.0")
	root.CreateAttr("IssueInstant", p.now().UTC().Format(time.RFC3339))
	root.CreateAttr("Destination", p.cfg.IdPSLOURL)

	issuer := root.CreateElement("saml:Issuer")
	issuer.SetText(p.cfg.SPEntityID)

	nameID := root.CreateElement("saml:NameID")
	if session.NameIDFormat != "" {
		nameID.CreateAttr("Format", session.NameIDFormat)
	}
	nameID.SetText(session.NameID)

	if session.SessionIndex != "" {
		si := root.CreateElement("samlp:SessionIndex")
		si.SetText(session.SessionIndex)
	}

	return doc
}

// HandleLogoutCallback checks the status code of the IdP's LogoutResponse.
// Both the POST form (plain base64) and the Redirect binding (deflated) are
// accepted.
func (p *SAMLProvider) HandleLogoutCallback(ctx context.Context, data CallbackData) (bool, error) {
	encoded := data.Get("SAMLResponse")
	if encoded == "" {
		return false, validationErrorf("logout callback is missing the SAMLResponse field")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, validationErrorf("SAMLResponse is not valid base64: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		inflated, ierr := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
		if ierr != nil {
			return false, validationErrorf("SAMLResponse could not be decoded: %v", ierr)
		}
		doc = etree.NewDocument()
		if err := doc.ReadFromBytes(inflated); err != nil || doc.Root() == nil {
			return false, validationErrorf("SAMLResponse is not well-formed XML")
		}
	}

	statusEl := doc.FindElement("//StatusCode")
	if statusEl == nil {
		return false, authErrorf("logout response carries no status code")
	}
	if v := statusEl.SelectAttrValue("Value", ""); v != statusSuccess {
		return false, authErrorf("identity provider returned logout status %q", v)
	}

	p.log.Info("sso logout completed")
	return true, nil
}

// ValidateConfiguration runs static checks on the SAML configuration,
// including certificate parse and expiry checks. It never mutates provider
// state.
func (p *SAMLProvider) ValidateConfiguration(ctx context.Context) ValidationResult {
	result := ValidationResult{Valid: true}
	cfg := p.cfg
	now := p.now()

	if cfg.IdPEntityID == "" {
		result.addError("IdP Entity ID is required")
	}
	if cfg.IdPSSOURL == "" {
		result.addError("IdP SSO URL is required")
	}
	if cfg.SPEntityID == "" {
		result.addError("SP Entity ID is required")
	}
	if cfg.SPACSURL == "" {
		result.addError("SP ACS URL is required")
	}

	if cfg.IdPCertificate == "" {
		result.addError("IdP Certificate is required")
	} else if cert, err := parseCertificatePEM(cfg.IdPCertificate); err != nil {
		result.addError(fmt.Sprintf("IdP Certificate could not be parsed: %v", err))
	} else {
		expiry := cert.NotAfter
		if cfg.CertificateExpiry != nil && cfg.CertificateExpiry.Before(expiry) {
			expiry = *cfg.CertificateExpiry
		}
		switch {
		case now.After(expiry):
			result.addError(fmt.Sprintf("IdP Certificate expired on %s", expiry.Format(time.RFC3339)))
		case expiry.Sub(now) < certExpiryWarningWindow:
			result.addWarning(fmt.Sprintf("IdP Certificate expires within 30 days, on %s", expiry.Format(time.RFC3339)))
		}
	}

	if cfg.SignRequests && cfg.SPPrivateKey == "" {
		result.addError("SP Private Key is required when request signing is enabled")
	}
	if cfg.SPPrivateKey != "" {
		if _, err := parsePrivateKeyPEM(cfg.SPPrivateKey); err != nil {
			result.addError(fmt.Sprintf("SP Private Key could not be parsed: %v", err))
		}
	}

	if cfg.IdPSLOURL == "" {
		result.addWarning("IdP SLO URL is not configured; logout will be local only")
	}
	if cfg.AttributeMapping.Email == "" {
		result.addWarning("no email attribute mapping configured; assertions must still resolve an email")
	}

	return result
}

// Metadata renders the SP metadata document describing this provider's
// assertion consumer service.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", "urn:oasis:names:tc:SAML:2.0:metadata")
	entity.CreateAttr("entityID", p.cfg.SPEntityID)

	descriptor := entity.CreateElement("md:SPSSODescriptor")
	descriptor.CreateAttr("protocolSupportEnumeration", "urn:oasis:names:tc:SAML:2.0:protocol")
	descriptor.CreateAttr("AuthnRequestsSigned", fmt.Sprintf("%t", p.cfg.SignRequests))
	descriptor.CreateAttr("WantAssertionsSigned", "true")

	if p.cfg.NameIDFormat != "" {
		nif := descriptor.CreateElement("md:NameIDFormat")
		nif.SetText(p.cfg.NameIDFormat)
	}

	acs := descriptor.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	acs.CreateAttr("Location", p.cfg.SPACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}

// deflateAndEncode compresses the document per the HTTP-Redirect binding and
// base64-encodes it.
func deflateAndEncode(doc *etree.Document) (string, error) {
	var xmlBuf bytes.Buffer
	if _, err := doc.WriteTo(&xmlBuf); err != nil {
		return "", err
	}

	var deflated bytes.Buffer
	writer, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := writer.Write(xmlBuf.Bytes()); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(deflated.Bytes()), nil
}

func parseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a valid X.509 certificate: %v", err)
	}
	return cert, nil
}

func parsePrivateKeyPEM(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("not valid PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a valid PKCS#1 or PKCS#8 key: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}
