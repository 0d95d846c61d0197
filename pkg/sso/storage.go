package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConfigurationNotFound is returned when an organization has no SSO
// configuration stored.
var ErrConfigurationNotFound = errors.New("sso configuration not found")

// Storage persists per-organization SSO configurations in Postgres. Protocol
// payloads are stored as JSON columns; secrets (SP private key, client
// secret) are excluded from JSON serialization and kept in dedicated columns
// so they survive the round trip without ever appearing in marshaled output.
type Storage struct {
	db *sql.DB
}

// NewStorage creates a configuration store backed by db.
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// UpsertConfiguration creates or replaces the configuration for
// cfg.OrganizationID.
func (s *Storage) UpsertConfiguration(ctx context.Context, cfg *Configuration) error {
	if cfg == nil || cfg.OrganizationID == "" {
		return configErrorf("configuration with an organization ID is required")
	}

	var samlJSON, oidcJSON []byte
	var spPrivateKey, clientSecret string
	var err error

	if cfg.SAML != nil {
		samlJSON, err = json.Marshal(cfg.SAML)
		if err != nil {
			return fmt.Errorf("failed to marshal SAML configuration: %w", err)
		}
		spPrivateKey = cfg.SAML.SPPrivateKey
	}
	if cfg.OIDC != nil {
		oidcJSON, err = json.Marshal(cfg.OIDC)
		if err != nil {
			return fmt.Errorf("failed to marshal OIDC configuration: %w", err)
		}
		clientSecret = cfg.OIDC.ClientSecret
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_sso_configurations (
			organization_id, provider_type, enabled,
			saml_config, oidc_config, sp_private_key, client_secret,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			provider_type = EXCLUDED.provider_type,
			enabled = EXCLUDED.enabled,
			saml_config = EXCLUDED.saml_config,
			oidc_config = EXCLUDED.oidc_config,
			sp_private_key = EXCLUDED.sp_private_key,
			client_secret = EXCLUDED.client_secret,
			updated_at = NOW()
	`, cfg.OrganizationID, cfg.ProviderType, cfg.Enabled,
		samlJSON, oidcJSON, spPrivateKey, clientSecret)

	return err
}

// GetConfiguration retrieves the configuration for an organization.
func (s *Storage) GetConfiguration(ctx context.Context, orgID string) (*Configuration, error) {
	var (
		samlJSON     []byte
		oidcJSON     []byte
		spPrivateKey string
		clientSecret string
	)

	cfg := &Configuration{}
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, provider_type, enabled,
			saml_config, oidc_config, sp_private_key, client_secret,
			created_at, updated_at
		FROM org_sso_configurations
		WHERE organization_id = $1
	`, orgID).Scan(
		&cfg.OrganizationID, &cfg.ProviderType, &cfg.Enabled,
		&samlJSON, &oidcJSON, &spPrivateKey, &clientSecret,
		&cfg.CreatedAt, &cfg.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigurationNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := attachPayloads(cfg, samlJSON, oidcJSON, spPrivateKey, clientSecret); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListConfigurations lists stored configurations, optionally restricted to
// enabled ones.
func (s *Storage) ListConfigurations(ctx context.Context, enabledOnly bool) ([]*Configuration, error) {
	query := `
		SELECT organization_id, provider_type, enabled,
			saml_config, oidc_config, sp_private_key, client_secret,
			created_at, updated_at
		FROM org_sso_configurations
	`
	if enabledOnly {
		query += " WHERE enabled = true"
	}
	query += " ORDER BY organization_id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*Configuration
	for rows.Next() {
		var (
			samlJSON     []byte
			oidcJSON     []byte
			spPrivateKey string
			clientSecret string
		)

		cfg := &Configuration{}
		if err := rows.Scan(
			&cfg.OrganizationID, &cfg.ProviderType, &cfg.Enabled,
			&samlJSON, &oidcJSON, &spPrivateKey, &clientSecret,
			&cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		if err := attachPayloads(cfg, samlJSON, oidcJSON, spPrivateKey, clientSecret); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteConfiguration removes an organization's configuration.
func (s *Storage) DeleteConfiguration(ctx context.Context, orgID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM org_sso_configurations WHERE organization_id = $1`, orgID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConfigurationNotFound
	}
	return nil
}

// ConfigurationExists reports whether an organization has a stored
// configuration.
func (s *Storage) ConfigurationExists(ctx context.Context, orgID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM org_sso_configurations WHERE organization_id = $1)`,
		orgID).Scan(&exists)
	return exists, err
}

func attachPayloads(cfg *Configuration, samlJSON, oidcJSON []byte, spPrivateKey, clientSecret string) error {
	if len(samlJSON) > 0 {
		cfg.SAML = &SAMLConfiguration{}
		if err := json.Unmarshal(samlJSON, cfg.SAML); err != nil {
			return fmt.Errorf("failed to unmarshal SAML configuration: %w", err)
		}
		cfg.SAML.SPPrivateKey = spPrivateKey
	}
	if len(oidcJSON) > 0 {
		cfg.OIDC = &OIDCConfiguration{}
		if err := json.Unmarshal(oidcJSON, cfg.OIDC); err != nil {
			return fmt.Errorf("failed to unmarshal OIDC configuration: %w", err)
		}
		cfg.OIDC.ClientSecret = clientSecret
	}
	return nil
}
