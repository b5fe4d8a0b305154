// Package tls provides ACME certificates through CertMagic with Azure DNS
// challenges.
package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"
)

// Config holds TLS configuration.
type Config struct {
	Enabled  bool
	Domains  []string
	Email    string
	CacheDir string
	Staging  bool // Use Let's Encrypt staging environment
	DNS      DNSConfig
}

// DNSConfig holds Azure DNS provider configuration for DNS-01 challenges.
type DNSConfig struct {
	SubscriptionID    string
	ResourceGroupName string
	ClientID          string // User Assigned Managed Identity client ID (optional)
}

// Validate checks that an enabled configuration can request certificates.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("TLS enabled but no domains specified")
	}
	if c.Email == "" {
		return fmt.Errorf("TLS enabled but no email specified")
	}
	return nil
}

// Manager obtains and renews certificates and hands the HTTP server a
// tls.Config serving them.
type Manager struct {
	config Config
	magic  *certmagic.Config
	logger *slog.Logger
}

// NewManager creates a certificate manager. A disabled configuration yields
// a manager whose TLSConfig is nil.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{config: cfg, logger: logger}
	if !cfg.Enabled {
		return m, nil
	}

	if cfg.CacheDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}
	magic := certmagic.NewDefault()

	issuer := certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		Email:  cfg.Email,
		Agreed: true,
		CA:     caURL(cfg.Staging),
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &azure.Provider{
					SubscriptionId:    cfg.DNS.SubscriptionID,
					ResourceGroupName: cfg.DNS.ResourceGroupName,
					ClientId:          cfg.DNS.ClientID, // Empty = System Assigned Managed Identity
				},
			},
		},
	})
	magic.Issuers = []certmagic.Issuer{issuer}

	m.magic = magic
	return m, nil
}

func caURL(staging bool) string {
	if staging {
		return certmagic.LetsEncryptStagingCA
	}
	return certmagic.LetsEncryptProductionCA
}

// Enabled reports whether certificates are managed.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// ManageCertificates obtains certificates for the configured domains and
// keeps them renewed in the background.
func (m *Manager) ManageCertificates(ctx context.Context) error {
	if m.magic == nil {
		return nil
	}

	m.logger.Info("obtaining certificates", "domains", m.config.Domains)

	if err := m.magic.ManageSync(ctx, m.config.Domains); err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}

	m.logger.Info("certificates obtained successfully")
	return nil
}

// TLSConfig returns the server TLS configuration, nil when disabled.
func (m *Manager) TLSConfig() *tls.Config {
	if m.magic == nil {
		return nil
	}
	return m.magic.TLSConfig()
}
