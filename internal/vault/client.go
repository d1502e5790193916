package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"credit-ledger/config"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when the service secret path holds no data
var ErrSecretNotFound = errors.New("vault secret not found")

// ServiceSecrets are the credentials the ledger reads from Vault at startup
type ServiceSecrets struct {
	JWTSecret     string
	DBPassword    string
	RedisPassword string
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *ServiceSecrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads return empty secrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ReadSecrets reads the KV v2 secret at <mount>/data/<secret path>
func (c *Client) ReadSecrets(ctx context.Context) (*ServiceSecrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return &ServiceSecrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read service secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	secrets := &ServiceSecrets{
		JWTSecret:     getString(data, "jwt_secret"),
		DBPassword:    getString(data, "db_password"),
		RedisPassword: getString(data, "redis_password"),
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()

	s := *secrets
	return &s, nil
}

// Apply overlays non-empty secrets onto cfg
func (s *ServiceSecrets) Apply(cfg *config.Config) {
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DBPassword != "" {
		cfg.DatabaseConfig.Password = s.DBPassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
}

// ClearCache drops the cached secrets so the next read goes to Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
