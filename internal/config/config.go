package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration. It is built once in main and
// handed to each component's constructor.
type Config struct {
	Port           string `envconfig:"PORT" default:"8080"`
	Environment    string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	UseMemoryStore bool   `envconfig:"USE_MEMORY_STORE" default:"false"`
	CatalogFile    string `envconfig:"CATALOG_FILE" default:""`
	Currency       string `envconfig:"CURRENCY" default:"INR"`
	BusinessName   string `envconfig:"BUSINESS_NAME" default:"the bakery"`
	AnthropicKey   string `envconfig:"ANTHROPIC_API_KEY"`

	Database DatabaseConfig `envconfig:"DB"`
	Twilio   TwilioConfig   `envconfig:"TWILIO"`
	Cashfree CashfreeConfig `envconfig:"CASHFREE"`
	Agent    AgentConfig    `envconfig:"AGENT"`
	Orders   OrdersConfig   `envconfig:"ORDER"`
	Outbox   OutboxConfig   `envconfig:"OUTBOX"`
	Rabbit   RabbitConfig   `envconfig:"RABBIT"`
}

// Section structs leave their fields untagged: envconfig falls back to a bare
// tag name when the prefixed key is unset, which would let DB_USER read $USER.

type DatabaseConfig struct {
	Host string `default:"localhost"`
	Port int    `default:"5432"`
	User string `default:"postgres"`
	Pass string
	Name string `default:"cakepe"`
	// InstanceConnectionName selects the Cloud SQL unix socket when set.
	InstanceConnectionName string `split_words:"true"`
}

type TwilioConfig struct {
	AccountSID   string `split_words:"true"`
	AuthToken    string `split_words:"true"`
	WhatsappFrom string `split_words:"true"` // whatsapp:+14155238886
	// DisableValidation skips X-Twilio-Signature checks (ngrok, local dev).
	DisableValidation bool `split_words:"true"`
}

type CashfreeConfig struct {
	BaseURL      string        `split_words:"true" default:"https://sandbox.cashfree.com/pg"`
	APIVersion   string        `split_words:"true" default:"2023-08-01"`
	ClientID     string        `split_words:"true"`
	ClientSecret string        `split_words:"true"`
	MaxAmount    int64         `split_words:"true" default:"100000"`
	MaxAttempts  int           `split_words:"true" default:"3"`
	RetryBackoff time.Duration `split_words:"true" default:"500ms"`
	Timeout      time.Duration `default:"10s"`
	// WebhookTolerance bounds the accepted x-webhook-timestamp skew. Zero disables the check.
	WebhookTolerance time.Duration `split_words:"true" default:"10m"`
}

type AgentConfig struct {
	Model        string        `default:"claude-3-5-haiku-20241022"`
	MaxTokens    int64         `split_words:"true" default:"1024"`
	Temperature  float64       `default:"0.7"`
	MaxRounds    int           `split_words:"true" default:"5"`
	Timeout      time.Duration `default:"30s"`
	HistoryLimit int           `split_words:"true" default:"30"`
}

type OrdersConfig struct {
	TTL            time.Duration `default:"2h"`
	ExpiryInterval time.Duration `split_words:"true" default:"1m"`
}

type OutboxConfig struct {
	Interval    time.Duration `default:"30s"`
	Batch       int           `default:"50"`
	MaxAttempts int           `split_words:"true" default:"10"`
}

type RabbitConfig struct {
	URL   string
	Queue string `default:"outbound_whatsapp"`
}

// Load reads an optional .env file and decodes the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Agent.MaxRounds < 1 {
		return fmt.Errorf("AGENT_MAX_ROUNDS must be at least 1, got %d", c.Agent.MaxRounds)
	}
	if c.Cashfree.MaxAttempts < 1 {
		return fmt.Errorf("CASHFREE_MAX_ATTEMPTS must be at least 1, got %d", c.Cashfree.MaxAttempts)
	}
	if c.Cashfree.MaxAmount <= 0 {
		return fmt.Errorf("CASHFREE_MAX_AMOUNT must be positive, got %d", c.Cashfree.MaxAmount)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be positive, got %s", c.Agent.Timeout)
	}
	if c.Orders.TTL <= 0 {
		return fmt.Errorf("ORDER_TTL must be positive, got %s", c.Orders.TTL)
	}
	// time.NewTicker panics on a non-positive period.
	if c.Orders.ExpiryInterval <= 0 {
		return fmt.Errorf("ORDER_EXPIRY_INTERVAL must be positive, got %s", c.Orders.ExpiryInterval)
	}
	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("OUTBOX_INTERVAL must be positive, got %s", c.Outbox.Interval)
	}
	if c.Outbox.Batch < 1 {
		return fmt.Errorf("OUTBOX_BATCH must be at least 1, got %d", c.Outbox.Batch)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	return nil
}

// IsDevelopment reports whether the service runs in local development mode.
// Only an explicit ENVIRONMENT=development enables the dev shortcuts.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// StorageType describes the configured persistence backend for health output.
func (c *Config) StorageType() string {
	if c.UseMemoryStore {
		return "In-Memory (Testing)"
	}
	return "PostgreSQL Database"
}
