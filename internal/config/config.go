package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	PayerClientWallet   = "client_wallet"
	PayerProviderCredit = "provider_credit"
)

// Config models bidline.yml.
type Config struct {
	Policy struct {
		// Zero disables the limit.
		MaxStartRequests  int `yaml:"max_start_requests"`
		MaxFinishRequests int `yaml:"max_finish_requests"`
	} `yaml:"policy"`
	Settlement struct {
		Payer         string `yaml:"payer"`
		CommissionBPS int64  `yaml:"commission_bps"`
		Currency      string `yaml:"currency"`
	} `yaml:"settlement"`
	Reasons struct {
		Cancel  map[string]Label `yaml:"cancel"`
		Dispute map[string]Label `yaml:"dispute"`
	} `yaml:"reasons"`
	Catalog struct {
		Services   map[string]Label `yaml:"services"`
		Categories map[string]Label `yaml:"categories"`
		Addresses  map[string]Label `yaml:"addresses"`
	} `yaml:"catalog"`
	Notify struct {
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		QueueSize      int    `yaml:"queue_size"`
	} `yaml:"notify"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig subscribes an endpoint to the event feed. An empty Events
// list receives every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the webhook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Label is a bilingual display string.
type Label struct {
	EN string `yaml:"en"`
	AR string `yaml:"ar"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Policy.MaxStartRequests < 0 {
		return fmt.Errorf("config.policy.max_start_requests must be >= 0")
	}
	if c.Policy.MaxFinishRequests < 0 {
		return fmt.Errorf("config.policy.max_finish_requests must be >= 0")
	}
	switch c.Settlement.Payer {
	case PayerClientWallet, PayerProviderCredit:
	default:
		return fmt.Errorf("config.settlement.payer must be %s or %s", PayerClientWallet, PayerProviderCredit)
	}
	if c.Settlement.CommissionBPS < 0 || c.Settlement.CommissionBPS > 10000 {
		return fmt.Errorf("config.settlement.commission_bps must be within 0..10000")
	}
	if len(c.Reasons.Cancel) == 0 {
		return fmt.Errorf("config.reasons.cancel is required")
	}
	if len(c.Reasons.Dispute) == 0 {
		return fmt.Errorf("config.reasons.dispute is required")
	}
	for code, l := range c.Reasons.Cancel {
		if code == "" || l.EN == "" {
			return fmt.Errorf("cancel reason %q needs a code and an en label", code)
		}
	}
	for code, l := range c.Reasons.Dispute {
		if code == "" || l.EN == "" {
			return fmt.Errorf("dispute reason %q needs a code and an en label", code)
		}
	}
	if c.Notify.TimeoutSeconds < 0 || c.Notify.QueueSize < 0 {
		return fmt.Errorf("config.notify timeout and queue size must be >= 0")
	}
	for i, w := range c.Webhooks {
		if w.Enabled != nil && !*w.Enabled {
			continue
		}
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// NotifyTimeout returns the webhook timeout, defaulting to five seconds.
func (c *Config) NotifyTimeout() time.Duration {
	if c.Notify.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// CancelReason reports whether code is a configured cancellation reason.
func (c *Config) CancelReason(code string) (Label, bool) {
	l, ok := c.Reasons.Cancel[code]
	return l, ok
}

// DisputeReason reports whether code is a configured dispute reason.
func (c *Config) DisputeReason(code string) (Label, bool) {
	l, ok := c.Reasons.Dispute[code]
	return l, ok
}

// Commission returns the platform share of amount, rounded down. The whole
// and fractional parts are scaled separately so amount*bps never overflows.
func (c *Config) Commission(amount int64) int64 {
	bps := c.Settlement.CommissionBPS
	return amount/10000*bps + amount%10000*bps/10000
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bidline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `policy:
  max_start_requests: 0
  max_finish_requests: 0

settlement:
  payer: client_wallet
  commission_bps: 1000
  currency: SAR

reasons:
  cancel:
    changed_mind:
      en: "I changed my mind"
      ar: "غيرت رأيي"
    found_provider:
      en: "I found a provider elsewhere"
      ar: "وجدت مزود خدمة آخر"
    price_too_high:
      en: "Quotations are too expensive"
      ar: "العروض مرتفعة السعر"
    other:
      en: "Other"
      ar: "أخرى"
  dispute:
    no_show:
      en: "The other party did not show up"
      ar: "الطرف الآخر لم يحضر"
    poor_quality:
      en: "Work quality is not acceptable"
      ar: "جودة العمل غير مقبولة"
    payment:
      en: "Payment disagreement"
      ar: "خلاف على الدفع"
    other:
      en: "Other"
      ar: "أخرى"

catalog:
  services: {}
  categories: {}
  addresses: {}

notify:
  webhook_url: ""
  timeout_seconds: 5
  queue_size: 256

log:
  level: info
  format: text

# Event feed subscribers, e.g.
# webhooks:
#   - url: https://example.com/bidline
#     events: [booking.state_changed, booking.settled]
#     secret: change-me
webhooks: []
`
