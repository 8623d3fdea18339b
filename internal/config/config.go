package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models etd.yml.
type Config struct {
	Service struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"service" json:"service"`
	Agencies struct {
		Catalog map[string]struct {
			Description string `yaml:"description" json:"description"`
		} `yaml:"catalog" json:"catalog"`
		Routing struct {
			Regions map[string]string `yaml:"regions" json:"regions"`
			Default string            `yaml:"default" json:"default"`
		} `yaml:"routing" json:"routing"`
	} `yaml:"agencies" json:"agencies"`
	Policy struct {
		RequireVerificationDocument bool `yaml:"require_verification_document" json:"require_verification_document"`
		// BlacklistFlagMeansFailed records the polarity of the decision-time
		// blacklist flag: true means a set flag signals a failed check that
		// the ministry overrode.
		BlacklistFlagMeansFailed bool `yaml:"blacklist_flag_means_failed" json:"blacklist_flag_means_failed"`
	} `yaml:"policy" json:"policy"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
		Redis    RedisConfig     `yaml:"redis" json:"redis"`
	} `yaml:"notify" json:"notify"`
	Blob BlobConfig `yaml:"blob" json:"blob"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events" json:"events"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
	// Secret is sent verbatim in X-ETD-Secret.
	Secret string `yaml:"secret" json:"secret,omitempty"`
}

type RedisConfig struct {
	URL    string `yaml:"url" json:"url"`
	Stream string `yaml:"stream" json:"stream"`
}

type BlobConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Local   struct {
		Root string `yaml:"root" json:"root"`
	} `yaml:"local" json:"local"`
	S3 struct {
		Bucket   string `yaml:"bucket" json:"bucket"`
		Prefix   string `yaml:"prefix" json:"prefix"`
		Region   string `yaml:"region" json:"region"`
		Endpoint string `yaml:"endpoint" json:"endpoint"`
	} `yaml:"s3" json:"s3"`
}

// KnownAgency reports whether agency is part of the configured catalog.
func (c *Config) KnownAgency(agency string) bool {
	_, ok := c.Agencies.Catalog[agency]
	return ok
}

// RegionTable returns the region routing table keyed by upper-cased region.
func (c *Config) RegionTable() map[string]string {
	out := make(map[string]string, len(c.Agencies.Routing.Regions))
	for region, agency := range c.Agencies.Routing.Regions {
		out[strings.ToUpper(strings.TrimSpace(region))] = agency
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if len(c.Agencies.Catalog) == 0 {
		return fmt.Errorf("config.agencies.catalog is required")
	}
	for name := range c.Agencies.Catalog {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.agencies.catalog contains empty agency id")
		}
		if name != strings.ToUpper(name) {
			return fmt.Errorf("agency id %s must be upper case", name)
		}
	}
	def := c.Agencies.Routing.Default
	if def == "" {
		return fmt.Errorf("config.agencies.routing.default is required")
	}
	if !c.KnownAgency(def) {
		return fmt.Errorf("routing default references unknown agency %s", def)
	}
	for region, agency := range c.Agencies.Routing.Regions {
		if strings.TrimSpace(region) == "" {
			return fmt.Errorf("config.agencies.routing.regions contains empty region")
		}
		if !c.KnownAgency(agency) {
			return fmt.Errorf("region %s routes to unknown agency %s", region, agency)
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	if c.Notify.Redis.URL != "" && c.Notify.Redis.Stream == "" {
		return fmt.Errorf("notify.redis.stream is required when notify.redis.url is set")
	}
	switch c.Blob.Backend {
	case "", "local":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blob.backend must be local or s3, got %q", c.Blob.Backend)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "etd.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceID))).Decode(&cfg)
	cfg.Service.ID = serviceID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg back to YAML.
func ToYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `service:
  id: %s

agencies:
  catalog:
    INTELLIGENCE_BUREAU:
      description: "Intelligence Bureau (federal)"
    SPECIAL_BRANCH_PUNJAB:
      description: "Special Branch Punjab"
    SPECIAL_BRANCH_SINDH:
      description: "Special Branch Sindh"
    SPECIAL_BRANCH_KPK:
      description: "Special Branch Khyber Pakhtunkhwa"
    SPECIAL_BRANCH_BALOCHISTAN:
      description: "Special Branch Balochistan"
    SPECIAL_BRANCH_FEDERAL:
      description: "Special Branch Federal"
  routing:
    regions:
      Punjab: SPECIAL_BRANCH_PUNJAB
      Sindh: SPECIAL_BRANCH_SINDH
      KPK: SPECIAL_BRANCH_KPK
      Balochistan: SPECIAL_BRANCH_BALOCHISTAN
      Federal: SPECIAL_BRANCH_FEDERAL
    default: INTELLIGENCE_BUREAU

policy:
  require_verification_document: true
  blacklist_flag_means_failed: true

notify:
  webhooks: []

blob:
  backend: local
  local:
    root: blobs
`
