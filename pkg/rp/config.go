package rp

import (
	"fmt"
	"os"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/oidf"
	"github.com/gematik/ehealthid-rp/pkg/session"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration parses "10m", "90s" etc. from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	// BaseURI is the public base address of this relying party. The
	// federation callback is derived from it and it doubles as the OAuth2
	// client_id within the federation.
	BaseURI string `yaml:"base_uri" validate:"required,url"`
	Address string `yaml:"address"`
	// ValidRedirectURIs is the closed allow-list of client callbacks. A
	// redirect target is never derived from anything else.
	ValidRedirectURIs      []string                 `yaml:"valid_redirect_uris" validate:"required,min=1,dive,uri"`
	SupportedResponseTypes []string                 `yaml:"supported_response_types"`
	SessionTTL             Duration                 `yaml:"session_ttl"`
	CodeTTL                Duration                 `yaml:"code_ttl"`
	Redis                  *session.RedisConfig     `yaml:"redis"`
	Federation             *oidf.RelyingPartyConfig `yaml:"federation" validate:"required"`
}

func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(yamlData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", path, err)
	}

	cfg.applyDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if len(c.SupportedResponseTypes) == 0 {
		c.SupportedResponseTypes = []string{"code"}
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = Duration(10 * time.Minute)
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = Duration(time.Minute)
	}
}
