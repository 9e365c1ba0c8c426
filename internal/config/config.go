package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/becknlabs/beckn-engine/internal/protocol"
)

type Config struct {
	Identity IdentityConfig
	Network  NetworkConfig
	Protocol ProtocolConfig
	Redis    RedisConfig
	Store    StoreConfig
	Server   ServerConfig
	Support  SupportConfig
}

// IdentityConfig is this node's registry identity and key material.
type IdentityConfig struct {
	SubscriberID      string `mapstructure:"subscriber_id"`
	SubscriberURL     string `mapstructure:"subscriber_url"`
	UniqueKeyID       string `mapstructure:"unique_key_id"`
	SigningPrivateKey string `mapstructure:"signing_private_key"`
	SigningPublicKey  string `mapstructure:"signing_public_key"`
	EncrPrivateKey    string `mapstructure:"encr_private_key"`
	EncrPublicKey     string `mapstructure:"encr_public_key"`
}

type NetworkConfig struct {
	RegistryURL string `mapstructure:"registry_url"`
	GatewayURL  string `mapstructure:"gateway_url"`
}

type ProtocolConfig struct {
	CoreVersion         string `mapstructure:"core_version"`
	Country             string `mapstructure:"country"`
	DefaultDomain       string `mapstructure:"default_domain"`
	DefaultCity         string `mapstructure:"default_city"`
	MaxResponseTimeMS   int64  `mapstructure:"max_response_time_ms"`
	SignatureTTLSeconds int64  `mapstructure:"signature_ttl_seconds"`
	DedupTTLSeconds     int64  `mapstructure:"message_dedup_ttl_seconds"`
	CatalogDefaultTTL   string `mapstructure:"catalog_default_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SupportConfig is the contact channel a seller node advertises on on_support.
type SupportConfig struct {
	Email string `mapstructure:"email"`
	Phone string `mapstructure:"phone"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("store.db_path", "beckn.db")
	v.SetDefault("protocol.core_version", "1.2.0")
	v.SetDefault("protocol.country", "IND")
	v.SetDefault("protocol.default_domain", "ONDC:RET10")
	v.SetDefault("protocol.default_city", "std:080")
	v.SetDefault("protocol.max_response_time_ms", 30000)
	v.SetDefault("protocol.signature_ttl_seconds", 300)
	v.SetDefault("protocol.message_dedup_ttl_seconds", 300)
	v.SetDefault("protocol.catalog_default_ttl", "PT1H")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"identity.subscriber_id":             "SUBSCRIBER_ID",
		"identity.subscriber_url":            "SUBSCRIBER_URL",
		"identity.unique_key_id":             "UNIQUE_KEY_ID",
		"identity.signing_private_key":       "SIGNING_PRIVATE_KEY",
		"identity.signing_public_key":        "SIGNING_PUBLIC_KEY",
		"identity.encr_private_key":          "ENCR_PRIVATE_KEY",
		"identity.encr_public_key":           "ENCR_PUBLIC_KEY",
		"network.registry_url":               "REGISTRY_URL",
		"network.gateway_url":                "GATEWAY_URL",
		"protocol.core_version":              "BECKN_CORE_VERSION",
		"protocol.country":                   "BECKN_COUNTRY",
		"protocol.default_domain":            "DEFAULT_DOMAIN",
		"protocol.default_city":              "DEFAULT_CITY",
		"protocol.max_response_time_ms":      "MAX_RESPONSE_TIME_MS",
		"protocol.signature_ttl_seconds":     "SIGNATURE_TTL_SECONDS",
		"protocol.message_dedup_ttl_seconds": "MESSAGE_DEDUP_TTL_SECONDS",
		"protocol.catalog_default_ttl":       "CATALOG_DEFAULT_TTL",
		"redis.addr":                         "REDIS_ADDR",
		"redis.password":                     "REDIS_PASSWORD",
		"store.db_path":                      "DB_PATH",
		"server.port":                        "PORT",
		"support.email":                      "SUPPORT_EMAIL",
		"support.phone":                      "SUPPORT_PHONE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Protocol.SignatureTTLSeconds <= 0 {
		return fmt.Errorf("SIGNATURE_TTL_SECONDS must be positive")
	}
	if c.Protocol.MaxResponseTimeMS <= 0 {
		return fmt.Errorf("MAX_RESPONSE_TIME_MS must be positive")
	}
	if _, err := protocol.ParseISODuration(c.Protocol.CatalogDefaultTTL); err != nil {
		return fmt.Errorf("CATALOG_DEFAULT_TTL: %w", err)
	}
	return nil
}

// RequireIdentity enforces the fields a signing participant cannot run
// without. The registry itself loads without them.
func (c *Config) RequireIdentity() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Identity.SubscriberID, "SUBSCRIBER_ID"},
		{c.Identity.SubscriberURL, "SUBSCRIBER_URL"},
		{c.Identity.UniqueKeyID, "UNIQUE_KEY_ID"},
		{c.Identity.SigningPrivateKey, "SIGNING_PRIVATE_KEY"},
		{c.Network.RegistryURL, "REGISTRY_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}

// Derived durations.

func (c *Config) OutboundTimeout() time.Duration {
	return time.Duration(c.Protocol.MaxResponseTimeMS) * time.Millisecond
}

func (c *Config) SignatureTTL() time.Duration {
	return time.Duration(c.Protocol.SignatureTTLSeconds) * time.Second
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Protocol.DedupTTLSeconds) * time.Second
}

func (c *Config) CatalogTTL() time.Duration {
	d, err := protocol.ParseISODuration(c.Protocol.CatalogDefaultTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
