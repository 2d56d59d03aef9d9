package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cloud       CloudConfig       `mapstructure:"cloud"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	AuthSystem  AuthSystemConfig  `mapstructure:"authorization"`
	Token       TokenConfig       `mapstructure:"token"`
	Gatekeeper  GatekeeperConfig  `mapstructure:"gatekeeper"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	QoS         QoSConfig         `mapstructure:"qos"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
	CORS         CORSConfig    `mapstructure:"cors"`
}

type TLSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CertFile       string `mapstructure:"cert_file"`
	KeyFile        string `mapstructure:"key_file"`
	TruststoreFile string `mapstructure:"truststore_file"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
	AllowMethods []string `mapstructure:"allow_methods"`
	AllowHeaders []string `mapstructure:"allow_headers"`
}

// CloudConfig is the identity of the cloud this core serves.
type CloudConfig struct {
	Operator string `mapstructure:"operator"`
	Name     string `mapstructure:"name"`
	Secure   bool   `mapstructure:"secure"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// RegistryConfig points at the external Service Registry core system.
type RegistryConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// AuthSystemConfig points at the external authorization decision point.
type AuthSystemConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TokenConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	PublicKeyFile  string `mapstructure:"public_key_file"`
	// TTLMinutes of -1 encodes "never expires".
	TTLMinutes int `mapstructure:"ttl_minutes"`
}

type GatekeeperConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	GSDTimeout         time.Duration `mapstructure:"gsd_timeout"`
	ICNTimeout         time.Duration `mapstructure:"icn_timeout"`
	RelayWorkerCount   int           `mapstructure:"relay_worker_count"`
	RelayCheckInterval time.Duration `mapstructure:"relay_check_interval"`
	RelayMaxRetries    int           `mapstructure:"relay_max_retries"`
	RelayRetryDelay    time.Duration `mapstructure:"relay_retry_delay"`
}

type GatewayConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Mandatory        bool          `mapstructure:"mandatory"`
	SocketTimeout    time.Duration `mapstructure:"socket_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MinPort          int           `mapstructure:"min_port"`
	MaxPort          int           `mapstructure:"max_port"`
}

type QoSConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DefaultTokenTTLMinutes bounds token lifetime while QoS is enabled,
	// overriding a configured "never expires" TTL.
	DefaultTokenTTLMinutes int `mapstructure:"default_token_ttl_minutes"`
	// NotMeasuredPolicy places providers without measurement data:
	// "average", "best" or "worst".
	NotMeasuredPolicy string `mapstructure:"not_measured_policy"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8449)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.tls.enabled", false)
	viper.SetDefault("server.cors.allow_origins", []string{"*"})
	viper.SetDefault("server.cors.allow_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("server.cors.allow_headers", []string{"*"})

	viper.SetDefault("cloud.operator", "")
	viper.SetDefault("cloud.name", "")
	viper.SetDefault("cloud.secure", false)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.path", "./arrowhead-intercloud.db")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.username", "arrowhead")
	viper.SetDefault("database.password", "arrowhead")
	viper.SetDefault("database.name", "arrowhead")

	viper.SetDefault("registry.base_url", "http://localhost:8443/serviceregistry")
	viper.SetDefault("registry.timeout", "10s")
	viper.SetDefault("registry.ping_timeout", "5s")

	viper.SetDefault("authorization.base_url", "http://localhost:8445/authorization")
	viper.SetDefault("authorization.timeout", "10s")

	viper.SetDefault("token.jwt_secret", "arrowhead-intercloud-secret")
	viper.SetDefault("token.ttl_minutes", -1)

	viper.SetDefault("gatekeeper.enabled", true)
	viper.SetDefault("gatekeeper.gsd_timeout", "15s")
	viper.SetDefault("gatekeeper.icn_timeout", "30s")
	viper.SetDefault("gatekeeper.relay_worker_count", 4)
	viper.SetDefault("gatekeeper.relay_check_interval", "30s")
	viper.SetDefault("gatekeeper.relay_max_retries", 5)
	viper.SetDefault("gatekeeper.relay_retry_delay", "3s")

	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("gateway.mandatory", false)
	viper.SetDefault("gateway.socket_timeout", "30s")
	viper.SetDefault("gateway.handshake_timeout", "15s")
	viper.SetDefault("gateway.min_port", 8000)
	viper.SetDefault("gateway.max_port", 8100)

	viper.SetDefault("qos.enabled", false)
	viper.SetDefault("qos.default_token_ttl_minutes", 30)
	viper.SetDefault("qos.not_measured_policy", "average")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ARROWHEAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate enforces the fail-at-startup rules: the process must not come
// up half-configured.
func (c *Config) Validate() error {
	if c.Cloud.Operator == "" || c.Cloud.Name == "" {
		return fmt.Errorf("cloud identity (cloud.operator, cloud.name) must be configured")
	}

	if c.Server.TLS.Enabled {
		for _, file := range []string{c.Server.TLS.CertFile, c.Server.TLS.KeyFile, c.Server.TLS.TruststoreFile} {
			if file == "" {
				return fmt.Errorf("TLS is enabled but cert_file, key_file and truststore_file must all be set")
			}
			if _, err := os.Stat(file); err != nil {
				return fmt.Errorf("TLS is enabled but %s is not readable: %w", file, err)
			}
		}
	}

	if c.Gateway.Enabled {
		if c.Gateway.MinPort <= 0 || c.Gateway.MaxPort > 65535 || c.Gateway.MinPort > c.Gateway.MaxPort {
			return fmt.Errorf("invalid gateway port range [%d,%d]", c.Gateway.MinPort, c.Gateway.MaxPort)
		}
	}
	if c.Gateway.Mandatory && !c.Gateway.Enabled {
		return fmt.Errorf("gateway.mandatory requires gateway.enabled")
	}

	if c.Gatekeeper.Enabled && c.Gatekeeper.RelayWorkerCount <= 0 {
		return fmt.Errorf("gatekeeper.relay_worker_count must be positive")
	}

	switch c.QoS.NotMeasuredPolicy {
	case "average", "best", "worst":
	default:
		return fmt.Errorf("unknown qos.not_measured_policy %q", c.QoS.NotMeasuredPolicy)
	}

	return nil
}

// TokenTTL resolves the effective token lifetime. A negative configured
// TTL means "never expires" unless QoS is enabled, in which case the
// bounded QoS default wins so measurement-dependent authorizations cannot
// outlive their measurements.
func (c *Config) TokenTTL() time.Duration {
	if c.Token.TTLMinutes < 0 {
		if c.QoS.Enabled {
			return time.Duration(c.QoS.DefaultTokenTTLMinutes) * time.Minute
		}
		return 0 // no expiry
	}
	return time.Duration(c.Token.TTLMinutes) * time.Minute
}
