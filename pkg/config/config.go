// Package config provides configuration structures and loading logic for the
// broker and its command line client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-mq/internal/keystore"
)

// Config holds the broker configuration. Listener and credential options use
// flat keys; the remaining sections group ambient settings.
type Config struct {
	// BindAddress and Port default to the host and port of BrokerURL.
	BindAddress        string `yaml:"bindAddress"`
	Port               int    `yaml:"port"`
	KeystorePath       string `yaml:"keystorePath"`
	KeystoreType       string `yaml:"keystoreType"`
	KeystorePassword   string `yaml:"keystorePassword"`
	TruststorePath     string `yaml:"truststorePath"`
	TruststoreType     string `yaml:"truststoreType"`
	TruststorePassword string `yaml:"truststorePassword"`
	RequireClientAuth  *bool  `yaml:"requireClientAuth"`
	HandshakeTimeoutMs int    `yaml:"handshakeTimeoutMs"`
	MinTLSVersion      string `yaml:"minTLSVersion"`
	// AuthzPolicy is the path of the authorization policy file. Empty means
	// every trusted client is authorized.
	AuthzPolicy string `yaml:"authzPolicy"`
	BrokerURL   string `yaml:"brokerURL"`
	// ResourceDir resolves relative store and policy paths.
	ResourceDir string `yaml:"resourceDir"`
	WatchFiles  bool   `yaml:"watchFiles"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Backend   BackendConfig   `yaml:"backend"`
	Client    ClientConfig    `yaml:"client"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Transport is derived from BrokerURL during Load.
	Transport Transport `yaml:"-"`
}

// GatewayConfig holds queue gateway limits.
type GatewayConfig struct {
	MaxFrameBytes       int `yaml:"maxFrameBytes"`
	MaxReceiveTimeoutMs int `yaml:"maxReceiveTimeoutMs"`
	ShutdownTimeoutMs   int `yaml:"shutdownTimeoutMs"`
}

// BackendConfig selects the queueing engine behind the gateway.
type BackendConfig struct {
	Type           string               `yaml:"type"`
	MaxDepth       int                  `yaml:"maxDepth"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// CircuitBreakerConfig guards remote backends. MaxFailures of zero disables
// the breaker.
type CircuitBreakerConfig struct {
	MaxFailures      int `yaml:"maxFailures"`
	OpenTimeoutMs    int `yaml:"openTimeoutMs"`
	HalfOpenRequests int `yaml:"halfOpenRequests"`
}

// MQTTConfig configures the MQTT backend.
type MQTTConfig struct {
	URL         string `yaml:"url"`
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topicPrefix"`
}

// ClientConfig configures mqctl. Store settings default to the broker's.
type ClientConfig struct {
	BrokerURL          string `yaml:"brokerURL"`
	KeystorePath       string `yaml:"keystorePath"`
	KeystoreType       string `yaml:"keystoreType"`
	KeystorePassword   string `yaml:"keystorePassword"`
	TruststorePath     string `yaml:"truststorePath"`
	TruststoreType     string `yaml:"truststoreType"`
	TruststorePassword string `yaml:"truststorePassword"`
	ReceiveTimeoutMs   int    `yaml:"receiveTimeoutMs"`
	ServerName         string `yaml:"serverName"`

	Transport Transport `yaml:"-"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"serviceName"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		KeystoreType:       string(keystore.TypePKCS12),
		TruststoreType:     string(keystore.TypePKCS12),
		HandshakeTimeoutMs: 5000,
		BrokerURL:          "ssl://localhost:61617",
		Gateway: GatewayConfig{
			MaxFrameBytes:       1 << 20,
			MaxReceiveTimeoutMs: 30000,
			ShutdownTimeoutMs:   10000,
		},
		Backend: BackendConfig{
			Type: "memory",
			MQTT: MQTTConfig{ClientID: "polis-mq", QoS: 1, TopicPrefix: "mq/"},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:      5,
				OpenTimeoutMs:    30000,
				HalfOpenRequests: 1,
			},
		},
		Client: ClientConfig{
			ReceiveTimeoutMs: 5000,
		},
		Admin: AdminConfig{
			Address: ":19090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-mq",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("JMS_BROKER_URL"); val != "" {
		cfg.BrokerURL = val
	}
	if val := os.Getenv("JMS_BROKER_KEYSTORE"); val != "" {
		cfg.KeystorePath = val
	}
	if val := os.Getenv("JMS_BROKER_KEYSTORE_TYPE"); val != "" {
		cfg.KeystoreType = val
	}
	if val := os.Getenv("JMS_BROKER_KEYSTORE_PASSWORD"); val != "" {
		cfg.KeystorePassword = val
	}
	if val := os.Getenv("JMS_BROKER_TRUSTSTORE"); val != "" {
		cfg.TruststorePath = val
	}
	if val := os.Getenv("JMS_BROKER_TRUSTSTORE_TYPE"); val != "" {
		cfg.TruststoreType = val
	}
	if val := os.Getenv("JMS_BROKER_TRUSTSTORE_PASSWORD"); val != "" {
		cfg.TruststorePassword = val
	}
	if val := os.Getenv("CLIENT_JMS_BROKER_URL"); val != "" {
		cfg.Client.BrokerURL = val
	}

	if val := os.Getenv("MQ_BIND_ADDRESS"); val != "" {
		cfg.BindAddress = val
	}
	if val := os.Getenv("MQ_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return NewConfigValidationError("MQ_PORT", val, "must be an integer").
				WithSuggestion("Unset MQ_PORT or set it to a port number")
		}
		cfg.Port = port
	}
	if val := os.Getenv("MQ_AUTHZ_POLICY"); val != "" {
		cfg.AuthzPolicy = val
	}
	if val := os.Getenv("MQ_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}
	if val := os.Getenv("MQ_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("MQ_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("MQ_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

// Validate performs validation of the whole configuration and derives the
// transports from the broker URLs.
func (c *Config) Validate() error {
	if c.RequireClientAuth == nil {
		required := true
		c.RequireClientAuth = &required
	}
	if !*c.RequireClientAuth {
		return NewConfigValidationError("requireClientAuth", false, "mutual TLS is mandatory").
			WithSuggestion("Remove requireClientAuth or set it to true")
	}

	if strings.TrimSpace(c.BrokerURL) != "" {
		transport, err := ParseBrokerURL(c.BrokerURL)
		if err != nil {
			return NewConfigValidationError("brokerURL", c.BrokerURL, err.Error())
		}
		if transport.Kind != TransportTLS {
			return NewConfigValidationError("brokerURL", c.BrokerURL, "the broker only accepts ssl:// connectors").
				WithSuggestion("Use an ssl://host:port broker URL")
		}
		if transport.Params.Get("transport.needClientAuth") == "false" {
			return NewConfigValidationError("brokerURL", c.BrokerURL, "transport.needClientAuth cannot be disabled")
		}
		c.Transport = transport
		if c.BindAddress == "" {
			c.BindAddress = transport.Host
		}
		if c.Port == 0 {
			c.Port, _ = strconv.Atoi(transport.Port)
		}
	} else {
		if c.BindAddress == "" {
			c.BindAddress = "localhost"
		}
		c.Transport = Transport{Kind: TransportTLS, Host: c.BindAddress, Port: strconv.Itoa(c.Port)}
	}

	if c.Port < 0 || c.Port > 65535 {
		return NewConfigValidationError("port", c.Port, "must be between 0 and 65535")
	}
	if c.HandshakeTimeoutMs < 0 {
		return NewConfigValidationError("handshakeTimeoutMs", c.HandshakeTimeoutMs, "must not be negative")
	}
	if _, err := ParseTLSVersion(c.MinTLSVersion); err != nil {
		return NewConfigValidationError("minTLSVersion", c.MinTLSVersion, err.Error())
	}

	if strings.TrimSpace(c.KeystorePath) == "" {
		return NewConfigMissingError("keystorePath")
	}
	if strings.TrimSpace(c.TruststorePath) == "" {
		return NewConfigMissingError("truststorePath")
	}
	if _, err := keystore.ParseStoreType(c.KeystoreType); err != nil {
		return NewConfigValidationError("keystoreType", c.KeystoreType, err.Error())
	}
	if _, err := keystore.ParseStoreType(c.TruststoreType); err != nil {
		return NewConfigValidationError("truststoreType", c.TruststoreType, err.Error())
	}

	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway configuration: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend configuration: %w", err)
	}
	if err := c.Client.resolve(c); err != nil {
		return fmt.Errorf("client configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// HandshakeTimeout returns the configured handshake deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// KeyStore returns the broker key store spec.
func (c *Config) KeyStore() keystore.StoreSpec {
	return keystore.StoreSpec{Path: c.KeystorePath, Type: c.KeystoreType, Password: c.KeystorePassword}
}

// TrustStore returns the broker trust store spec.
func (c *Config) TrustStore() keystore.StoreSpec {
	return keystore.StoreSpec{Path: c.TruststorePath, Type: c.TruststoreType, Password: c.TruststorePassword}
}

// Validate performs validation of gateway limits
func (c *GatewayConfig) Validate() error {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.MaxReceiveTimeoutMs <= 0 {
		c.MaxReceiveTimeoutMs = 30000
	}
	if c.ShutdownTimeoutMs < 0 {
		return NewConfigValidationError("gateway.shutdownTimeoutMs", c.ShutdownTimeoutMs, "must not be negative")
	}
	return nil
}

// Validate performs validation of the backend selection
func (c *BackendConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "memory":
		c.Type = "memory"
		if c.MaxDepth < 0 {
			return NewConfigValidationError("backend.maxDepth", c.MaxDepth, "must not be negative")
		}
	case "mqtt":
		c.Type = "mqtt"
		if strings.TrimSpace(c.MQTT.URL) == "" {
			return NewConfigMissingError("backend.mqtt.url")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return NewConfigValidationError("backend.mqtt.qos", c.MQTT.QoS, "must be 0, 1 or 2")
		}
		if c.CircuitBreaker.MaxFailures < 0 {
			return NewConfigValidationError("backend.circuitBreaker.maxFailures", c.CircuitBreaker.MaxFailures, "must not be negative")
		}
		if c.CircuitBreaker.OpenTimeoutMs < 0 {
			return NewConfigValidationError("backend.circuitBreaker.openTimeoutMs", c.CircuitBreaker.OpenTimeoutMs, "must not be negative")
		}
	default:
		return NewConfigValidationError("backend.type", c.Type, "must be memory or mqtt")
	}
	return nil
}

// resolve fills unset client store settings from the broker's and parses the
// client broker URL, which may select either transport kind.
func (c *ClientConfig) resolve(parent *Config) error {
	if c.BrokerURL == "" {
		c.BrokerURL = parent.BrokerURL
	}
	if c.BrokerURL == "" {
		c.BrokerURL = "ssl://" + parent.Transport.Address()
	}
	transport, err := ParseBrokerURL(c.BrokerURL)
	if err != nil {
		return NewConfigValidationError("client.brokerURL", c.BrokerURL, err.Error())
	}
	c.Transport = transport

	if c.KeystorePath == "" {
		c.KeystorePath = parent.KeystorePath
		if c.KeystoreType == "" {
			c.KeystoreType = parent.KeystoreType
		}
		if c.KeystorePassword == "" {
			c.KeystorePassword = parent.KeystorePassword
		}
	}
	if c.TruststorePath == "" {
		c.TruststorePath = parent.TruststorePath
		if c.TruststoreType == "" {
			c.TruststoreType = parent.TruststoreType
		}
		if c.TruststorePassword == "" {
			c.TruststorePassword = parent.TruststorePassword
		}
	}
	if c.KeystoreType == "" {
		c.KeystoreType = string(keystore.TypePKCS12)
	}
	if c.TruststoreType == "" {
		c.TruststoreType = string(keystore.TypePKCS12)
	}
	if c.ReceiveTimeoutMs <= 0 {
		c.ReceiveTimeoutMs = 5000
	}
	return nil
}

// KeyStore returns the client key store spec.
func (c *ClientConfig) KeyStore() keystore.StoreSpec {
	return keystore.StoreSpec{Path: c.KeystorePath, Type: c.KeystoreType, Password: c.KeystorePassword}
}

// TrustStore returns the client trust store spec.
func (c *ClientConfig) TrustStore() keystore.StoreSpec {
	return keystore.StoreSpec{Path: c.TruststorePath, Type: c.TruststoreType, Password: c.TruststorePassword}
}

// ReceiveTimeout returns the default receive wait for mqctl.
func (c *ClientConfig) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMs) * time.Millisecond
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return NewConfigValidationError("logging.level", c.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "text":
	default:
		return NewConfigValidationError("logging.format", c.Format, "must be json or text")
	}
	return nil
}
