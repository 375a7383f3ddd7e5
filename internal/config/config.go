// Package config loads gateway and receiver configuration from file,
// environment, and flags via viper, enumerating every option spec §6
// names. Grounded on common/config.py for the field set (TLSConfig,
// AuthConfig, GatewayConfig) translated from pydantic defaults to
// viper.SetDefault calls, the idiom used across the example pack's
// config loaders for layered file/env/flag configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TLSVerifyMode is the tls.verify_mode enumeration spec §6 names.
type TLSVerifyMode string

const (
	VerifyNone     TLSVerifyMode = "none"
	VerifyOptional TLSVerifyMode = "optional"
	VerifyRequired TLSVerifyMode = "required"
)

// TLS bundles the tls.* options.
type TLS struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	VerifyMode TLSVerifyMode
}

// JWT bundles the jwt.* options for the optional bearer-token optimization.
type JWT struct {
	Algorithm      string
	PrivateKeyFile string
	PublicKeyFile  string
	TTLSeconds     int
}

// Gateway is the complete configuration of a gateway process, covering
// every option enumerated in spec §6.
type Gateway struct {
	HTTPBindHost string
	HTTPBindPort int

	WSBindHost string
	WSBindPort int

	TLS TLS

	MaxConnections          int
	MaxPendingPerConnection int
	RequestTimeout          time.Duration
	KeepaliveInterval       time.Duration
	KeepaliveTimeout        time.Duration
	ChunkSize               int
	NonceWindow             time.Duration
	TimestampWindow         time.Duration
	JWT                     JWT
	ReassemblyIdleTTL       time.Duration
	BodyMaxBytes            int64
	WriteRateLimit          float64 // frames/sec per tunnel; 0 disables limiting
	WriteBurst              int

	MetricsBindHost string
	MetricsBindPort int

	LogLevel string
}

// Receiver is the complete configuration of a receiver process.
type Receiver struct {
	GatewayURL string // ws(s):// URL of the gateway's tunnel endpoint

	DIDDocumentPath string
	PrivateKeyPath  string
	VerificationMethod string

	MaxPending       int
	QueueDepth       int
	ChunkSize        int
	BodyMaxBytes     int64

	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ReconnectBackoffFactor  float64

	UpstreamURL string // local application base URL the dispatcher forwards to

	LogLevel string
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("http.bind_host", "0.0.0.0")
	v.SetDefault("http.bind_port", 8080)
	v.SetDefault("ws.bind_host", "0.0.0.0")
	v.SetDefault("ws.bind_port", 9000)

	v.SetDefault("tls.verify_mode", string(VerifyRequired))

	v.SetDefault("max_connections", 100)
	v.SetDefault("max_pending_per_connection", 100)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("keepalive_interval", "10s")
	v.SetDefault("keepalive_timeout", "120s")
	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("nonce_window", "300s")
	v.SetDefault("timestamp_window", "300s")
	v.SetDefault("jwt.algorithm", "RS256")
	v.SetDefault("jwt.ttl_seconds", 3600)
	v.SetDefault("reassembly_idle_ttl", "300s")
	v.SetDefault("body_max_bytes", 32*1024*1024)
	v.SetDefault("write_rate_limit", 0)
	v.SetDefault("write_burst", 0)

	v.SetDefault("metrics.bind_host", "127.0.0.1")
	v.SetDefault("metrics.bind_port", 9090)

	v.SetDefault("log.level", "info")
}

// LoadGateway builds a Viper instance layered file < env < flags (flags
// are the caller's concern; this loader covers file and env) and decodes
// it into a Gateway.
func LoadGateway(configFile string) (*Gateway, error) {
	v := viper.New()
	setGatewayDefaults(v)

	v.SetEnvPrefix("ANPX_GATEWAY")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Gateway{
		HTTPBindHost:            v.GetString("http.bind_host"),
		HTTPBindPort:            v.GetInt("http.bind_port"),
		WSBindHost:              v.GetString("ws.bind_host"),
		WSBindPort:              v.GetInt("ws.bind_port"),
		TLS: TLS{
			CertFile:   v.GetString("tls.cert_file"),
			KeyFile:    v.GetString("tls.key_file"),
			CAFile:     v.GetString("tls.ca_file"),
			VerifyMode: TLSVerifyMode(v.GetString("tls.verify_mode")),
		},
		MaxConnections:          v.GetInt("max_connections"),
		MaxPendingPerConnection: v.GetInt("max_pending_per_connection"),
		RequestTimeout:          v.GetDuration("request_timeout"),
		KeepaliveInterval:       v.GetDuration("keepalive_interval"),
		KeepaliveTimeout:        v.GetDuration("keepalive_timeout"),
		ChunkSize:               v.GetInt("chunk_size"),
		NonceWindow:             v.GetDuration("nonce_window"),
		TimestampWindow:         v.GetDuration("timestamp_window"),
		JWT: JWT{
			Algorithm:      v.GetString("jwt.algorithm"),
			PrivateKeyFile: v.GetString("jwt.private_key_file"),
			PublicKeyFile:  v.GetString("jwt.public_key_file"),
			TTLSeconds:     v.GetInt("jwt.ttl_seconds"),
		},
		ReassemblyIdleTTL: v.GetDuration("reassembly_idle_ttl"),
		BodyMaxBytes:      v.GetInt64("body_max_bytes"),
		WriteRateLimit:    v.GetFloat64("write_rate_limit"),
		WriteBurst:        v.GetInt("write_burst"),
		MetricsBindHost:   v.GetString("metrics.bind_host"),
		MetricsBindPort:   v.GetInt("metrics.bind_port"),
		LogLevel:          v.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Gateway) validate() error {
	switch c.TLS.VerifyMode {
	case VerifyNone, VerifyOptional, VerifyRequired:
	default:
		return fmt.Errorf("config: tls.verify_mode must be one of none|optional|required, got %q", c.TLS.VerifyMode)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	if c.MaxPendingPerConnection <= 0 {
		return fmt.Errorf("config: max_pending_per_connection must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive")
	}
	return nil
}

func setReceiverDefaults(v *viper.Viper) {
	v.SetDefault("max_pending", 100)
	v.SetDefault("queue_depth", 32)
	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("body_max_bytes", 32*1024*1024)
	v.SetDefault("reconnect.initial_backoff", "5s")
	v.SetDefault("reconnect.max_backoff", "300s")
	v.SetDefault("reconnect.backoff_factor", 2.0)
	v.SetDefault("log.level", "info")
}

// LoadReceiver builds a Viper instance for a receiver process.
func LoadReceiver(configFile string) (*Receiver, error) {
	v := viper.New()
	setReceiverDefaults(v)

	v.SetEnvPrefix("ANPX_RECEIVER")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Receiver{
		GatewayURL:              v.GetString("gateway_url"),
		DIDDocumentPath:         v.GetString("did_document_path"),
		PrivateKeyPath:          v.GetString("private_key_path"),
		VerificationMethod:      v.GetString("verification_method"),
		MaxPending:              v.GetInt("max_pending"),
		QueueDepth:              v.GetInt("queue_depth"),
		ChunkSize:               v.GetInt("chunk_size"),
		BodyMaxBytes:            v.GetInt64("body_max_bytes"),
		ReconnectInitialBackoff: v.GetDuration("reconnect.initial_backoff"),
		ReconnectMaxBackoff:     v.GetDuration("reconnect.max_backoff"),
		ReconnectBackoffFactor:  v.GetFloat64("reconnect.backoff_factor"),
		UpstreamURL:             v.GetString("upstream_url"),
		LogLevel:                v.GetString("log.level"),
	}

	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("config: gateway_url is required")
	}
	if cfg.MaxPending <= 0 {
		return nil, fmt.Errorf("config: max_pending must be positive")
	}
	return cfg, nil
}
