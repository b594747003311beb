package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment names.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Fail policies for counter-store outages.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Configuration validation errors.
var (
	ErrMissingMasterKey   = errors.New("MASTER_ENCRYPTION_KEY or ENCRYPTED_MASTER_KEY is required in production")
	ErrMissingRedisURL    = errors.New("REDIS_URL is required in production")
	ErrMissingVaultAddr   = errors.New("VAULT_ADDR is required in production")
	ErrMissingAdminToken  = errors.New("ADMIN_API_TOKEN is required in production")
	ErrMissingKMSKeyID    = errors.New("KMS_KEY_ID is required when KMS is enabled")
	ErrInvalidFailPolicy  = errors.New("fail policy must be \"open\" or \"closed\"")
	ErrInvalidThreshold   = errors.New("detection thresholds must be positive")
	ErrInvalidBanSettings = errors.New("WAF ban threshold and durations must be positive")
	ErrInvalidProxy       = errors.New("TRUSTED_PROXIES entries must be CIDRs or IP addresses")
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Crypto        CryptoConfig
	Vault         VaultConfig
	Ledger        LedgerConfig
	Detection     DetectionConfig
	WAF           WAFConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	TLSPort         int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	EnableTLS       bool
	RequireHTTPS    bool
	AutoCert        bool
	AutoCertDir     string
	Domain          string
	Email           string
	CertFile        string
	KeyFile         string
	CORSOrigins     []string
	AdminToken      string
	TrustedProxies  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	ThreatTopic   string
	AnomalyTopic  string
	IncidentTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// CryptoConfig carries the master key either in plain encoded form or
// wrapped by KMS. Exactly one is expected.
type CryptoConfig struct {
	MasterKey          string
	EncryptedMasterKey string
}

type VaultConfig struct {
	Address   string
	Token     string
	MountPath string
}

type LedgerConfig struct {
	ChainName string
	Shards    int
}

type DetectionConfig struct {
	ZScoreThreshold            float64
	MinSamples                 int64
	VelocityWindow             time.Duration
	VelocityMax                int64
	TimeOfDayMinSamples        int64
	TimeOfDayConfidenceSamples int64
	TimeOfDayRarity            float64
	TravelWindow               time.Duration
	HistorySize                int
	RulesFile                  string
	BatchInterval              time.Duration
	BatchWindow                time.Duration
	FailPolicy                 string
}

type WAFConfig struct {
	Enabled      bool
	RulesFile    string
	BanThreshold int64
	StrikeWindow time.Duration
	BanDuration  time.Duration
	BanCacheTTL  time.Duration
	BanCacheSize int
	MaxBodyBytes int64
	FailPolicy   string
}

// LoadConfig reads .env (if present), an optional YAML file named by
// SECURITY_CONFIG_FILE, then environment variables. Environment wins.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path := os.Getenv("SECURITY_CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	return FromKoanf(k), nil
}

// FromKoanf builds a Config from k with environment overrides applied.
func FromKoanf(k *koanf.Koanf) *Config {
	l := loader{k: k}

	cfg := &Config{
		Environment: l.str("ENVIRONMENT", "environment", EnvDevelopment),
		Server: ServerConfig{
			Host:            l.str("SERVER_HOST", "server.host", "0.0.0.0"),
			Port:            l.integer("SERVER_PORT", "server.port", 8080),
			TLSPort:         l.integer("SERVER_TLS_PORT", "server.tls_port", 8443),
			ReadTimeout:     l.duration("SERVER_READ_TIMEOUT", "server.read_timeout", 15*time.Second),
			WriteTimeout:    l.duration("SERVER_WRITE_TIMEOUT", "server.write_timeout", 15*time.Second),
			IdleTimeout:     l.duration("SERVER_IDLE_TIMEOUT", "server.idle_timeout", 60*time.Second),
			ShutdownTimeout: l.duration("SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout", 30*time.Second),
			EnableTLS:       l.boolean("SERVER_ENABLE_TLS", "server.enable_tls", false),
			RequireHTTPS:    l.boolean("SERVER_REQUIRE_HTTPS", "server.require_https", false),
			AutoCert:        l.boolean("SERVER_AUTO_CERT", "server.auto_cert", false),
			AutoCertDir:     l.str("SERVER_AUTO_CERT_DIR", "server.auto_cert_dir", "./certs"),
			Domain:          l.str("SERVER_DOMAIN", "server.domain", "localhost"),
			Email:           l.str("SERVER_EMAIL", "server.email", ""),
			CertFile:        l.str("SERVER_CERT_FILE", "server.cert_file", ""),
			KeyFile:         l.str("SERVER_KEY_FILE", "server.key_file", ""),
			CORSOrigins:     l.list("CORS_ALLOWED_ORIGINS", "server.cors_origins", []string{"*"}),
			AdminToken:      l.str("ADMIN_API_TOKEN", "server.admin_token", ""),
			TrustedProxies:  l.list("TRUSTED_PROXIES", "server.trusted_proxies", nil),
		},
		Logging: LoggingConfig{
			Level:  l.str("LOG_LEVEL", "logging.level", "info"),
			Format: l.str("LOG_FORMAT", "logging.format", "json"),
		},
		Redis: RedisConfig{
			URL:       l.str("REDIS_URL", "redis.url", ""),
			Password:  l.str("REDIS_PASSWORD", "redis.password", ""),
			DB:        l.integer("REDIS_DB", "redis.db", 0),
			PoolSize:  l.integer("REDIS_POOL_SIZE", "redis.pool_size", 50),
			KeyPrefix: l.str("REDIS_KEY_PREFIX", "redis.key_prefix", "secengine:"),
		},
		Scylla: ScyllaConfig{
			Nodes:    l.list("SCYLLA_NODES", "scylla.nodes", nil),
			Keyspace: l.str("SCYLLA_KEYSPACE", "scylla.keyspace", "security"),
			Username: l.str("SCYLLA_USERNAME", "scylla.username", ""),
			Password: l.str("SCYLLA_PASSWORD", "scylla.password", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       l.list("KAFKA_BROKERS", "kafka.brokers", nil),
			ThreatTopic:   l.str("KAFKA_THREAT_TOPIC", "kafka.threat_topic", "security.threats"),
			AnomalyTopic:  l.str("KAFKA_ANOMALY_TOPIC", "kafka.anomaly_topic", "security.anomalies"),
			IncidentTopic: l.str("KAFKA_INCIDENT_TOPIC", "kafka.incident_topic", "security.incidents"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        l.str("ELASTICSEARCH_URL", "elasticsearch.url", ""),
			Username:   l.str("ELASTICSEARCH_USERNAME", "elasticsearch.username", ""),
			Password:   l.str("ELASTICSEARCH_PASSWORD", "elasticsearch.password", ""),
			AuditIndex: l.str("ELASTICSEARCH_AUDIT_INDEX", "elasticsearch.audit_index", "security-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      l.str("CLICKHOUSE_URL", "clickhouse.url", ""),
			Username: l.str("CLICKHOUSE_USERNAME", "clickhouse.username", "default"),
			Password: l.str("CLICKHOUSE_PASSWORD", "clickhouse.password", ""),
			Database: l.str("CLICKHOUSE_DATABASE", "clickhouse.database", "security"),
			CAFile:   l.str("CLICKHOUSE_CA_FILE", "clickhouse.ca_file", ""),
		},
		KMS: KMSConfig{
			Enabled: l.boolean("KMS_ENABLED", "kms.enabled", false),
			KeyID:   l.str("KMS_KEY_ID", "kms.key_id", ""),
			Region:  l.str("AWS_REGION", "kms.region", "us-east-1"),
		},
		Crypto: CryptoConfig{
			MasterKey:          l.str("MASTER_ENCRYPTION_KEY", "crypto.master_key", ""),
			EncryptedMasterKey: l.str("ENCRYPTED_MASTER_KEY", "crypto.encrypted_master_key", ""),
		},
		Vault: VaultConfig{
			Address:   l.str("VAULT_ADDR", "vault.address", ""),
			Token:     l.str("VAULT_TOKEN", "vault.token", ""),
			MountPath: l.str("VAULT_MOUNT_PATH", "vault.mount_path", "secret"),
		},
		Ledger: LedgerConfig{
			ChainName: l.str("LEDGER_CHAIN_NAME", "ledger.chain_name", "audit"),
			Shards:    l.integer("LEDGER_SHARDS", "ledger.shards", 1),
		},
		Detection: DetectionConfig{
			ZScoreThreshold:            l.float("DETECTION_ZSCORE_THRESHOLD", "detection.zscore_threshold", 3.0),
			MinSamples:                 int64(l.integer("DETECTION_MIN_SAMPLES", "detection.min_samples", 10)),
			VelocityWindow:             l.duration("DETECTION_VELOCITY_WINDOW", "detection.velocity_window", 60*time.Second),
			VelocityMax:                int64(l.integer("DETECTION_VELOCITY_MAX", "detection.velocity_max", 100)),
			TimeOfDayMinSamples:        int64(l.integer("DETECTION_TOD_MIN_SAMPLES", "detection.time_of_day_min_samples", 50)),
			TimeOfDayConfidenceSamples: int64(l.integer("DETECTION_TOD_CONFIDENCE_SAMPLES", "detection.time_of_day_confidence_samples", 100)),
			TimeOfDayRarity:            l.float("DETECTION_TOD_RARITY", "detection.time_of_day_rarity", 0.01),
			TravelWindow:               l.duration("DETECTION_TRAVEL_WINDOW", "detection.travel_window", 3*time.Hour),
			HistorySize:                l.integer("DETECTION_HISTORY_SIZE", "detection.history_size", 10000),
			RulesFile:                  l.str("DETECTION_RULES_FILE", "detection.rules_file", ""),
			BatchInterval:              l.duration("DETECTION_BATCH_INTERVAL", "detection.batch_interval", 5*time.Minute),
			BatchWindow:                l.duration("DETECTION_BATCH_WINDOW", "detection.batch_window", 5*time.Minute),
			FailPolicy:                 l.str("DETECTION_FAIL_POLICY", "detection.fail_policy", FailOpen),
		},
		WAF: WAFConfig{
			Enabled:      l.boolean("WAF_ENABLED", "waf.enabled", true),
			RulesFile:    l.str("WAF_RULES_FILE", "waf.rules_file", ""),
			BanThreshold: int64(l.integer("WAF_BAN_THRESHOLD", "waf.ban_threshold", 10)),
			StrikeWindow: l.duration("WAF_STRIKE_WINDOW", "waf.strike_window", time.Hour),
			BanDuration:  l.duration("WAF_BAN_DURATION", "waf.ban_duration", 24*time.Hour),
			BanCacheTTL:  l.duration("WAF_BAN_CACHE_TTL", "waf.ban_cache_ttl", 30*time.Second),
			BanCacheSize: l.integer("WAF_BAN_CACHE_SIZE", "waf.ban_cache_size", 10000),
			MaxBodyBytes: int64(l.integer("WAF_MAX_BODY_BYTES", "waf.max_body_bytes", 1<<20)),
			FailPolicy:   l.str("WAF_FAIL_POLICY", "waf.fail_policy", FailOpen),
		},
	}
	return cfg
}

// Validate reports every problem at once. Missing backends are only errors
// in production; elsewhere the factory falls back to in-process stores.
func (c *Config) Validate() []error {
	var errs []error

	if c.IsProduction() {
		if c.Crypto.MasterKey == "" && c.Crypto.EncryptedMasterKey == "" {
			errs = append(errs, ErrMissingMasterKey)
		}
		if c.Redis.URL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
		if c.Vault.Address == "" {
			errs = append(errs, ErrMissingVaultAddr)
		}
		if c.Server.AdminToken == "" {
			errs = append(errs, ErrMissingAdminToken)
		}
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" && c.Crypto.EncryptedMasterKey == "" {
		errs = append(errs, ErrMissingKMSKeyID)
	}
	for _, p := range []string{c.Detection.FailPolicy, c.WAF.FailPolicy} {
		if p != FailOpen && p != FailClosed {
			errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidFailPolicy, p))
		}
	}
	d := c.Detection
	if d.ZScoreThreshold <= 0 || d.MinSamples <= 0 || d.VelocityMax <= 0 || d.VelocityWindow <= 0 ||
		d.TimeOfDayRarity <= 0 || d.TravelWindow <= 0 || d.HistorySize <= 0 {
		errs = append(errs, ErrInvalidThreshold)
	}
	w := c.WAF
	if w.BanThreshold <= 0 || w.StrikeWindow <= 0 || w.BanDuration <= 0 {
		errs = append(errs, ErrInvalidBanSettings)
	}
	for _, p := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidProxy, p))
		}
	}
	if c.Ledger.Shards < 1 {
		errs = append(errs, fmt.Errorf("LEDGER_SHARDS must be at least 1, got %d", c.Ledger.Shards))
	}
	return errs
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// loader resolves a value from env, then the koanf tree, then a default.
type loader struct {
	k *koanf.Koanf
}

func (l loader) raw(envKey, koanfKey string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v, true
	}
	if l.k != nil && l.k.Exists(koanfKey) {
		return l.k.String(koanfKey), true
	}
	return "", false
}

func (l loader) str(envKey, koanfKey, def string) string {
	if v, ok := l.raw(envKey, koanfKey); ok && v != "" {
		return v
	}
	return def
}

func (l loader) integer(envKey, koanfKey string, def int) int {
	if v, ok := l.raw(envKey, koanfKey); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (l loader) float(envKey, koanfKey string, def float64) float64 {
	if v, ok := l.raw(envKey, koanfKey); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (l loader) boolean(envKey, koanfKey string, def bool) bool {
	if v, ok := l.raw(envKey, koanfKey); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// duration accepts "90s" style strings or a bare number of seconds.
func (l loader) duration(envKey, koanfKey string, def time.Duration) time.Duration {
	v, ok := l.raw(envKey, koanfKey)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func (l loader) list(envKey, koanfKey string, def []string) []string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return splitList(v)
	}
	if l.k != nil && l.k.Exists(koanfKey) {
		if items := l.k.Strings(koanfKey); len(items) > 0 {
			return items
		}
		return splitList(l.k.String(koanfKey))
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
