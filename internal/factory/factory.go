package factory

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-engine/internal/anomaly"
	"security-engine/internal/audit"
	"security-engine/internal/baseline"
	"security-engine/internal/client"
	"security-engine/internal/config"
	"security-engine/internal/encryption"
	"security-engine/internal/eventlog"
	"security-engine/internal/events"
	"security-engine/internal/incident"
	"security-engine/internal/ledger"
	"security-engine/internal/metrics"
	"security-engine/internal/repository/clickhouse"
	"security-engine/internal/repository/elasticsearch"
	redisrepo "security-engine/internal/repository/redis"
	"security-engine/internal/repository/scylla"
	"security-engine/internal/rules"
	"security-engine/internal/secrets"
	"security-engine/internal/service"
	"security-engine/internal/store"
	"security-engine/internal/tls"
	"security-engine/internal/util"
	"security-engine/internal/waf"
)

const (
	secretsPurpose    = "secrets-store"
	exportSigningSeed = "audit-export-signing"
	eventLogFallback  = 100000
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager
	metrics    *metrics.Metrics
	registry   *prometheus.Registry

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	vaultClient      *client.VaultClient

	// Managers
	encryptionManager *encryption.Manager
	signer            *encryption.Signer

	// Engines
	wafEngine      *waf.Engine
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, connects every configured backend and
// builds the security service. Outside production an unreachable backend
// is replaced by its in-process equivalent.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if errs := cfg.Validate(); len(errs) > 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
		}
		for _, err := range errs {
			util.Warn("Configuration warning", util.ErrorField(err))
		}
	}

	factory := &Factory{
		config:   cfg,
		logger:   logger,
		metrics:  metrics.NewMetrics(),
		registry: prometheus.NewRegistry(),
		closed:   make(chan struct{}),
	}

	if err := factory.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := factory.metrics.Register(factory.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig, logger.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeServices(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects every configured backend. Unconfigured
// backends are skipped; the services fall back to in-process stores.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis
	if f.config.Redis.URL != "" {
		if c, err := client.NewRedisClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if len(f.config.Scylla.Nodes) > 0 {
		if c, err := scylla.NewScyllaClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config, f.logger); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.URL != "" {
		if c, err := client.NewElasticsearchClient(ctx, f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.URL != "" {
		if c, err := client.NewClickHouseClient(ctx, f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// Vault
	if f.config.Vault.Address != "" {
		if c, err := client.NewVaultClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("vault: %w", err))
		} else {
			f.vaultClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers resolves the master key and derives the encryption
// and export signing keys from it.
func (f *Factory) initializeManagers(ctx context.Context) error {
	opts := encryption.MasterKeyOptions{
		Encoded:        f.config.Crypto.MasterKey,
		Wrapped:        f.config.Crypto.EncryptedMasterKey,
		KeyID:          f.config.KMS.KeyID,
		AllowEphemeral: !f.config.IsProduction(),
	}
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		opts.KMS = kms.NewFromConfig(awsCfg)
	}

	key, source, err := encryption.LoadMasterKey(ctx, opts)
	if err != nil {
		return err
	}
	if source == encryption.KeySourceEphemeral {
		util.Warn("Using an ephemeral master key, sealed secrets will not survive restarts")
	}

	f.encryptionManager, err = encryption.NewManager(key)
	if err != nil {
		return err
	}

	seed, err := f.encryptionManager.DeriveKey(exportSigningSeed, ed25519.SeedSize)
	if err != nil {
		return err
	}
	f.signer, err = encryption.NewSignerFromSeed(seed)
	if err != nil {
		return err
	}

	util.Info("Managers initialized successfully",
		util.String("master_key_source", string(source)),
	)
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	var counters store.CounterStore
	if f.redisClient != nil {
		counters = redisrepo.NewCounterStore(f.redisClient, cfg.Redis.KeyPrefix, f.logger.Named("counters"))
	} else {
		util.Warn("Redis not available, counters are process-local")
		counters = store.NewMemoryStore()
	}

	var ledgerRepo ledger.Repository
	if f.scyllaClient != nil {
		ledgerRepo = scylla.NewLedgerRepository(f.scyllaClient, f.logger.Named("ledger"))
	} else {
		util.Warn("ScyllaDB not available, audit ledger is in-memory")
		ledgerRepo = ledger.NewMemoryRepository()
	}

	var index audit.SearchIndex
	if f.esClient != nil {
		index = elasticsearch.NewAuditIndex(f.esClient, cfg.Elasticsearch.AuditIndex)
	}

	var eventLog eventlog.Store
	if f.clickhouseClient != nil {
		es, err := clickhouse.NewEventStore(ctx, f.clickhouseClient, f.logger.Named("eventlog"))
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			util.Warn("ClickHouse event store unavailable", util.ErrorField(err))
		} else {
			eventLog = es
		}
	}
	if eventLog == nil {
		eventLog = eventlog.NewMemoryStore(eventLogFallback)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if f.kafkaProducer != nil {
		publisher = events.NewKafkaPublisher(f.kafkaProducer, events.Topics{
			Threat:   cfg.Kafka.ThreatTopic,
			Anomaly:  cfg.Kafka.AnomalyTopic,
			Incident: cfg.Kafka.IncidentTopic,
		}, f.metrics, f.logger.Named("publisher"))
	}

	sealer, err := f.encryptionManager.ForPurpose(secretsPurpose)
	if err != nil {
		return err
	}
	var backend secrets.KVBackend
	if f.vaultClient != nil {
		backend = f.vaultClient
	}
	secretStore, err := secrets.NewStore(ctx, backend, sealer, cfg.IsProduction(), f.logger.Named("secrets"))
	if err != nil {
		return err
	}

	detectionPolicy, _ := store.ParseFailPolicy(cfg.Detection.FailPolicy)
	wafPolicy, _ := store.ParseFailPolicy(cfg.WAF.FailPolicy)

	ruleEngine := rules.NewEngine(counters, detectionPolicy, cfg.Detection.HistorySize, f.logger.Named("rules"), f.metrics)
	defs := rules.DefaultDefinitions()
	if cfg.Detection.RulesFile != "" {
		if defs, err = rules.LoadFile(cfg.Detection.RulesFile); err != nil {
			return err
		}
	}
	for _, d := range ruleEngine.Load(defs) {
		util.Warn("Detection rule disabled", util.String("rule_id", d.RuleID), util.String("reason", d.Message))
	}

	wafCfg := waf.DefaultConfig()
	wafCfg.BanThreshold = cfg.WAF.BanThreshold
	wafCfg.StrikeWindow = cfg.WAF.StrikeWindow
	wafCfg.BanDuration = cfg.WAF.BanDuration
	if cfg.WAF.BanCacheTTL > 0 {
		wafCfg.BanCacheTTL = cfg.WAF.BanCacheTTL
	}
	if cfg.WAF.BanCacheSize > 0 {
		wafCfg.BanCacheSize = cfg.WAF.BanCacheSize
	}
	wafCfg.FailPolicy = wafPolicy
	f.wafEngine = waf.NewEngine(counters, wafCfg, f.logger.Named("waf"), f.metrics)
	wafDefs := waf.DefaultDefinitions()
	if cfg.WAF.RulesFile != "" {
		if wafDefs, err = waf.LoadFile(cfg.WAF.RulesFile); err != nil {
			return err
		}
	}
	for _, d := range f.wafEngine.Load(wafDefs) {
		util.Warn("WAF rule disabled", util.String("rule_id", d.RuleID), util.String("reason", d.Message))
	}

	detector := anomaly.NewDetector(baseline.NewTracker(), counters, anomaly.Config{
		ZScoreThreshold:            cfg.Detection.ZScoreThreshold,
		MinSamples:                 cfg.Detection.MinSamples,
		VelocityWindow:             cfg.Detection.VelocityWindow,
		VelocityMax:                cfg.Detection.VelocityMax,
		TimeOfDayMinSamples:        cfg.Detection.TimeOfDayMinSamples,
		TimeOfDayConfidenceSamples: cfg.Detection.TimeOfDayConfidenceSamples,
		TimeOfDayRarity:            cfg.Detection.TimeOfDayRarity,
		TravelWindow:               cfg.Detection.TravelWindow,
		FailPolicy:                 detectionPolicy,
	}, f.logger.Named("anomaly"), f.metrics)

	auditService := audit.NewService(
		ledger.New(ledgerRepo, f.logger.Named("ledger"), f.metrics),
		ledger.NewShardRouter(cfg.Ledger.ChainName, cfg.Ledger.Shards),
		index,
		f.logger.Named("audit"),
	)

	svcCfg := service.DefaultConfig()
	if cfg.Detection.BatchInterval > 0 {
		svcCfg.BatchInterval = cfg.Detection.BatchInterval
	}
	if cfg.Detection.BatchWindow > 0 {
		svcCfg.BatchWindow = cfg.Detection.BatchWindow
	}

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Rules:     ruleEngine,
		WAF:       f.wafEngine,
		Detector:  detector,
		Audit:     auditService,
		Incidents: incident.NewManager(f.logger.Named("incidents")),
		EventLog:  eventLog,
		Publisher: publisher,
		Secrets:   secretStore,
		Signer:    f.signer,
		Metrics:   f.metrics,
		Health:    f.HealthCheck,
	}, svcCfg, f.logger.Named("security"))

	_, err = f.serviceFactory.SecurityService()
	return err
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every connected backend concurrently. Backends that
// were never configured are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	probe := func(name string, check func(context.Context) error) func() error {
		return func() error {
			if err := check(ctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		}
	}

	var g errgroup.Group
	if f.redisClient != nil {
		g.Go(probe("redis", f.redisClient.HealthCheck))
	}
	if f.scyllaClient != nil {
		g.Go(probe("scylla", func(context.Context) error { return f.scyllaClient.HealthCheck() }))
	}
	if f.esClient != nil {
		g.Go(probe("elasticsearch", f.esClient.HealthCheck))
	}
	if f.clickhouseClient != nil {
		g.Go(probe("clickhouse", f.clickhouseClient.HealthCheck))
	}
	if f.kafkaProducer != nil {
		g.Go(probe("kafka", f.kafkaProducer.HealthCheck))
	}
	if f.vaultClient != nil {
		g.Go(probe("vault", f.vaultClient.Health))
	}
	_ = g.Wait()

	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	return healthErrors
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// WAFMiddleware returns the inspection middleware for event ingestion, or
// nil when the WAF is disabled.
func (f *Factory) WAFMiddleware(svc *service.SecurityService) func(http.Handler) http.Handler {
	if !f.config.WAF.Enabled {
		return nil
	}
	return f.wafEngine.Middleware(f.config.WAF.MaxBodyBytes, svc.HandleWAFBlock)
}

// MetricsHandler serves the factory's Prometheus registry.
func (f *Factory) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}
