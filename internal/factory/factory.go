package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"

	"marketplace-identity/internal/audit"
	"marketplace-identity/internal/bucketing"
	"marketplace-identity/internal/client"
	"marketplace-identity/internal/config"
	"marketplace-identity/internal/encryption"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/gateway"
	"marketplace-identity/internal/handler"
	"marketplace-identity/internal/hashing"
	"marketplace-identity/internal/metrics"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/repository/memory"
	redisrepo "marketplace-identity/internal/repository/redis"
	"marketplace-identity/internal/repository/scylla"
	"marketplace-identity/internal/search"
	"marketplace-identity/internal/service"
	"marketplace-identity/internal/sms"
	"marketplace-identity/internal/tls"
	"marketplace-identity/internal/token"
	"marketplace-identity/internal/util"
)

// stores groups the row repositories so scylla and memory can be swapped.
type stores struct {
	accounts      repository.AccountRepository
	subscriptions repository.SubscriptionRepository
	payments      repository.PaymentRepository
	selections    repository.SelectionRepository
	deadlines     repository.DeadlineRepository
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	metrics    *metrics.Registry

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokens            *token.Manager

	stores   stores
	recorder *audit.ClickHouseRecorder

	otp      *service.OTPService
	ledger   *service.LedgerService
	payments *service.PaymentService
	selector *service.SelectorService
	flow     *service.FlowService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects every backing service named in cfg and builds the
// services on top of them.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config:  cfg,
		metrics: metrics.NewRegistry(),
		closed:  make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := f.initializeClients(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_driver", cfg.Storage.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)
	return f, nil
}

// initializeClients connects Redis and the row store, which are required,
// and the optional event, search and audit sinks. Optional sinks that fail
// outside production are skipped with a warning.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	redisClient, err := client.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	switch cfg.Storage.Driver {
	case "scylla":
		scyllaClient, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		f.stores = stores{
			accounts:      scylla.NewAccountRepository(scyllaClient),
			subscriptions: scylla.NewSubscriptionRepository(scyllaClient),
			payments:      scylla.NewPaymentRepository(scyllaClient),
			selections:    scylla.NewSelectionRepository(scyllaClient),
			deadlines:     scylla.NewDeadlineRepository(scyllaClient),
		}
	default:
		util.Warn("Using in-memory storage; data is lost on restart")
		mem := memory.NewStore()
		f.stores = stores{
			accounts:      mem.Accounts(),
			subscriptions: mem.Subscriptions(),
			payments:      mem.Payments(),
			selections:    mem.Selections(),
			deadlines:     mem.Deadlines(),
		}
	}

	var optionalErrors []error

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg.Kafka); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if cfg.Elastic.Enabled {
		if es, err := client.NewElasticsearchClient(cfg.Elastic, !cfg.IsProduction()); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := es.HealthCheck(ctx); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.ClickHouse.Enabled {
		if ch, err := client.NewClickHouseClient(cfg.ClickHouse); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse: %w", err))
		} else if rec, err := audit.NewClickHouseRecorder(ctx, ch, cfg.ClickHouse); err != nil {
			_ = ch.Close()
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse audit table: %w", err))
		} else {
			f.clickhouseClient = ch
			f.recorder = rec
			util.Info("ClickHouse audit recorder initialized")
		}
	}

	if len(optionalErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optionalErrors...))
		}
		for _, err := range optionalErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.DeadlineBuckets)
	f.tokens = token.NewManager(f.config.JWT)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em
	return nil
}

func (f *Factory) initializeServices(context.Context) error {
	cfg := f.config

	dispatcher, err := sms.NewDispatcher(cfg.SMS)
	if err != nil {
		return err
	}
	gw, err := gateway.New(cfg.Gateway)
	if err != nil {
		return err
	}
	catalog, err := service.NewCatalog(cfg.Subscription)
	if err != nil {
		return err
	}

	var (
		publisher events.Publisher = events.LogPublisher{}
		recorder  audit.Recorder   = audit.LogRecorder{}
		indexer   search.Indexer   = search.NopIndexer{}
	)
	if f.kafkaProducer != nil {
		publisher = events.NewKafkaPublisher(f.kafkaProducer, cfg.Kafka)
	}
	if f.recorder != nil {
		recorder = f.recorder
	}
	if f.esClient != nil {
		indexer = search.NewESIndexer(f.esClient, cfg.Elastic.Index)
	}
	observers := service.NewObservers(publisher, recorder, indexer, f.metrics)

	f.otp = service.NewOTPService(
		redisrepo.NewOTPStore(f.redisClient),
		redisrepo.NewRequestCounter(f.redisClient),
		f.hasher,
		dispatcher,
		observers,
		cfg.OTP,
		cfg.SMS.Timeout,
	)
	f.ledger = service.NewLedgerService(
		f.stores.subscriptions,
		f.stores.payments,
		f.stores.selections,
		f.stores.deadlines,
		f.bucketingManager,
		catalog,
		observers,
		cfg.Subscription,
	)
	f.payments = service.NewPaymentService(
		f.stores.payments,
		f.stores.subscriptions,
		f.stores.accounts,
		f.ledger,
		gw,
		observers,
		cfg.Gateway.Timeout,
	)
	f.selector = service.NewSelectorService(f.stores.subscriptions, f.stores.selections, f.ledger)
	f.flow = service.NewFlowService(
		f.stores.accounts,
		redisrepo.NewTicketStore(f.redisClient),
		redisrepo.NewSessionCache(f.redisClient),
		f.otp,
		f.ledger,
		f.tokens,
		f.hasher,
		f.encryptionManager,
	)
	return nil
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() chi.Router {
	logger := util.Get()
	return handler.NewRouter(handler.RouterDeps{
		Server:   f.config.Server,
		Auth:     handler.NewAuthHandler(f.flow, logger),
		Account:  handler.NewAccountHandler(f.flow, f.ledger, f.payments, f.selector, logger),
		Payments: handler.NewPaymentHandler(f.payments, logger),
		Sessions: f.flow,
		Metrics:  f.metrics,
		Health:   f,
		Logger:   logger,
	})
}

// HealthCheck reports each connected dependency. An empty value means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]string {
	report := make(map[string]string)
	check := func(name string, err error) {
		if err != nil {
			report[name] = err.Error()
			return
		}
		report[name] = ""
	}

	if f.redisClient != nil {
		check("redis", f.redisClient.HealthCheck(ctx))
	} else {
		check("redis", errors.New("redis client not initialized"))
	}
	if f.scyllaClient != nil {
		check("scylla", f.scyllaClient.HealthCheck(ctx))
	}
	if f.kafkaProducer != nil {
		check("kafka", f.kafkaProducer.HealthCheck(ctx))
	}
	if f.esClient != nil {
		check("elasticsearch", f.esClient.HealthCheck(ctx))
	}
	if f.clickhouseClient != nil {
		check("clickhouse", f.clickhouseClient.HealthCheck(ctx))
	}
	return report
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			if err := f.recorder.Close(); err != nil {
				util.Error("Failed to flush audit recorder", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
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

		util.Info("Factory shutdown completed")
	})
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Ledger() *service.LedgerService {
	return f.ledger
}

func (f *Factory) Metrics() *metrics.Registry {
	return f.metrics
}
