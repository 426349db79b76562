package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yashrajoria/order-saga/common/database"
	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/common/middleware"
	"github.com/yashrajoria/order-saga/pkg/archive"
	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
	"github.com/yashrajoria/order-saga/pkg/bus"
	"github.com/yashrajoria/order-saga/pkg/clock"
	"github.com/yashrajoria/order-saga/pkg/dedup"
	pkgdynamodb "github.com/yashrajoria/order-saga/pkg/dynamodb"
	"github.com/yashrajoria/order-saga/pkg/observability"
	inventorymodels "github.com/yashrajoria/order-saga/services/inventory/models"
	inventoryrepository "github.com/yashrajoria/order-saga/services/inventory/repository"
	inventoryservices "github.com/yashrajoria/order-saga/services/inventory/services"
	notifcontrollers "github.com/yashrajoria/order-saga/services/notification/controllers"
	notifmodels "github.com/yashrajoria/order-saga/services/notification/models"
	notifrepository "github.com/yashrajoria/order-saga/services/notification/repository"
	notifroutes "github.com/yashrajoria/order-saga/services/notification/routes"
	"github.com/yashrajoria/order-saga/services/notification/sender"
	notifservices "github.com/yashrajoria/order-saga/services/notification/services"
	ordercontrollers "github.com/yashrajoria/order-saga/services/order/controllers"
	ordermodels "github.com/yashrajoria/order-saga/services/order/models"
	orderrepository "github.com/yashrajoria/order-saga/services/order/repository"
	orderroutes "github.com/yashrajoria/order-saga/services/order/routes"
	orderservices "github.com/yashrajoria/order-saga/services/order/services"
	paymentmodels "github.com/yashrajoria/order-saga/services/payment/models"
	paymentrepository "github.com/yashrajoria/order-saga/services/payment/repository"
	paymentservices "github.com/yashrajoria/order-saga/services/payment/services"
)

const serviceName = "saga-service"

// archiveGroup is the consumer group of the event archive tap.
const archiveGroup = "event-archive"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Logger, with a CloudWatch tee when enabled.
	cwLogs, err := pkgaws.NewCloudWatchLogsClient(context.Background(), serviceName)
	if err == nil && cwLogs.IsEnabled() {
		logger.InitializeWithWriter(cfg.Env, cwLogs)
	} else {
		logger.Initialize(cfg.Env)
	}
	defer logger.Log.Sync()

	ctx := context.Background()
	if err != nil {
		logger.Warn(ctx, "CloudWatch logs init failed (non-fatal)", zap.Error(err))
	}

	shutdownTracing, err := observability.SetupTracing(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn(ctx, "Tracing setup failed (non-fatal)", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	metricsClient, err := pkgaws.NewMetricsClient(ctx)
	if err != nil {
		logger.Warn(ctx, "CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
		metricsClient = nil
	}

	// Background context for consumers, the sweeper and dedup GC.
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Redis is shared by the dedup store and the dead letter store when
	// configured.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		rc, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Log.Fatal("Redis connection failed", zap.Error(err))
		}
		redisClient = rc
		defer rc.Close()
	}

	var dead bus.DeadLetterStore
	if redisClient != nil {
		dead = bus.NewRedisDeadLetterStore(redisClient, "saga:deadletters")
	} else {
		dead = bus.NewMemoryDeadLetterStore()
	}

	// Bus.
	var b bus.Bus
	var closeBus func() error
	switch cfg.BusDriver {
	case "kafka":
		kb := bus.NewKafkaBus(cfg.KafkaBrokers, dead, logger.Log)
		b, closeBus = kb, kb.Close
	case "snssqs":
		awsCfg, err := pkgaws.LoadAWSConfig(ctx)
		if err != nil {
			logger.Log.Fatal("AWS config load failed", zap.Error(err))
		}
		sb := bus.NewSnsSqsBus(awsCfg, dead, logger.Log)
		if err := wireAwsBus(sb, cfg.MongoURI != ""); err != nil {
			logger.Log.Fatal("SNS/SQS route mapping failed", zap.Error(err))
		}
		b, closeBus = sb, sb.Close
	default:
		mb := bus.NewMemoryBus(dead, logger.Log)
		b, closeBus = mb, mb.Close
	}

	// Dedup store. One store carries both the processed-event markers and
	// the payment idempotency keys.
	var processed dedup.Store
	var keys dedup.IdempotencyStore
	switch cfg.DedupDriver {
	case "redis":
		rs := dedup.NewRedisStore(redisClient, cfg.DedupTTL)
		processed, keys = rs, rs
	case "dynamo":
		dc, err := pkgdynamodb.NewClient(ctx)
		if err != nil {
			logger.Log.Fatal("DynamoDB client init failed", zap.Error(err))
		}
		ds := dedup.NewDynamoStore(dc, cfg.DynamoTable, cfg.DedupTTL)
		processed, keys = ds, ds
	default:
		ms := dedup.NewMemoryStore(cfg.DedupTTL)
		ms.StartGC(runCtx, 10*time.Minute)
		processed, keys = ms, ms
	}

	// Repositories.
	var orderRepo orderrepository.OrderRepository
	var inventoryRepo inventoryrepository.InventoryRepository
	var paymentRepo paymentrepository.PaymentRepository
	var notifRepo notifrepository.NotificationRepository
	if cfg.DBDriver == "postgres" {
		db, err := database.ConnectPostgres(logger.Log,
			&ordermodels.Order{}, &ordermodels.OrderItem{}, &ordermodels.OrderTransition{},
			&inventorymodels.Stock{}, &inventorymodels.Reservation{}, &inventorymodels.ReservationLine{},
			&paymentmodels.PaymentRecord{},
			&notifmodels.NotificationLog{},
		)
		if err != nil {
			logger.Log.Fatal("DB connection failed", zap.Error(err))
		}
		orderRepo = orderrepository.NewGormOrderRepository(db)
		inventoryRepo = inventoryrepository.NewGormInventoryRepository(db)
		paymentRepo = paymentrepository.NewGormPaymentRepository(db)
		notifRepo = notifrepository.NewGormNotificationRepository(db)
	} else {
		orderRepo = orderrepository.NewMemoryOrderRepository()
		inventoryRepo = inventoryrepository.NewMemoryInventoryRepository()
		paymentRepo = paymentrepository.NewMemoryPaymentRepository()
		notifRepo = notifrepository.NewMemoryNotificationRepository()
	}

	// Inventory.
	holds := inventoryservices.NewReservationService(inventoryRepo, clock.NewSystem(), cfg.ReservationTTL)
	inventoryCoor := inventoryservices.NewCoordinator(holds, b, processed, metricsClient)
	sweeper := inventoryservices.NewSweeper(holds, b, metricsClient, cfg.SweepInterval, cfg.SweepBatch)

	// Orders.
	orderSvc := orderservices.NewOrderService(orderRepo, holds, b, metricsClient)
	orderCoor := orderservices.NewCoordinator(orderRepo, holds, b, processed, metricsClient)

	// Payments.
	var gateway paymentservices.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = paymentservices.NewStripeGateway(cfg.StripeSecretKey, cfg.StripePaymentMethod)
	} else {
		logger.Warn(ctx, "STRIPE_SECRET_KEY not set; charges go through the fake gateway")
		gateway = paymentservices.NewFakeGateway()
	}
	gateway = paymentservices.NewThrottledGateway(gateway, rate.Limit(cfg.PaymentRPS), cfg.PaymentBurst)
	paymentSvc := paymentservices.NewPaymentService(paymentRepo, gateway, keys)
	paymentCoor := paymentservices.NewCoordinator(paymentSvc, b, processed, metricsClient)

	// Notifications.
	var snd sender.Sender
	if cfg.NotifyDriver == "smtp" {
		smtpSender, err := sender.NewSMTPSender()
		if err != nil {
			logger.Log.Fatal("SMTP sender init failed", zap.Error(err))
		}
		snd = smtpSender
	} else {
		snd = sender.NewLogSender()
	}
	notifier := notifservices.NewNotifier(notifRepo, snd, cfg.NotifyRecipient, b, processed, metricsClient, time.Second)

	if err := orderCoor.Register(); err != nil {
		logger.Log.Fatal("Order coordinator registration failed", zap.Error(err))
	}
	if err := inventoryCoor.Register(); err != nil {
		logger.Log.Fatal("Inventory coordinator registration failed", zap.Error(err))
	}
	if err := paymentCoor.Register(); err != nil {
		logger.Log.Fatal("Payment coordinator registration failed", zap.Error(err))
	}
	if err := notifier.Register(); err != nil {
		logger.Log.Fatal("Notifier registration failed", zap.Error(err))
	}

	// Event archive tap.
	if cfg.MongoURI != "" {
		mongoClient, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			logger.Log.Fatal("Mongo connection failed", zap.Error(err))
		}
		defer func() { _ = mongoClient.Disconnect(context.Background()) }()

		arch := archive.NewMongoArchive(mongoClient.Database(cfg.MongoDB))
		if err := arch.EnsureIndexes(ctx); err != nil {
			logger.Warn(ctx, "Archive index creation failed (non-fatal)", zap.Error(err))
		}
		for _, topic := range []string{bus.TopicOrders, bus.TopicInventory, bus.TopicPayments} {
			if err := b.Subscribe(topic, archiveGroup, archive.Subscriber(arch, topic)); err != nil {
				logger.Log.Fatal("Archive subscription failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	go sweeper.Run(runCtx)

	// HTTP.
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimitMiddleware())
	r.Use(logger.RequestLogger())
	r.Use(middleware.MetricsMiddleware(metricsClient, serviceName))
	r.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	r.Use(commonerrors.ErrorMiddleware())

	orderController := ordercontrollers.NewOrderController(orderSvc, dead)
	orderroutes.RegisterOrderRoutes(r, orderController)
	notifController := notifcontrollers.NewNotificationController(notifRepo)
	notifroutes.RegisterNotificationRoutes(r, notifController)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logger.Info(ctx, "🚀 Saga service started",
			zap.String("port", cfg.Port),
			zap.String("bus", cfg.BusDriver),
			zap.String("db", cfg.DBDriver),
			zap.String("dedup", cfg.DedupDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Initiating graceful shutdown...")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Server shutdown error", err)
	}
	if err := closeBus(); err != nil {
		logger.Error(ctx, "Bus close error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error(ctx, "Tracing shutdown error", err)
	}

	logger.Info(ctx, "Saga service stopped gracefully")
}

// wireAwsBus maps the logical topics and consumer queues onto the SNS
// topic ARNs and SQS queue URLs from the environment.
func wireAwsBus(b *bus.SnsSqsBus, includeArchive bool) error {
	topics := map[string]string{
		bus.TopicOrders:    "SNS_TOPIC_ORDERS_ARN",
		bus.TopicInventory: "SNS_TOPIC_INVENTORY_ARN",
		bus.TopicPayments:  "SNS_TOPIC_PAYMENTS_ARN",
	}
	for topic, envName := range topics {
		arn := os.Getenv(envName)
		if arn == "" {
			return fmt.Errorf("%s not set", envName)
		}
		b.MapTopic(topic, arn)
	}

	type queueRoute struct {
		topic   string
		group   string
		envName string
	}
	queues := []queueRoute{
		{bus.TopicOrders, inventoryservices.ConsumerGroup, "SQS_QUEUE_ORDERS_INVENTORY"},
		{bus.TopicOrders, paymentservices.ConsumerGroup, "SQS_QUEUE_ORDERS_PAYMENT"},
		{bus.TopicOrders, notifservices.ConsumerGroup, "SQS_QUEUE_ORDERS_NOTIFICATION"},
		{bus.TopicInventory, orderservices.ConsumerGroup, "SQS_QUEUE_INVENTORY_ORDER"},
		{bus.TopicPayments, orderservices.ConsumerGroup, "SQS_QUEUE_PAYMENTS_ORDER"},
		{bus.TopicPayments, inventoryservices.ConsumerGroup, "SQS_QUEUE_PAYMENTS_INVENTORY"},
		{bus.TopicPayments, notifservices.ConsumerGroup, "SQS_QUEUE_PAYMENTS_NOTIFICATION"},
	}
	if includeArchive {
		queues = append(queues,
			queueRoute{bus.TopicOrders, archiveGroup, "SQS_QUEUE_ORDERS_ARCHIVE"},
			queueRoute{bus.TopicInventory, archiveGroup, "SQS_QUEUE_INVENTORY_ARCHIVE"},
			queueRoute{bus.TopicPayments, archiveGroup, "SQS_QUEUE_PAYMENTS_ARCHIVE"},
		)
	}
	for _, q := range queues {
		url := os.Getenv(q.envName)
		if url == "" {
			return fmt.Errorf("%s not set", q.envName)
		}
		b.MapQueue(q.topic, q.group, url)
	}
	return nil
}
