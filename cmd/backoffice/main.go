// Package main 后台兑换账务服务启动入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	conversionapp "github.com/wyfcoding/backoffice/internal/conversion/application"
	conversiondomain "github.com/wyfcoding/backoffice/internal/conversion/domain"
	conversionmysql "github.com/wyfcoding/backoffice/internal/conversion/infrastructure/persistence/mysql"
	conversionhttp "github.com/wyfcoding/backoffice/internal/conversion/interfaces/http"
	marketdataapp "github.com/wyfcoding/backoffice/internal/marketdata/application"
	marketdatadomain "github.com/wyfcoding/backoffice/internal/marketdata/domain"
	marketdatamysql "github.com/wyfcoding/backoffice/internal/marketdata/infrastructure/persistence/mysql"
	marketdataredis "github.com/wyfcoding/backoffice/internal/marketdata/infrastructure/persistence/redis"
	"github.com/wyfcoding/backoffice/internal/marketdata/interfaces/consumer"
	portfolioapp "github.com/wyfcoding/backoffice/internal/portfolio/application"
	portfoliohttp "github.com/wyfcoding/backoffice/internal/portfolio/interfaces/http"
	positiondomain "github.com/wyfcoding/backoffice/internal/position/domain"
	positionmysql "github.com/wyfcoding/backoffice/internal/position/infrastructure/persistence/mysql"
	reconciliationapp "github.com/wyfcoding/backoffice/internal/reconciliation/application"
	reconciliationdomain "github.com/wyfcoding/backoffice/internal/reconciliation/domain"
	reconciliationmysql "github.com/wyfcoding/backoffice/internal/reconciliation/infrastructure/persistence/mysql"
	reconciliationhttp "github.com/wyfcoding/backoffice/internal/reconciliation/interfaces/http"
	walletdomain "github.com/wyfcoding/backoffice/internal/wallet/domain"
	walletmysql "github.com/wyfcoding/backoffice/internal/wallet/infrastructure/persistence/mysql"
	wallethttp "github.com/wyfcoding/backoffice/internal/wallet/interfaces/http"
	"github.com/wyfcoding/backoffice/pkg/cache"
	"github.com/wyfcoding/backoffice/pkg/config"
	"github.com/wyfcoding/backoffice/pkg/db"
	"github.com/wyfcoding/backoffice/pkg/eventbus"
	"github.com/wyfcoding/backoffice/pkg/logger"
	"github.com/wyfcoding/backoffice/pkg/metrics"
	"github.com/wyfcoding/backoffice/pkg/middleware"
	"github.com/wyfcoding/backoffice/pkg/mq"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/messagequeue/outbox"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()

	// 数据库
	database, err := db.Init(cfg.Database)
	if err != nil {
		log.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&conversiondomain.ConversionRecord{},
		&conversiondomain.JournalEntry{},
		&positiondomain.AssetPosition{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&reconciliationdomain.SettlementTransfer{},
		&reconciliationdomain.ReconciliationLog{},
		&marketdatadomain.Quote{},
		&outbox.OutboxMessage{},
	); err != nil {
		log.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	// Redis (行情缓存)，连不上时降级为直查 MySQL
	var quoteCache marketdatadomain.QuoteCache
	redisClient, err := cache.NewClient(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn("redis unavailable, quote cache disabled", "error", err)
	} else {
		defer redisClient.Close()
		quoteCache = marketdataredis.NewQuoteRedisCache(redisClient)
	}

	// Kafka
	producer, err := mq.NewProducer(mq.Config{
		Brokers:      cfg.Kafka.Brokers,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	if err != nil {
		log.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	priceTopic := cfg.Kafka.PriceTopic
	if priceTopic == "" {
		priceTopic = consumer.TopicMarketPrices
	}
	priceConsumer, err := mq.NewConsumer(mq.Config{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
	}, priceTopic)
	if err != nil {
		log.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	defer priceConsumer.Close()

	// Outbox：领域事件与业务变更同事务落库，后台中继投递到 Kafka
	outboxMgr := outbox.NewManager(database.DB, log)
	outboxProcessor := outbox.NewProcessor(outboxMgr, producer.SendRaw, 100, 2*time.Second)
	events := eventbus.NewPublisher(outboxMgr, database.DB)

	m := metrics.New(cfg.ServiceName)
	idgen := utils.NewSnowflakeID(1)

	// 仓储
	conversionRepo := conversionmysql.NewConversionRepo(database.DB)
	journalRepo := conversionmysql.NewJournalRepo(database.DB)
	positionRepo := positionmysql.NewPositionRepo(database.DB)
	walletRepo := walletmysql.NewWalletRepo(database.DB)
	walletTxRepo := walletmysql.NewTransactionRepo(database.DB)
	transferRepo := reconciliationmysql.NewTransferRepo(database.DB)
	reconLogRepo := reconciliationmysql.NewLogRepo(database.DB)
	quoteRepo := marketdatamysql.NewQuoteRepo(database.DB)

	// 应用服务
	marketDataSvc := marketdataapp.NewMarketDataService(quoteRepo, quoteCache, log)
	conversionSvc := conversionapp.NewConversionService(
		database, conversionRepo, journalRepo, positionRepo, walletRepo, walletTxRepo,
		marketDataSvc, events, m, idgen, log)
	reconciliationSvc := reconciliationapp.NewReconciliationService(
		database, conversionRepo, journalRepo, walletRepo, walletTxRepo,
		transferRepo, reconLogRepo, events, m, log)
	portfolioSvc := portfolioapp.NewPortfolioService(positionRepo, conversionRepo, marketDataSvc, log)

	priceHandler := consumer.NewPriceEventHandler(marketDataSvc)

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.Logging(), middleware.Metrics(m))

	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	root := router.Group("")
	conversionhttp.NewConversionHandler(conversionSvc).RegisterRoutes(root)
	reconciliationhttp.NewReconciliationHandler(reconciliationSvc).RegisterRoutes(root)
	portfoliohttp.NewPortfolioHandler(portfolioSvc).RegisterRoutes(root)
	wallethttp.NewWalletHandler(walletRepo, walletTxRepo).RegisterRoutes(root)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 生命周期
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("starting market price consumer", "topic", priceTopic)
		return priceConsumer.Run(ctx, priceHandler.HandleMarketPrice)
	})

	g.Go(func() error {
		outboxProcessor.Start()
		<-ctx.Done()
		outboxProcessor.Stop()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("service stopped")
}
