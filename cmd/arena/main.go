// 文件: cmd/arena/main.go
// 竞技场服务入口
//
// 装配顺序: 配置 -> 存储 -> 行情 -> 域管理器 -> 事件管道 -> 调度器 -> API。
// Redis / NATS / Kafka 都是可选依赖，缺了哪个就降级运行哪部分，
// 只有 MySQL 连不上才拒绝启动。

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"arena.com/pkg/api"
	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	"arena.com/pkg/config"
	"arena.com/pkg/decision"
	"arena.com/pkg/lane"
	"arena.com/pkg/liquidation"
	"arena.com/pkg/llm"
	"arena.com/pkg/market"
	anats "arena.com/pkg/nats"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/scheduler"
	"arena.com/pkg/trading"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] load config: %v", err)
	}

	log.Println("🚀 Starting arena server...")

	// 1. 基础设施: MySQL / Redis
	// -------------------------------------------------------------------------
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("[Main] connect mysql: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("[Main] mysql pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&competition.Competition{},
		&competition.Participant{},
		&portfolio.Portfolio{},
		&cfd.Position{},
		&portfolio.HistoryRecord{},
		&trading.Order{},
		&trading.Trade{},
		&decision.Record{},
	); err != nil {
		log.Fatalf("[Main] migrate schema: %v", err)
	}
	log.Println("✅ MySQL connected")

	rds := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rds.Ping(pingCtx).Err(); err != nil {
		log.Printf("[Main] redis unreachable at %s: %v (quote/leaderboard cache disabled)", cfg.Redis.Addr, err)
		_ = rds.Close()
		rds = nil
	} else {
		log.Println("✅ Redis connected")
	}
	pingCancel()

	if err := trading.InitSnowflake(1); err != nil {
		log.Fatalf("[Main] init snowflake: %v", err)
	}

	// 2. 存储层
	// -------------------------------------------------------------------------
	compRepo := competition.NewMySQLCompetitionRepository(db)
	partRepo := competition.NewMySQLParticipantRepository(db)
	pfRepo := portfolio.NewMySQLRepository(db)
	historyRepo := portfolio.NewMySQLHistoryRepository(db)
	orderRepo := trading.NewMySQLOrderRepository(db)
	tradeRepo := trading.NewMySQLTradeRepository(db)
	recordRepo := decision.NewMySQLRepository(db)

	// 3. 行情
	// -------------------------------------------------------------------------
	var source market.Source = market.NewBinanceSource(cfg.Binance)
	if rds != nil {
		source = market.NewCachedSource(source, rds, cfg.Cache.PriceTTL())
	}
	marketSvc := market.NewService(source, market.ServiceConfig{
		MaxQuoteAge: cfg.Cache.PriceTTL(),
	})

	// 4. 域管理器
	// -------------------------------------------------------------------------
	lanes := lane.NewRegistry()

	manager := competition.NewManager(compRepo, partRepo, cfg.Defaults.CompetitionDefaults())
	portfolios := portfolio.NewManager(pfRepo, historyRepo, partRepo)
	portfolios.SetLanes(lanes)
	manager.SetPortfolioSeeder(portfolios)

	engine := trading.NewEngine(compRepo, partRepo, portfolios, orderRepo, tradeRepo)
	leaderboard := competition.NewLeaderboardService(compRepo, partRepo, rds, cfg.Cache.LeaderboardTTL())
	engine.SetLeaderboard(leaderboard)

	// 5. NATS 事件广播 (可选)
	// -------------------------------------------------------------------------
	var natsPub *anats.Publisher
	if cfg.NATS.Enabled {
		natsPub, err = anats.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("[Main] connect nats: %v", err)
		}
		portfolios.SetEventPublisher(natsPub)
		engine.SetPublisher(natsPub)
		log.Println("✅ NATS connected")
	}

	// 6. Kafka 权益采样管道 (可选，未启用时采样直接落库)
	// -------------------------------------------------------------------------
	var historyPub *portfolio.KafkaHistoryPublisher
	var historyWriter *portfolio.HistoryWriter
	if cfg.Kafka.Enabled {
		historyPub, err = portfolio.NewKafkaHistoryPublisher(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("[Main] kafka producer: %v", err)
		}
		portfolios.SetHistoryPublisher(historyPub)

		writerCfg := portfolio.DefaultHistoryWriterConfig(cfg.Kafka.Brokers)
		historyWriter, err = portfolio.NewHistoryWriter(writerCfg, historyRepo)
		if err != nil {
			log.Fatalf("[Main] kafka history writer: %v", err)
		}
		historyWriter.Start(writerCfg.FlushInterval)
		log.Println("✅ Kafka pipeline started")
	}

	// 7. 模型调用与决策轮
	// -------------------------------------------------------------------------
	registry := llm.NewRegistryFromConfig(cfg.LLM)
	orchestrator := decision.NewOrchestrator(manager, portfolios, marketSvc, engine, registry, recordRepo, lanes)
	orchestrator.SetLeaderboard(leaderboard)

	// 8. 强平监控
	// -------------------------------------------------------------------------
	monitor := liquidation.NewMonitor(manager, portfolios, marketSvc, engine, lanes)
	var natsSub *anats.Subscriber
	if natsPub != nil {
		monitor.SetPublisher(natsPub)
		natsSub, err = anats.NewSubscriber(cfg.NATS.URL, monitor.HandleEvent)
		if err != nil {
			log.Fatalf("[Main] nats subscriber: %v", err)
		}
		if err := natsSub.Subscribe(portfolio.SubjectLiquidationRequired); err != nil {
			log.Fatalf("[Main] subscribe %s: %v", portfolio.SubjectLiquidationRequired, err)
		}
	}

	// 9. 后台调度器
	// -------------------------------------------------------------------------
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Disabled {
		log.Println("[Main] scheduler disabled, API-only mode")
	} else {
		sched = scheduler.NewScheduler(manager, marketSvc, portfolios, monitor, orchestrator)
		sched.SetPriceInterval(cfg.Scheduler.PriceRefreshInterval())
		sched.SetMaxConcurrentRounds(cfg.Scheduler.MaxConcurrentRounds)
		if err := sched.Start(); err != nil {
			log.Fatalf("[Main] start scheduler: %v", err)
		}
	}

	// 10. REST API
	// -------------------------------------------------------------------------
	srv := api.NewServer(cfg.Server.APIKey, manager, leaderboard, portfolios, orderRepo, tradeRepo, recordRepo, orchestrator)
	srv.RegisterHealthCheck("mysql", func(ctx context.Context) error {
		return sqlDB.PingContext(ctx)
	})
	if rds != nil {
		rdsClient := rds
		srv.RegisterHealthCheck("redis", func(ctx context.Context) error {
			return rdsClient.Ping(ctx).Err()
		})
	}
	srv.Start(cfg.Server.Addr)
	log.Println("✅ Arena server up")

	// 11. 信号处理与关停
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 Shutting down...")

	// 先停入口再停循环，最后断连接
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("[Main] api shutdown: %v", err)
	}
	if sched != nil {
		sched.Stop()
	}
	if historyWriter != nil {
		if err := historyWriter.Stop(); err != nil {
			log.Printf("[Main] history writer stop: %v", err)
		}
	}
	if historyPub != nil {
		_ = historyPub.Close()
	}
	if natsSub != nil {
		_ = natsSub.Close()
	}
	if natsPub != nil {
		natsPub.Close()
	}
	if rds != nil {
		_ = rds.Close()
	}
	_ = sqlDB.Close()

	log.Println("[Main] bye")
}
