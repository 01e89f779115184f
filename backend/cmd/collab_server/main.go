package main

import (
	"fmt"
	"log"
	"time"

	"context"
	"database/sql"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Collab struct {
		HistoryCap             int `mapstructure:"historyCap"`
		DeferTTLSeconds        int `mapstructure:"deferTtlSeconds"`
		LockTTLSeconds         int `mapstructure:"lockTtlSeconds"`
		PresenceTimeoutSeconds int `mapstructure:"presenceTimeoutSeconds"`
		SweepIntervalSeconds   int `mapstructure:"sweepIntervalSeconds"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	dsn := cfg.Mysql.DSN

	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gdb, err := store.InitMySQL(dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database (gorm): %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub()
	snapshotStore := store.NewSnapshotStore(db)
	documentStore, err := store.NewDocumentStore(gdb)
	if err != nil {
		log.Fatalf("Failed to migrate document store: %v", err)
	}

	kafkaSem := collab.NewSemaphoreControl(8)
	wsSem := collab.NewSemaphoreControl(100)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	// 先于 producer.Close 执行（defer 后进先出），把队列里的事件发完
	defer kafkaDispatcher.Close()
	kafkaNotifier := collab.NewKafkaNotifier(kafkaDispatcher, 200*time.Millisecond)

	// 事件双路出站：房间内 WebSocket 广播 + Kafka 供其它服务消费
	notifier := collab.MultiNotifier{hub, kafkaNotifier}

	svc := collab.NewRegistry(notifier, snapshotStore, documentStore, collab.RegistryOptions{
		HistoryCap: cfg.Collab.HistoryCap,
		DeferTTL:   time.Duration(cfg.Collab.DeferTTLSeconds) * time.Second,
		LockTTL:    time.Duration(cfg.Collab.LockTTLSeconds) * time.Second,
	})
	manager := ws.NewManager(hub, svc, wsSem, presenceCache)
	sessions := handlers.NewSessionHandler(svc)

	// 周期性维护：锁过期、deferred 超时、离线参与者清理
	sweepInterval := time.Duration(cfg.Collab.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	presenceTimeout := time.Duration(cfg.Collab.PresenceTimeoutSeconds) * time.Second
	if presenceTimeout <= 0 {
		presenceTimeout = 120 * time.Second
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for now := range ticker.C {
			ctx := context.Background()
			svc.ExpireLocks(ctx, now)
			svc.RetryDeferred(ctx, now)
			svc.PruneStale(ctx, presenceTimeout)
		}
	}()

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	corsCfg.AllowCredentials = true
	r.Use(cors.New(corsCfg))

	// 路由
	grp := r.Group("/collab")
	grp.GET("/ws", manager.WebSocketConnect)
	grp.POST("/sessions", sessions.CreateSession)
	grp.GET("/sessions/:sessionID", sessions.GetSession)
	grp.GET("/sessions/:sessionID/changes", sessions.GetChangesSince)
	grp.DELETE("/sessions/:sessionID", sessions.CloseSession)
	grp.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
