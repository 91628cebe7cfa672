// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"roomchat-go/internal/config"
	"roomchat-go/internal/handler"
	"roomchat-go/internal/middleware"
	"roomchat-go/internal/pipeline"
	"roomchat-go/internal/repository"
	"roomchat-go/internal/service"
	"roomchat-go/pkg/database"
	"roomchat-go/pkg/embedding"
	"roomchat-go/pkg/es"
	"roomchat-go/pkg/kafka"
	"roomchat-go/pkg/livekit"
	"roomchat-go/pkg/llm"
	"roomchat-go/pkg/log"
	"roomchat-go/pkg/storage"
	"roomchat-go/pkg/token"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/philippgille/chromem-go"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("ROOMCHAT_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 后台任务（Kafka 消费者）随 rootCtx 一起停止
	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 3. 初始化 Redis（redis 存储后端和归档重试计数共用）
	var rdb *redis.Client
	if cfg.Memory.Backend == config.BackendRedis || cfg.Archive.Enabled {
		var err error
		rdb, err = database.InitRedis(cfg.Database.Redis)
		if err != nil {
			if cfg.Memory.Backend == config.BackendRedis {
				log.Fatal("Redis 初始化失败", err)
			}
			log.Warnf("Redis 不可用，归档任务的重试次数只在进程内计数: %v", err)
			rdb = nil
		}
	}

	// 4. 初始化消息存储
	messageRepo, err := newMessageRepository(cfg, rdb)
	if err != nil {
		log.Fatal("消息存储初始化失败", err)
	}
	log.Infof("消息存储后端: %s", cfg.Memory.Backend)

	// 5. 初始化 Service (依赖注入)
	memoryService := service.NewMemoryService(messageRepo, cfg.Memory)
	llmClient := llm.NewClient(cfg.LLM)
	chatService := service.NewChatService(memoryService, llmClient, cfg.LLM, cfg.Memory)

	tokenManager := token.NewAccessTokenManager(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, time.Duration(cfg.LiveKit.TokenTTLMinutes)*time.Minute)
	livekitClient := livekit.NewClient(cfg.LiveKit, tokenManager)

	// 6. 可选：房间删除时归档聊天记录 (Kafka -> MinIO -> MySQL)
	var archiveService service.ArchiveService
	if cfg.Archive.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()

		objectStore, err := storage.InitMinIO(cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			log.Fatal("MySQL 初始化失败", err)
		}
		archiveRepo := repository.NewArchiveRepository(db)
		archiveService = service.NewArchiveService(memoryService, producer, archiveRepo, objectStore, cfg.Archive)

		// 启动后台 Kafka 消费者
		processor := pipeline.NewProcessor(objectStore, archiveRepo)
		go kafka.StartConsumer(rootCtx, cfg.Kafka, processor, rdb)
	}
	roomService := service.NewRoomService(livekitClient, tokenManager, memoryService, archiveService, cfg.LiveKit)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	handler.RegisterRoutes(r, handler.Handlers{
		Chat:   handler.NewChatHandler(chatService),
		Room:   handler.NewRoomHandler(roomService),
		Memory: handler.NewMemoryHandler(memoryService, archiveService, cfg.Memory.HistoryLimit),
	}, middleware.ParticipantAuth(tokenManager, cfg.Server.RequireToken))

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: middleware.CORS(cfg.Server.CORSOrigins)(r),
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stopBackground()
	log.Info("服务已优雅关闭")
}

// newMessageRepository 按配置选择消息存储后端。语义后端共用一个带缓存的 Embedding 客户端。
func newMessageRepository(cfg config.Config, rdb *redis.Client) (repository.MessageRepository, error) {
	switch cfg.Memory.Backend {
	case config.BackendFile, "":
		return repository.NewFileMessageRepository(cfg.Memory.FileDir)
	case config.BackendRedis:
		return repository.NewRedisMessageRepository(rdb), nil
	case config.BackendElasticsearch:
		embedder, err := embedding.NewCachedClient(embedding.NewClient(cfg.Embedding), cfg.Embedding.CacheSize)
		if err != nil {
			return nil, err
		}
		esClient, err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		return repository.NewESMessageRepository(esClient, embedder, cfg.Elasticsearch.IndexName, cfg.Memory.DeletePageSize), nil
	case config.BackendChromem:
		embedder, err := embedding.NewCachedClient(embedding.NewClient(cfg.Embedding), cfg.Embedding.CacheSize)
		if err != nil {
			return nil, err
		}
		db := chromem.NewDB()
		if cfg.Chromem.Path != "" {
			db, err = chromem.NewPersistentDB(cfg.Chromem.Path, cfg.Chromem.Compress)
			if err != nil {
				return nil, fmt.Errorf("打开 chromem 数据目录失败: %w", err)
			}
		}
		return repository.NewChromemMessageRepository(db, cfg.Chromem.Collection, embedder)
	default:
		return nil, fmt.Errorf("未知的消息存储后端: %s", cfg.Memory.Backend)
	}
}
