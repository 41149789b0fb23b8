package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"

	"github.com/scarlson1/castaway-sub000/pkg/classifier"
	"github.com/scarlson1/castaway-sub000/pkg/config"
	"github.com/scarlson1/castaway-sub000/pkg/embedding"
	"github.com/scarlson1/castaway-sub000/pkg/models"
	"github.com/scarlson1/castaway-sub000/pkg/pipeline"
	"github.com/scarlson1/castaway-sub000/pkg/queue"
	"github.com/scarlson1/castaway-sub000/pkg/storage"
	"github.com/scarlson1/castaway-sub000/pkg/transcriber"
	"github.com/scarlson1/castaway-sub000/pkg/worker"
)

// App 应用上下文
type App struct {
	config      *config.Config
	jobs        storage.JobStore
	transcripts storage.TranscriptStore
	segments    storage.SegmentStore
	episodes    storage.EpisodeStore
	queue       queue.Queue
	orch        *pipeline.Orchestrator
	workers     []*worker.Worker
}

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Println("✓ 配置加载成功")

	app := &App{config: cfg}

	// 2. 初始化存储
	if err := app.setupStorage(); err != nil {
		log.Fatalf("❌ 初始化存储失败: %v", err)
	}

	// 3. 初始化队列
	if err := app.setupQueue(); err != nil {
		log.Fatalf("❌ 初始化队列失败: %v", err)
	}

	// 4. 初始化 OpenAI 相关客户端
	oc := openai.NewClient(cfg.OpenAI.APIKey)

	engine := transcriber.NewEngine(
		cfg.OpenAI.APIKey,
		cfg.Detector.ChunkWorkers,
		cfg.Detector.ChunkDuration,
		cfg.Detector.WorkDir,
	)
	classifierClient := classifier.NewClient(oc, cfg.OpenAI.ClassifyModel)
	embedder := embedding.NewClient(oc, cfg.OpenAI.EmbeddingModel)
	log.Println("✓ 转录/分类/向量客户端初始化成功")

	// 5. 初始化调度器
	app.orch = pipeline.NewOrchestrator(
		pipeline.Config{
			WindowSize:    cfg.Detector.WindowSize,
			WindowOverlap: cfg.Detector.WindowOverlap,
			BatchSize:     cfg.Detector.BatchSize,
			MinAdDuration: cfg.Detector.MinAdDuration,
			MergeGap:      cfg.Detector.MergeGap,
			Language:      cfg.Detector.Language,
		},
		app.jobs, app.transcripts, app.segments, app.episodes,
		engine, classifierClient, embedder,
		app.queue,
	)

	// 6. 启动 Worker 池
	stepTimeout := time.Duration(cfg.Detector.StepTimeoutSecs) * time.Second
	for i := 0; i < cfg.Detector.WorkerPoolSize; i++ {
		w := worker.NewWorker(i, app.queue, app.orch, cfg.Detector.MaxRetries, stepTimeout)
		w.Start()
		app.workers = append(app.workers, w)
	}
	log.Printf("✓ 已启动 %d 个 Worker", cfg.Detector.WorkerPoolSize)

	// 7. 启动 HTTP 服务器
	router := app.setupRouter()
	port := fmt.Sprintf(":%d", cfg.Server.Port)

	log.Printf("🚀 Castaway 广告检测服务启动在 http://localhost:%d", cfg.Server.Port)
	log.Printf("📝 配置信息:")
	log.Printf("   - 窗口长度/重叠: %.0fs / %.0fs", cfg.Detector.WindowSize, cfg.Detector.WindowOverlap)
	log.Printf("   - 分类批大小: %d", cfg.Detector.BatchSize)
	log.Printf("   - 队列类型: %s", cfg.Queue.Type)
	log.Printf("   - 存储类型: %s", cfg.Storage.Type)

	go func() {
		if err := router.Run(port); err != nil {
			log.Fatalf("❌ 服务器启动失败: %v", err)
		}
	}()

	// 8. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")
	for _, w := range app.workers {
		w.Stop()
	}
	app.queue.Close()
	app.jobs.Close()
	app.transcripts.Close()
	log.Println("✓ 服务器已关闭")
}

// setupStorage 按配置初始化存储
func (app *App) setupStorage() error {
	switch app.config.Storage.Type {
	case "memory":
		mem := storage.NewMemoryStore()
		app.jobs = mem
		app.transcripts = mem
		app.segments = mem
		app.episodes = mem
		log.Println("✓ 使用内存存储")
	case "postgres":
		pg, err := storage.NewPostgresStore(app.config.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		app.jobs = pg
		app.segments = pg
		app.episodes = pg
		app.transcripts = pg
		log.Println("✓ 使用 PostgreSQL 存储")

		// Redis 转录缓存（可选）
		if app.config.Storage.RedisAddr != "" {
			cached, err := storage.NewCachedTranscriptStore(
				app.config.Storage.RedisAddr,
				app.config.Storage.RedisDB,
				pg,
				7*24*time.Hour,
			)
			if err != nil {
				return err
			}
			app.transcripts = cached
			log.Println("✓ 转录缓存已启用 (Redis)")
		}
	default:
		return fmt.Errorf("不支持的存储类型: %s", app.config.Storage.Type)
	}

	return nil
}

// setupQueue 按配置初始化队列
func (app *App) setupQueue() error {
	switch app.config.Queue.Type {
	case "memory":
		app.queue = queue.NewMemoryQueue(app.config.Queue.BufferSize)
		log.Println("✓ 使用内存队列")
	case "rabbitmq":
		q, err := queue.NewRabbitMQQueue(
			app.config.Queue.RabbitMQ.URL,
			app.config.Queue.RabbitMQ.QueueName,
			app.config.Detector.WorkerPoolSize,
		)
		if err != nil {
			return err
		}
		app.queue = q
	default:
		return fmt.Errorf("不支持的队列类型: %s", app.config.Queue.Type)
	}

	return nil
}

// setupRouter 设置路由
func (app *App) setupRouter() *gin.Engine {
	r := gin.Default()

	api := r.Group("/api")
	{
		api.GET("/ping", app.handlePing)
		api.POST("/episodes", app.handleRegisterEpisode)                    // 登记单集元信息
		api.POST("/episodes/:episode_id/detect", app.handleDetect)          // 触发广告检测
		api.GET("/episodes/:episode_id/segments", app.handleListSegments)   // 查询广告段
		api.GET("/jobs/:job_id", app.handleGetJob)                          // 获取任务状态
		api.GET("/jobs", app.handleListJobs)                                // 列出所有任务
	}

	return r
}

// handlePing 健康检查
func (app *App) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"version": "0.1.0",
	})
}

// RegisterEpisodeRequest 登记单集的请求
type RegisterEpisodeRequest struct {
	EpisodeID string `json:"episode_id" binding:"required"`
	PodcastID string `json:"podcast_id" binding:"required"`
	Title     string `json:"title"`
	AudioURL  string `json:"audio_url" binding:"required"`
}

// handleRegisterEpisode 登记单集元信息
// 目录摄取由外部服务负责，这里只提供最小登记入口
func (app *App) handleRegisterEpisode(c *gin.Context) {
	var req RegisterEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	episode := &models.Episode{
		EpisodeID: req.EpisodeID,
		PodcastID: req.PodcastID,
		Title:     req.Title,
		AudioURL:  req.AudioURL,
	}
	if err := app.episodes.SaveEpisode(episode); err != nil {
		c.JSON(500, gin.H{"error": "保存单集失败"})
		return
	}

	c.JSON(200, episode)
}

// handleDetect 触发单集的广告检测
func (app *App) handleDetect(c *gin.Context) {
	episodeID := c.Param("episode_id")

	job, err := app.orch.StartDetection(episodeID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEpisodeNotFound):
			c.JSON(404, gin.H{"error": "单集不存在"})
		case errors.Is(err, storage.ErrActiveJobExists):
			c.JSON(409, gin.H{"error": "该单集已有进行中的检测任务"})
		default:
			c.JSON(500, gin.H{"error": fmt.Sprintf("创建检测任务失败: %v", err)})
		}
		return
	}

	c.JSON(200, gin.H{
		"job_id":     job.JobID,
		"episode_id": job.EpisodeID,
		"status":     job.Status,
		"message":    "检测任务已创建，正在处理中...",
	})
}

// handleGetJob 获取任务状态
func (app *App) handleGetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := app.jobs.GetJob(jobID)
	if err != nil {
		c.JSON(404, gin.H{"error": "任务不存在"})
		return
	}

	c.JSON(200, job)
}

// handleListJobs 列出所有任务
func (app *App) handleListJobs(c *gin.Context) {
	jobs, err := app.jobs.ListJobs()
	if err != nil {
		c.JSON(500, gin.H{"error": "查询任务列表失败"})
		return
	}

	c.JSON(200, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// handleListSegments 查询单集的广告段
func (app *App) handleListSegments(c *gin.Context) {
	episodeID := c.Param("episode_id")

	segments, err := app.segments.SegmentsByEpisode(episodeID)
	if err != nil {
		c.JSON(500, gin.H{"error": "查询广告段失败"})
		return
	}

	c.JSON(200, gin.H{
		"episode_id": episodeID,
		"segments":   segments,
		"total":      len(segments),
	})
}
