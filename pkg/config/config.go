package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config 应用配置
type Config struct {
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Detector DetectorConfig `yaml:"detector"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Server   ServerConfig   `yaml:"server"`
}

// OpenAIConfig OpenAI 配置
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	ClassifyModel  string `yaml:"classify_model"`  // 分类模型，默认 gpt-4o-mini
	EmbeddingModel string `yaml:"embedding_model"` // 向量模型，默认 text-embedding-3-small
}

// DetectorConfig 广告检测参数
// 所有阈值显式注入各组件，便于测试时替换
type DetectorConfig struct {
	WindowSize      float64 `yaml:"window_size"`       // 窗口长度（秒），默认 12
	WindowOverlap   float64 `yaml:"window_overlap"`    // 相邻窗口重叠（秒），默认 4
	BatchSize       int     `yaml:"batch_size"`        // 每批分类的窗口数，默认 20
	MinAdDuration   float64 `yaml:"min_ad_duration"`   // 广告段最短时长（秒），默认 5
	MergeGap        float64 `yaml:"merge_gap"`         // 区间合并允许的间隙（秒），默认 2
	MaxRetries      int     `yaml:"max_retries"`       // 可重试步骤的最大重试次数，默认 3
	ChunkDuration   int     `yaml:"chunk_duration"`    // 音频分片时长（秒），默认 600
	ChunkWorkers    int     `yaml:"chunk_workers"`     // 转录分片的并发数，默认 3
	WorkerPoolSize  int     `yaml:"worker_pool_size"`  // 流水线 Worker 数量，默认 2
	StepTimeoutSecs int     `yaml:"step_timeout_secs"` // 单步超时（秒），默认 600
	Language        string  `yaml:"language"`          // 转录语言，留空自动检测
	WorkDir         string  `yaml:"work_dir"`          // 音频下载/分片的工作目录
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type        string `yaml:"type"`         // memory 或 postgres
	PostgresDSN string `yaml:"postgres_dsn"` // postgres 连接串
	RedisAddr   string `yaml:"redis_addr"`   // 转录缓存用 Redis 地址，留空禁用缓存
	RedisDB     int    `yaml:"redis_db"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	Type       string         `yaml:"type"` // memory 或 rabbitmq
	BufferSize int            `yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &config, nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here" {
		return fmt.Errorf("请在配置文件中设置有效的 OpenAI API Key")
	}
	if c.OpenAI.ClassifyModel == "" {
		c.OpenAI.ClassifyModel = "gpt-4o-mini"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Detector.WindowSize <= 0 {
		c.Detector.WindowSize = 12
	}
	if c.Detector.WindowOverlap <= 0 {
		c.Detector.WindowOverlap = 4
	}
	if c.Detector.WindowOverlap >= c.Detector.WindowSize {
		return fmt.Errorf("窗口重叠 (%.1f) 必须小于窗口长度 (%.1f)",
			c.Detector.WindowOverlap, c.Detector.WindowSize)
	}
	if c.Detector.BatchSize <= 0 {
		c.Detector.BatchSize = 20
	}
	if c.Detector.MinAdDuration <= 0 {
		c.Detector.MinAdDuration = 5
	}
	if c.Detector.MergeGap <= 0 {
		c.Detector.MergeGap = 2
	}
	if c.Detector.MaxRetries <= 0 {
		c.Detector.MaxRetries = 3
	}
	if c.Detector.ChunkDuration <= 0 {
		c.Detector.ChunkDuration = 600
	}
	if c.Detector.ChunkWorkers <= 0 {
		c.Detector.ChunkWorkers = 3
	}
	if c.Detector.WorkerPoolSize <= 0 {
		c.Detector.WorkerPoolSize = 2
	}
	if c.Detector.StepTimeoutSecs <= 0 {
		c.Detector.StepTimeoutSecs = 600
	}
	if c.Detector.WorkDir == "" {
		c.Detector.WorkDir = "work"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 100
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}

	return nil
}
