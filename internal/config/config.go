// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Chromem       ChromemConfig       `mapstructure:"chromem"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	LiveKit       LiveKitConfig       `mapstructure:"livekit"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	Mode         string   `mapstructure:"mode"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RequireToken bool     `mapstructure:"require_token"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// 可选的消息存储后端。
const (
	BackendFile          = "file"
	BackendRedis         = "redis"
	BackendElasticsearch = "elasticsearch"
	BackendChromem       = "chromem"
)

// MemoryConfig 存储会话记忆相关的配置。
type MemoryConfig struct {
	Backend        string `mapstructure:"backend"`
	FileDir        string `mapstructure:"file_dir"`
	ContextWindow  int    `mapstructure:"context_window"`
	RelevantTopK   int    `mapstructure:"relevant_top_k"`
	HistoryLimit   int    `mapstructure:"history_limit"`
	DeletePageSize int    `mapstructure:"delete_page_size"`
	AISender       string `mapstructure:"ai_sender"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// ChromemConfig 存储嵌入式向量库 chromem 的配置。Path 为空时仅驻留内存。
type ChromemConfig struct {
	Path       string `mapstructure:"path"`
	Compress   bool   `mapstructure:"compress"`
	Collection string `mapstructure:"collection"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	CacheSize  int64  `mapstructure:"cache_size"`
	// MaxInputRunes 是单条输入的最大字符数，超出部分被截断。
	MaxInputRunes     int `mapstructure:"max_input_runes"`
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider     string              `mapstructure:"provider"`
	APIKey       string              `mapstructure:"api_key"`
	BaseURL      string              `mapstructure:"base_url"`
	Model        string              `mapstructure:"model"`
	FallbackText string              `mapstructure:"fallback_text"`
	Generation   LLMGenerationConfig `mapstructure:"generation"`
	Prompt       LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules    string `mapstructure:"rules"`
	RefStart string `mapstructure:"ref_start"`
	RefEnd   string `mapstructure:"ref_end"`
}

// LiveKitConfig 存储音视频房间服务的配置。
type LiveKitConfig struct {
	URL               string `mapstructure:"url"`
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	EmptyTimeout      int    `mapstructure:"empty_timeout"`
	MaxParticipants   int    `mapstructure:"max_participants"`
	TokenTTLMinutes   int    `mapstructure:"token_ttl_minutes"`
	RoomCacheSeconds  int    `mapstructure:"room_cache_seconds"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_seconds"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ArchiveConfig 控制房间删除时的聊天记录归档。
type ArchiveConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MaxMessages      int  `mapstructure:"max_messages"`
	URLExpiryMinutes int  `mapstructure:"url_expiry_minutes"`
}

// setDefaults 为所有配置项设置默认值，环境变量覆盖依赖这些已知键。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.require_token", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("memory.backend", BackendFile)
	v.SetDefault("memory.file_dir", "./chat_history")
	v.SetDefault("memory.context_window", 10)
	v.SetDefault("memory.relevant_top_k", 5)
	v.SetDefault("memory.history_limit", 50)
	v.SetDefault("memory.delete_page_size", 1000)
	v.SetDefault("memory.ai_sender", "AI Assistant")

	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("elasticsearch.addresses", "http://localhost:9200")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index_name", "room_messages")

	v.SetDefault("chromem.path", "")
	v.SetDefault("chromem.compress", false)
	v.SetDefault("chromem.collection", "room_messages")

	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.max_input_runes", 8000)
	v.SetDefault("embedding.request_timeout_seconds", 30)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.fallback_text", "Sorry, I couldn't generate a response.")
	v.SetDefault("llm.generation.temperature", 0)
	v.SetDefault("llm.generation.top_p", 0)
	v.SetDefault("llm.generation.max_tokens", 1024)
	v.SetDefault("llm.prompt.rules", "You are a helpful AI chat assistant in a multi-user chat room. Respond helpfully and naturally.")
	v.SetDefault("llm.prompt.ref_start", "<<MEMORY>>")
	v.SetDefault("llm.prompt.ref_end", "<<END>>")

	v.SetDefault("livekit.url", "ws://localhost:7880")
	v.SetDefault("livekit.api_key", "")
	v.SetDefault("livekit.api_secret", "")
	v.SetDefault("livekit.empty_timeout", 300)
	v.SetDefault("livekit.max_participants", 10)
	v.SetDefault("livekit.token_ttl_minutes", 360)
	v.SetDefault("livekit.room_cache_seconds", 5)
	v.SetDefault("livekit.request_timeout_seconds", 10)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "room-archive")
	v.SetDefault("kafka.group_id", "roomchat-archive-consumer")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "room-archives")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.max_messages", 10000)
	v.SetDefault("archive.url_expiry_minutes", 60)
}

// Load 从指定路径读取 YAML 配置，叠加默认值与 ROOMCHAT_ 前缀的环境变量。
// path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROOMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
