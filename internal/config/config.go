package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Webhook    WebhookConfig    `mapstructure:"webhook" yaml:"webhook"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslmode,
	)
}

// RedisConfig 可选的 Redis Streams 事件源
type RedisConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Password       string `mapstructure:"password" yaml:"password"`
	DB             int    `mapstructure:"db" yaml:"db"`
	PoolSize       int    `mapstructure:"pool_size" yaml:"pool_size"`
	Stream         string `mapstructure:"stream" yaml:"stream"`
	Group          string `mapstructure:"group" yaml:"group"`
	Consumer       string `mapstructure:"consumer" yaml:"consumer"`
	ActivityStream string `mapstructure:"activity_stream" yaml:"activity_stream"` // create_activity 动作写入的 stream
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "autoflow"
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

// RateLimitingConfig 事件写入接口的按租户限流
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// AutomationConfig 规则引擎配置
type AutomationConfig struct {
	EventQueueSize     int           `mapstructure:"event_queue_size" yaml:"event_queue_size"`
	EventWorkers       int           `mapstructure:"event_workers" yaml:"event_workers"`
	ProcessTimeout     time.Duration `mapstructure:"process_timeout" yaml:"process_timeout"`
	ExecutionRetention int           `mapstructure:"execution_retention_days" yaml:"execution_retention_days"`
	PruneInterval      int           `mapstructure:"prune_interval_seconds" yaml:"prune_interval_seconds"`
	InvokeAPITimeout   time.Duration `mapstructure:"invoke_api_timeout" yaml:"invoke_api_timeout"`
}

// WebhookConfig 出站 webhook 投递配置
type WebhookConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxResponseBytes  int           `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	MaxErrorBytes     int           `mapstructure:"max_error_bytes" yaml:"max_error_bytes"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	RetrySweepSeconds int           `mapstructure:"retry_sweep_seconds" yaml:"retry_sweep_seconds"`
	RetryBatchSize    int           `mapstructure:"retry_batch_size" yaml:"retry_batch_size"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	DeliveryRetention int           `mapstructure:"delivery_retention_days" yaml:"delivery_retention_days"`
}

type SchedulerConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// Load 在默认配置之上合并 viper 读取到的配置
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "autoflow",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           6379,
			DB:             0,
			PoolSize:       10,
			Stream:         "events",
			Group:          "automation",
			Consumer:       "autoflow-1",
			ActivityStream: "activities",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/autoflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "autoflow",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Automation: AutomationConfig{
			EventQueueSize:     1024,
			EventWorkers:       4,
			ProcessTimeout:     30 * time.Second,
			ExecutionRetention: 90,
			PruneInterval:      24 * 3600,
			InvokeAPITimeout:   15 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:           30 * time.Second,
			MaxResponseBytes:  1000,
			MaxErrorBytes:     500,
			MaxRetryDelay:     time.Hour,
			RetrySweepSeconds: 30,
			RetryBatchSize:    100,
			QueueSize:         512,
			Workers:           4,
			DeliveryRetention: 30,
		},
		Scheduler: SchedulerConfig{
			StopTimeout: 30 * time.Second,
		},
	}
}
