// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/wyfcoding/backoffice/pkg/db"
	"github.com/wyfcoding/backoffice/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database db.Config `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// Addr 返回监听地址
func (c HTTPConfig) Addr() string {
	host := c.Host
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	GroupID      string   `mapstructure:"group_id"`
	PriceTopic   string   `mapstructure:"price_topic"`
	MaxRetries   int      `mapstructure:"max_retries"`
	RetryBackoff int      `mapstructure:"retry_backoff"`
}

// Load 从指定路径加载 TOML 配置，环境变量以 BACKOFFICE_ 前缀覆盖同名配置项。
// 路径为空时依次尝试 ./configs/config.toml 和 ./config.toml。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BACKOFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件缺失时允许完全依赖环境变量与默认值
	}

	cfg := &Config{}
	setDefaults(v)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// DSN 允许通过环境变量单独覆盖，避免凭证落入配置文件
	if dsn := os.Getenv("BACKOFFICE_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "backoffice")
	v.SetDefault("environment", "dev")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15)
	v.SetDefault("http.write_timeout", 15)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "root:password@tcp(127.0.0.1:3306)/backoffice?charset=utf8mb4&parseTime=True&loc=Local")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 200)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.group_id", "backoffice")
	v.SetDefault("kafka.price_topic", "market.prices")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
}
