package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-guardian/internal/common/config"
)

// Config 通话守护服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 守护服务特定配置
	Guardian struct {
		// 分析节奏
		AnalyzeInterval time.Duration // 增量触发的最小分析间隔，默认 30秒
		ForcedInterval  time.Duration // 周期强制分析间隔，默认 10秒

		SpeakerWindow       int           // 说话人识别上下文窗口（条），默认 10
		CollaboratorTimeout time.Duration // 单次外部调用超时，默认 20秒
		TombstoneRetention  time.Duration // 已结束通话的保留时长，默认 10分钟

		// 快照导出
		Snapshot struct {
			Dir       string        // 文件快照目录，为空则不写文件
			KeyPrefix string        // Redis 快照键前缀，如 "guardian:call:"
			TTL       time.Duration // Redis 快照 TTL，默认 1小时
		}

		// 片段输入流（Redis Streams）
		Stream struct {
			Name         string
			Group        string
			Consumer     string
			BatchSize    int64
			BlockTimeout time.Duration

			RetryInterval time.Duration // 未确认消息重新投递的间隔，默认 5秒
			MaxDeliveries int           // 单条消息最多处理次数，超过后确认并丢弃
			MaxInFlight   int64         // 同时处理中的消息上限
		}

		// 副作用
		Report struct {
			Stream    string // 举报请求输出流
			Authority string // ftc / ic3 / donotcall
		}
		Alert struct {
			Topic        string // 家属告警 MQTT 主题
			FamilyNumber string // 家属号码，为空则不发送
		}
		ReportDir string // xlsx 通话报告目录，为空则不生成
	}

	// OpenAI 兼容接口
	LLM struct {
		BaseURL string
		APIKey  string
		Model   string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DefaultDatabaseConfig()
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", cfg.Database.MaxIdle)

	cfg.Redis = config.DefaultRedisConfig()
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 0)

	cfg.MQTT = config.DefaultMQTTConfig("wisefido-guardian")
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.KeepAlive = getEnvSeconds("MQTT_KEEPALIVE", int(cfg.MQTT.KeepAlive/time.Second))

	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if err := cfg.Redis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if err := cfg.MQTT.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	g := &cfg.Guardian
	g.AnalyzeInterval = getEnvSeconds("GUARDIAN_ANALYZE_INTERVAL", 30)
	g.ForcedInterval = getEnvSeconds("GUARDIAN_FORCED_INTERVAL", 10)
	g.SpeakerWindow = getEnvInt("GUARDIAN_SPEAKER_WINDOW", 10)
	g.CollaboratorTimeout = getEnvSeconds("GUARDIAN_COLLABORATOR_TIMEOUT", 20)
	g.TombstoneRetention = getEnvSeconds("GUARDIAN_TOMBSTONE_RETENTION", 600)

	g.Snapshot.Dir = getEnv("GUARDIAN_SNAPSHOT_DIR", "./data/snapshots")
	g.Snapshot.KeyPrefix = getEnv("GUARDIAN_SNAPSHOT_PREFIX", "guardian:call:")
	g.Snapshot.TTL = getEnvSeconds("GUARDIAN_SNAPSHOT_TTL", 3600)

	g.Stream.Name = getEnv("GUARDIAN_STREAM", "guardian:fragments")
	g.Stream.Group = getEnv("GUARDIAN_CONSUMER_GROUP", "guardian-group")
	g.Stream.Consumer = getEnv("GUARDIAN_CONSUMER_NAME", "guardian-1")
	g.Stream.BatchSize = int64(getEnvInt("GUARDIAN_STREAM_BATCH", 20))
	g.Stream.BlockTimeout = time.Duration(getEnvInt("GUARDIAN_POLL_BLOCK_MS", 1000)) * time.Millisecond
	g.Stream.RetryInterval = getEnvSeconds("GUARDIAN_EVENT_RETRY_INTERVAL", 5)
	g.Stream.MaxDeliveries = getEnvInt("GUARDIAN_EVENT_MAX_DELIVERIES", 5)
	g.Stream.MaxInFlight = int64(getEnvInt("GUARDIAN_EVENT_MAX_IN_FLIGHT", 256))

	g.Report.Stream = getEnv("GUARDIAN_REPORT_STREAM", "guardian:authority-reports")
	g.Report.Authority = getEnv("GUARDIAN_REPORT_AUTHORITY", "donotcall")
	g.Alert.Topic = getEnv("GUARDIAN_ALERT_TOPIC", "guardian/alerts/family")
	g.Alert.FamilyNumber = getEnv("GUARDIAN_FAMILY_NUMBER", "")
	g.ReportDir = getEnv("GUARDIAN_REPORT_DIR", "")

	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", "https://api.openai.com/v1")
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", "")
	cfg.LLM.Model = getEnv("LLM_MODEL", "gpt-4o-mini")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 非法或非正数值回退到默认值
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
