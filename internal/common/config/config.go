package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置（诈骗号码库与通话归档）
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MaxIdle         int
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// RedisConfig Redis配置（事件流、快照、工具状态）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int // 0 使用 go-redis 默认值
}

// MQTTConfig MQTT配置（家属告警）
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// DefaultDatabaseConfig 本地开发默认值
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "guardian",
		SSLMode:         "disable",
		MaxConns:        10,
		MaxIdle:         2,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// DefaultRedisConfig 本地开发默认值
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// DefaultMQTTConfig 本地开发默认值，告警使用 QoS 1
func DefaultMQTTConfig(clientID string) MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       clientID,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedactedDSN 用于日志的连接串（不含密码）
func (c *DatabaseConfig) RedactedDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
}

// Validate 检查必填项
func (c *DatabaseConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	switch c.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		errs = append(errs, fmt.Errorf("unknown sslmode %q", c.SSLMode))
	}
	if c.MaxIdle > c.MaxConns && c.MaxConns > 0 {
		errs = append(errs, fmt.Errorf("max idle %d exceeds max conns %d", c.MaxIdle, c.MaxConns))
	}
	return errors.Join(errs...)
}

// Validate 检查必填项
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db %d must not be negative", c.DB)
	}
	return nil
}

// Validate broker 必须带 tcp/ssl/ws/wss 协议头
func (c *MQTTConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.Broker)
	if err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid broker %q", c.Broker))
	} else {
		switch strings.ToLower(u.Scheme) {
		case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
		default:
			errs = append(errs, fmt.Errorf("unsupported broker scheme %q", u.Scheme))
		}
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos %d must be 0, 1 or 2", c.QoS))
	}
	return errors.Join(errs...)
}
