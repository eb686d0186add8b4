package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "QUICKY"

	defaultHTTPAddress   = "0.0.0.0:8000"
	defaultDatabasePath  = "quicky.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultTokenIssuer   = "quicky-auth"
	defaultTokenAudience = "quicky-api"

	defaultAdmissionCapacity = 10
	defaultAdmissionDrain    = time.Second

	defaultQueueDriver      = QueueDriverEmbedded
	defaultQueueTopic       = "_MESSAGES"
	defaultQueueGroup       = "chat-group"
	defaultQueueDataDir     = "quicky-log"
	defaultQueuePartitions  = 4
	defaultQueueOrderingKey = OrderingKeyParticipants
	defaultQueueTrimEvery   = time.Minute

	defaultConsumerBackoff     = 60 * time.Second
	defaultConsumerMaxAttempts = 5

	defaultCacheDriver      = CacheDriverMemory
	defaultCacheChatsTTL    = 5 * time.Second
	defaultCacheMessagesTTL = 5 * time.Second
	defaultCacheProfileTTL  = 60 * time.Second

	defaultRealtimePingInterval = 25 * time.Second
	defaultRealtimePingTimeout  = 60 * time.Second
)

const (
	QueueDriverEmbedded = "embedded"
	QueueDriverKafka    = "kafka"

	OrderingKeyParticipants = "participants"
	OrderingKeyNone         = "none"

	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	Auth      AuthConfig
	Admission AdmissionConfig
	Queue     QueueConfig
	Consumer  ConsumerConfig
	Cache     CacheConfig
	Realtime  RealtimeConfig
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
}

type AdmissionConfig struct {
	Capacity      int
	DrainInterval time.Duration
}

// QueueConfig selects the durable log backing the producer and consumer.
// OrderingKey is an explicit choice: "participants" keys every record by the
// chat's participant pair so same-chat events share a partition, "none" leaves
// records unkeyed and gives up per-chat ordering.
type QueueConfig struct {
	Driver      string
	Topic       string
	Group       string
	Brokers     []string
	DataDir     string
	Partitions  int
	OrderingKey string

	// TrimInterval is how often the embedded log drops committed records.
	// Zero disables trimming.
	TrimInterval time.Duration
}

type ConsumerConfig struct {
	Enabled     bool
	Backoff     time.Duration
	MaxAttempts int
}

type CacheConfig struct {
	Driver       string
	RedisAddress string
	ChatsTTL     time.Duration
	MessagesTTL  time.Duration
	ProfileTTL   time.Duration
}

type RealtimeConfig struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)

	configViper.SetDefault("admission.capacity", defaultAdmissionCapacity)
	configViper.SetDefault("admission.drain_interval", defaultAdmissionDrain)

	configViper.SetDefault("queue.driver", defaultQueueDriver)
	configViper.SetDefault("queue.topic", defaultQueueTopic)
	configViper.SetDefault("queue.group", defaultQueueGroup)
	configViper.SetDefault("queue.brokers", []string{})
	configViper.SetDefault("queue.data_dir", defaultQueueDataDir)
	configViper.SetDefault("queue.partitions", defaultQueuePartitions)
	configViper.SetDefault("queue.ordering_key", defaultQueueOrderingKey)
	configViper.SetDefault("queue.trim_interval", defaultQueueTrimEvery)

	configViper.SetDefault("consumer.enabled", true)
	configViper.SetDefault("consumer.backoff", defaultConsumerBackoff)
	configViper.SetDefault("consumer.max_attempts", defaultConsumerMaxAttempts)

	configViper.SetDefault("cache.driver", defaultCacheDriver)
	configViper.SetDefault("cache.redis_address", "")
	configViper.SetDefault("cache.chats_ttl", defaultCacheChatsTTL)
	configViper.SetDefault("cache.messages_ttl", defaultCacheMessagesTTL)
	configViper.SetDefault("cache.profile_ttl", defaultCacheProfileTTL)

	configViper.SetDefault("realtime.ping_interval", defaultRealtimePingInterval)
	configViper.SetDefault("realtime.ping_timeout", defaultRealtimePingTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
		},
		Admission: AdmissionConfig{
			Capacity:      configViper.GetInt("admission.capacity"),
			DrainInterval: configViper.GetDuration("admission.drain_interval"),
		},
		Queue: QueueConfig{
			Driver:      strings.ToLower(strings.TrimSpace(configViper.GetString("queue.driver"))),
			Topic:       configViper.GetString("queue.topic"),
			Group:       configViper.GetString("queue.group"),
			Brokers:     configViper.GetStringSlice("queue.brokers"),
			DataDir:     configViper.GetString("queue.data_dir"),
			Partitions:  configViper.GetInt("queue.partitions"),
			OrderingKey: strings.ToLower(strings.TrimSpace(configViper.GetString("queue.ordering_key"))),

			TrimInterval: configViper.GetDuration("queue.trim_interval"),
		},
		Consumer: ConsumerConfig{
			Enabled:     configViper.GetBool("consumer.enabled"),
			Backoff:     configViper.GetDuration("consumer.backoff"),
			MaxAttempts: configViper.GetInt("consumer.max_attempts"),
		},
		Cache: CacheConfig{
			Driver:       strings.ToLower(strings.TrimSpace(configViper.GetString("cache.driver"))),
			RedisAddress: configViper.GetString("cache.redis_address"),
			ChatsTTL:     configViper.GetDuration("cache.chats_ttl"),
			MessagesTTL:  configViper.GetDuration("cache.messages_ttl"),
			ProfileTTL:   configViper.GetDuration("cache.profile_ttl"),
		},
		Realtime: RealtimeConfig{
			PingInterval: configViper.GetDuration("realtime.ping_interval"),
			PingTimeout:  configViper.GetDuration("realtime.ping_timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Admission.Capacity <= 0 {
		return fmt.Errorf("admission.capacity must be positive")
	}
	if c.Admission.DrainInterval <= 0 {
		return fmt.Errorf("admission.drain_interval must be positive")
	}
	if strings.TrimSpace(c.Queue.Topic) == "" {
		return fmt.Errorf("queue.topic is required")
	}
	switch c.Queue.Driver {
	case QueueDriverEmbedded:
		if strings.TrimSpace(c.Queue.DataDir) == "" {
			return fmt.Errorf("queue.data_dir is required for the embedded driver")
		}
		if c.Queue.Partitions <= 0 {
			return fmt.Errorf("queue.partitions must be positive")
		}
		if c.Queue.TrimInterval < 0 {
			return fmt.Errorf("queue.trim_interval must not be negative")
		}
	case QueueDriverKafka:
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("queue.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	switch c.Queue.OrderingKey {
	case OrderingKeyParticipants, OrderingKeyNone:
	default:
		return fmt.Errorf("queue.ordering_key %q is not supported", c.Queue.OrderingKey)
	}
	if c.Consumer.Backoff <= 0 {
		return fmt.Errorf("consumer.backoff must be positive")
	}
	if c.Consumer.MaxAttempts < 0 {
		return fmt.Errorf("consumer.max_attempts must not be negative")
	}
	switch c.Cache.Driver {
	case CacheDriverMemory:
	case CacheDriverRedis:
		if strings.TrimSpace(c.Cache.RedisAddress) == "" {
			return fmt.Errorf("cache.redis_address is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver %q is not supported", c.Cache.Driver)
	}
	return nil
}
