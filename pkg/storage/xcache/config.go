package xcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultLoaderTimeout 全局加载许可的默认等待时间。
	DefaultLoaderTimeout = 5 * time.Minute

	// DefaultKeyLockTimeout 单 key 读写锁的默认等待时间。
	DefaultKeyLockTimeout = 5 * time.Minute

	// DefaultKeyLockCapacity 空闲 key 锁单元的默认上限。
	DefaultKeyLockCapacity = 10000
)

// Format 定义配置数据格式。
type Format string

const (
	// FormatYAML YAML 格式。
	FormatYAML Format = "yaml"
	// FormatJSON JSON 格式。
	FormatJSON Format = "json"
)

// Config 定义 LoadingCache 的标量配置，可以直接构造，也可以通过 LoadConfig 从 YAML/JSON 加载。
//
// 等待时间的语义一致：
//   - 0：不等待，获取不到立即返回 ErrLockTimeout
//   - 负数：一直等待，直到获得许可或 ctx 结束
//   - 正数：最多等待该时长
//
// 推荐从 DefaultConfig 开始修改，零值 Config 无法通过校验。
type Config struct {
	// Name 缓存名称，用于日志、指标与追踪。必填。
	Name string `koanf:"name"`

	// ExpireTime 默认过期时间。必须大于 0。
	ExpireTime time.Duration `koanf:"expire_time"`

	// RandomExpireTime 随机过期抖动幅度 j，实际 TTL 在 [base-j, base+j] 内均匀分布。
	// 0 表示不抖动。
	RandomExpireTime time.Duration `koanf:"random_expire_time"`

	// EmptyElementExpireTime 空值占位的过期时间，仅在设置了 WithEmptyElement 时生效。
	// 0 表示使用普通值的（抖动后）过期时间。
	EmptyElementExpireTime time.Duration `koanf:"empty_element_expire_time"`

	// LoaderPermits 整个缓存同时进行的加载数上限。0 表示不限制。
	LoaderPermits int64 `koanf:"loader_permits"`

	// LoaderTimeout 等待全局加载许可的时间。默认 5 分钟。
	LoaderTimeout time.Duration `koanf:"loader_timeout"`

	// SingleFlight 是否对同一 key 的加载做准入控制。
	// 开启后同一 key 同一时刻至多一次加载，排队者直接复用其结果。默认 true。
	SingleFlight bool `koanf:"single_flight"`

	// KeyLockTimeout 等待单 key 读写锁的时间。默认 5 分钟。
	KeyLockTimeout time.Duration `koanf:"key_lock_timeout"`

	// KeyLockCapacity 空闲 key 锁单元上限。默认 10000。
	KeyLockCapacity int `koanf:"key_lock_capacity"`

	// KeyLockIdleTTL 空闲 key 锁单元的保留时间。0 表示使用 ExpireTime。
	KeyLockIdleTTL time.Duration `koanf:"key_lock_idle_ttl"`

	// PutRetryAttempts 写入缓存的总尝试次数（含首次）。0 和 1 都表示不重试。
	PutRetryAttempts uint `koanf:"put_retry_attempts"`

	// PutRetryDelay 写入重试间隔。
	PutRetryDelay time.Duration `koanf:"put_retry_delay"`

	// SlowLoadThreshold 慢加载阈值，加载耗时达到该值时触发慢加载钩子。
	// 未设置钩子时记录 Warn 日志。0 表示不检测。
	SlowLoadThreshold time.Duration `koanf:"slow_load_threshold"`

	// Breaker loader 熔断配置。
	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig 定义 loader 熔断器配置。
type BreakerConfig struct {
	// Enabled 是否启用熔断。默认 false。
	Enabled bool `koanf:"enabled"`

	// ConsecutiveFailures 连续失败多少次后熔断。默认 5。
	ConsecutiveFailures uint32 `koanf:"consecutive_failures"`

	// MaxRequests 半开状态允许通过的请求数。默认 1。
	MaxRequests uint32 `koanf:"max_requests"`

	// Interval 闭合状态下清零计数的周期。0 表示不清零。
	Interval time.Duration `koanf:"interval"`

	// Timeout 打开状态持续多久后进入半开。默认 60 秒。
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig 返回默认配置。ExpireTime 与 Name 仍需调用方设置。
func DefaultConfig() Config {
	return Config{
		LoaderTimeout:    DefaultLoaderTimeout,
		SingleFlight:     true,
		KeyLockTimeout:   DefaultKeyLockTimeout,
		KeyLockCapacity:  DefaultKeyLockCapacity,
		PutRetryAttempts: 1,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			MaxRequests:         1,
			Timeout:             60 * time.Second,
		},
	}
}

// Validate 校验配置。
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.ExpireTime <= 0 {
		return fmt.Errorf("%w: expire_time must be positive, got %s", ErrInvalidConfig, c.ExpireTime)
	}
	if c.RandomExpireTime < 0 {
		return fmt.Errorf("%w: random_expire_time must not be negative, got %s", ErrInvalidConfig, c.RandomExpireTime)
	}
	if c.EmptyElementExpireTime < 0 {
		return fmt.Errorf("%w: empty_element_expire_time must not be negative, got %s",
			ErrInvalidConfig, c.EmptyElementExpireTime)
	}
	if c.LoaderPermits < 0 {
		return fmt.Errorf("%w: loader_permits must not be negative, got %d", ErrInvalidConfig, c.LoaderPermits)
	}
	if c.KeyLockCapacity <= 0 {
		return fmt.Errorf("%w: key_lock_capacity must be positive, got %d", ErrInvalidConfig, c.KeyLockCapacity)
	}
	if c.KeyLockIdleTTL < 0 {
		return fmt.Errorf("%w: key_lock_idle_ttl must not be negative, got %s", ErrInvalidConfig, c.KeyLockIdleTTL)
	}
	if c.PutRetryDelay < 0 {
		return fmt.Errorf("%w: put_retry_delay must not be negative, got %s", ErrInvalidConfig, c.PutRetryDelay)
	}
	if c.SlowLoadThreshold < 0 {
		return fmt.Errorf("%w: slow_load_threshold must not be negative, got %s", ErrInvalidConfig, c.SlowLoadThreshold)
	}
	if c.Breaker.Enabled && c.Breaker.ConsecutiveFailures == 0 {
		return fmt.Errorf("%w: breaker.consecutive_failures must be positive", ErrInvalidConfig)
	}
	return nil
}

// keyLockIdleTTL 返回生效的空闲锁单元保留时间。
func (c Config) keyLockIdleTTL() time.Duration {
	if c.KeyLockIdleTTL > 0 {
		return c.KeyLockIdleTTL
	}
	return c.ExpireTime
}

// LoadConfig 从字节数据加载配置。未出现的字段保留 DefaultConfig 的值。
// 时间字段使用 Go duration 字符串，如 "5m"、"30s"。
func LoadConfig(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, format)
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("%w: parse config: %w", ErrInvalidConfig, err)
		}
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile 从文件加载配置，根据扩展名（.yaml/.yml/.json）识别格式。
func LoadConfigFile(path string) (Config, error) {
	var format Format
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return Config{}, fmt.Errorf("%w: unknown config extension %q", ErrInvalidConfig, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("xcache: read config: %w", err)
	}
	return LoadConfig(data, format)
}
