package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-cache/internal/cachekey"
)

// Duration 同时接受 Go Duration 字符串（"30s"、"5m"）与按秒计的数字（"45"、"1.5"）。
type Duration time.Duration

// UnmarshalText 是字符串写法的唯一解析入口，Viper 的 decode hook 也委托到这里。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("无法解析 Duration 字段: %s", raw)
	}
	*d = secondsDuration(seconds)
	return nil
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

func secondsDuration(seconds float64) Duration {
	return Duration(time.Duration(seconds * float64(time.Second)))
}

// GlobalConfig 描述进程级参数：监听端口与日志输出。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
}

// CacheConfig 对应 [Cache] 段，决定缓存根目录、键策略与下载行为。
type CacheConfig struct {
	// Root 为平台缓存目录，留空时取 os.UserCacheDir()。
	Root string `mapstructure:"Root"`
	// Namespace 是应用级子目录，所有分区都位于 Root/Namespace 之下。
	Namespace   string          `mapstructure:"Namespace"`
	QueryParams cachekey.Policy `mapstructure:"QueryParams"`
	// DownloadInBackground 为 consumer 未显式指定时的默认提示。
	DownloadInBackground bool     `mapstructure:"DownloadInBackground"`
	ForegroundTimeout    Duration `mapstructure:"ForegroundTimeout"`
	UserAgent            string   `mapstructure:"UserAgent"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// AppCacheRoot 返回应用缓存根目录 Root/Namespace。
func (c CacheConfig) AppCacheRoot() string {
	return filepath.Join(c.Root, c.Namespace)
}
