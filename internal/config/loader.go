package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/any-cache/internal/cachekey"
)

const (
	defaultNamespace         = "any-cache"
	defaultForegroundTimeout = 30 * time.Second
	defaultUserAgent         = "any-cache"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), keyPolicyDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(cfg.Cache.Root)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Cache.Root = absRoot

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Cache.Namespace", defaultNamespace)
	v.SetDefault("Cache.QueryParams", false)
	v.SetDefault("Cache.DownloadInBackground", false)
	v.SetDefault("Cache.ForegroundTimeout", "30s")
	v.SetDefault("Cache.UserAgent", defaultUserAgent)
}

func applyDefaults(cfg *Config) error {
	if cfg.Global.ListenPort == 0 {
		cfg.Global.ListenPort = 5000
	}
	c := &cfg.Cache
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.ForegroundTimeout.DurationValue() == 0 {
		c.ForegroundTimeout = Duration(defaultForegroundTimeout)
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if strings.TrimSpace(c.Root) == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return newFieldError("Cache.Root", fmt.Sprintf("未配置且无法获取系统缓存目录: %v", err))
		}
		c.Root = dir
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return secondsDuration(float64(v)), nil
		case int64:
			return secondsDuration(float64(v)), nil
		case float64:
			return secondsDuration(v), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// keyPolicyDecodeHook 把 QueryParams 的 false/true/"all"/["v"] 写法转换为 cachekey.Policy。
func keyPolicyDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(cachekey.Policy{})

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		policy, err := cachekey.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("无法解析 QueryParams: %w", err)
		}
		return policy, nil
	}
}
