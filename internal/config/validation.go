package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	cache := c.Cache
	if err := validateNamespace(cache.Namespace); err != nil {
		return newFieldError(cacheField("Namespace"), err.Error())
	}
	if cache.ForegroundTimeout.DurationValue() < 0 {
		return newFieldError(cacheField("ForegroundTimeout"), "不能为负数")
	}
	return nil
}

// validateNamespace 确保命名空间是单个目录名。
func validateNamespace(ns string) error {
	if strings.TrimSpace(ns) == "" {
		return errors.New("不能为空")
	}
	if ns == "." || ns == ".." {
		return errors.New("不能是 . 或 ..")
	}
	if strings.ContainsAny(ns, `/\`) {
		return errors.New("不允许包含路径分隔符")
	}
	return nil
}
