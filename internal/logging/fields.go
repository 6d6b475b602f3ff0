package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// UpstreamFields 描述一个上游源，identifier 对应其缓存命名空间。
func UpstreamFields(name, identifier, authMode string) logrus.Fields {
	return logrus.Fields{
		"upstream":   name,
		"identifier": identifier,
		"auth_mode":  authMode,
	}
}

// RequestFields 提供 upstream/host/路由/命中状态字段，供代理请求日志复用。
func RequestFields(upstream, host, route string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"upstream":  upstream,
		"host":      host,
		"route":     route,
		"cache_hit": cacheHit,
	}
}

// OrDiscard 在 logger 为空时返回丢弃全部输出的 logger。
func OrDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
