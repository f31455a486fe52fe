package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分区/来源/命中状态字段，供内容请求日志复用。
// source 取值 range、cache、upstream、not_found。
func RequestFields(partition, url, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"partition": partition,
		"url":       url,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
