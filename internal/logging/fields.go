package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConsumerFields 提供 consumer 级别的公共字段，partition/key 为空时省略。
func ConsumerFields(consumerID, uri, partition, key string) logrus.Fields {
	fields := logrus.Fields{
		"action":      "consumer",
		"consumer_id": consumerID,
		"uri":         uri,
	}
	if partition != "" {
		fields["partition"] = partition
	}
	if key != "" {
		fields["cache_key"] = key
	}
	return fields
}

// FetchFields 提供下载任务日志字段。
func FetchFields(consumerID, jobID, url, partition, key string) logrus.Fields {
	return logrus.Fields{
		"action":      "fetch",
		"consumer_id": consumerID,
		"job_id":      jobID,
		"url":         url,
		"partition":   partition,
		"cache_key":   key,
	}
}
