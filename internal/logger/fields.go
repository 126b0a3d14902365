package logger

import (
	"go.uber.org/zap"
)

func WithClientID(clientID string) zap.Field {
	return zap.String("client.id", clientID)
}

func WithTabID(tabID string) zap.Field {
	return zap.String("tab.id", tabID)
}

func WithMessageType(messageType string) zap.Field {
	return zap.String("message.type", messageType)
}

func WithTopic(topic string) zap.Field {
	return zap.String("bus.topic", topic)
}

// WithProfile names a power profile, e.g. an AWS instance type.
func WithProfile(profile string) zap.Field {
	return zap.String("power.profile", profile)
}
