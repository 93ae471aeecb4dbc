package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/javajoker/imi-licensing/internal/config"
)

func TestSetupLevelAndFormat(t *testing.T) {
	Setup(config.LogConfig{Level: "debug"}, "production")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	Setup(config.LogConfig{Level: "nonsense", Format: "text"}, "production")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)
}

func TestContextEntry(t *testing.T) {
	entry := logrus.WithField("request_id", "r-1")
	ctx := NewContext(context.Background(), entry)

	assert.Equal(t, "r-1", WithContext(ctx).Data["request_id"])
	assert.Empty(t, WithContext(context.Background()).Data)
}
