package wearcore

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/wearcore/config"
)

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	tests := []struct {
		name    string
		cfg     config.Logging
		level   logrus.Level
		json    bool
		wantErr bool
	}{
		{"defaults", config.Logging{}, logrus.InfoLevel, false, false},
		{"debug text", config.Logging{Level: "debug", Format: "text"}, logrus.DebugLevel, false, false},
		{"warn json", config.Logging{Level: " warn ", Format: "json"}, logrus.WarnLevel, true, false},
		{"bad level", config.Logging{Level: "loud"}, 0, false, true},
		{"bad format", config.Logging{Format: "xml"}, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ConfigureLogging(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.level, logrus.GetLevel())
			_, isJSON := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.json, isJSON)
		})
	}
}
