package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogrusLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"DEBUG", logrus.DebugLevel},
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"WARNING", logrus.WarnLevel},
		{"warn", logrus.WarnLevel},
		{"ERROR", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogrusLevel(tt.input))
		})
	}
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("DEBUG"))
	assert.True(t, ValidLevel("warning"))
	assert.True(t, ValidLevel("ERROR"))
	assert.False(t, ValidLevel("TRACE"))
	assert.False(t, ValidLevel(""))
}

func TestNewLoggerWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("DEBUG", "json", &buf)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("symbol", "AAPL").Debug("fetching")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "fetching", decoded["msg"])
	assert.Equal(t, "AAPL", decoded["symbol"])
	assert.Equal(t, "debug", decoded["level"])
}

func TestNewLoggerWithOutput_TextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("ERROR", "text", &buf)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestStandardEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("INFO", "json", &buf)

	LogStartup(logger, "celebrum-fetcher", "1.0.0", "daemon")
	assert.Contains(t, buf.String(), `"event":"startup"`)
	assert.Contains(t, buf.String(), `"mode":"daemon"`)

	buf.Reset()
	LogShutdown(logger, "celebrum-fetcher", "signal")
	assert.Contains(t, buf.String(), `"event":"shutdown"`)

	buf.Reset()
	LogResourceStats(logger, "celebrum-fetcher", map[string]interface{}{"cpu_percent": 1.5})
	assert.Contains(t, buf.String(), `"event":"resource"`)
	assert.Contains(t, buf.String(), "cpu_percent")
}
