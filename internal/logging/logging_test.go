package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fivetwenty-io/secapi/internal/logging"
)

var errBoom = errors.New("boom")

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  string
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{name: "defaults", want: logrus.InfoLevel},
		{name: "json debug", format: "json", level: "debug", want: logrus.DebugLevel},
		{name: "upper case level", format: "text", level: "WARN", want: logrus.WarnLevel},
		{name: "unknown format", format: "xml", wantErr: true},
		{name: "unknown level", level: "chatty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := logging.New(&bytes.Buffer{}, tt.format, tt.level)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, err := logging.New(&buf, logging.FormatJSON, "info")
	require.NoError(t, err)

	logging.NewLogrus(logger).Info("token acquired", map[string]interface{}{"client_id": "abc"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "token acquired", line["msg"])
	assert.Equal(t, "abc", line["client_id"])
	assert.Equal(t, "info", line["level"])
}

func TestLogrusAdapter(t *testing.T) {
	t.Parallel()

	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	logger := logging.NewLogrus(base)
	logger.Debug("HTTP Request", map[string]interface{}{"method": "GET"})
	logger.Info("info", nil)
	logger.Warn("retrying", map[string]interface{}{"attempt": 2})
	logger.Error("failed", map[string]interface{}{"error": errBoom})

	entries := hook.AllEntries()
	require.Len(t, entries, 4)

	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, "GET", entries[0].Data["method"])
	assert.Equal(t, logrus.WarnLevel, entries[2].Level)
	assert.Equal(t, 2, entries[2].Data["attempt"])
	assert.Equal(t, logrus.ErrorLevel, entries[3].Level)
	assert.Equal(t, errBoom, entries[3].Data["error"])
}

func TestZapAdapter(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)

	logger := logging.NewZap(zap.New(core))
	logger.Debug("HTTP Response", map[string]interface{}{"status": 200, "method": "GET"})
	logger.Info("info", nil)
	logger.Warn("retrying", nil)
	logger.Error("failed", map[string]interface{}{"error": errBoom})

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "HTTP Response", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.EqualValues(t, 200, fields["status"])
	assert.Equal(t, "method", entries[0].Context[0].Key)

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}
