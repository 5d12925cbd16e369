package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONBackends(t *testing.T) {
	tests := []struct {
		backend  string
		levelKey string
		msgKey   string
	}{
		{backend: BackendLogrus, levelKey: "level", msgKey: "msg"},
		{backend: "", levelKey: "level", msgKey: "msg"},
		{backend: BackendZap, levelKey: "level", msgKey: "msg"},
	}

	for _, tt := range tests {
		t.Run("backend="+tt.backend, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(LogOptions{Backend: tt.backend, Level: "info", Output: &buf})
			require.NoError(t, err)

			logger.Debug("hidden")
			logger.WithFields(map[string]interface{}{"session_id": "s1"}).
				WithErr(errors.New("boom")).
				Warnf("migration %s", "failed")
			flush(logger)

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Len(t, lines, 1, "debug is below the configured level")

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
			assert.Equal(t, "warning", normalizeLevel(entry[tt.levelKey]))
			assert.Equal(t, "migration failed", entry[tt.msgKey])
			assert.Equal(t, "s1", entry["session_id"])
			assert.Equal(t, "boom", entry[ErrorLogField])
		})
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogOptions{Backend: BackendLogrus, Format: "text", Output: &buf})
	require.NoError(t, err)

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(LogOptions{Backend: "syslog"})
	assert.EqualError(t, err, `unknown logger backend "syslog"`)

	_, err = NewLogger(LogOptions{Backend: BackendLogrus, Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LogOptions{Backend: BackendZap, Level: "loud"})
	assert.Error(t, err)
}

func TestNullLogger(t *testing.T) {
	logger, err := NewLogger(LogOptions{Backend: BackendNull})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		logger.WithFields(map[string]interface{}{"k": "v"}).WithErr(errors.New("x")).WithContext(context.Background()).Error("ignored")
	})
}

// zap writes "warn"; logrus writes "warning".
func normalizeLevel(v interface{}) string {
	s, _ := v.(string)
	if s == "warn" {
		return "warning"
	}
	return s
}

func flush(logger Logger) {
	if z, ok := logger.(*ZapLogger); ok {
		_ = z.logger.Sync()
	}
}
