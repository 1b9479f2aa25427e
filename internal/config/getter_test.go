package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("string falls back to default", func(t *testing.T) {
		t.Setenv("FAULTLINE_TEST_STR", "")
		assert.Equal(t, "fallback", GetEnvStr("FAULTLINE_TEST_STR", "fallback"))

		t.Setenv("FAULTLINE_TEST_STR", "value")
		assert.Equal(t, "value", GetEnvStr("FAULTLINE_TEST_STR", "fallback"))
	})

	t.Run("int ignores invalid values", func(t *testing.T) {
		t.Setenv("FAULTLINE_TEST_INT", "not-a-number")
		assert.Equal(t, 7, GetEnvInt("FAULTLINE_TEST_INT", 7))

		t.Setenv("FAULTLINE_TEST_INT", " 42 ")
		assert.Equal(t, 42, GetEnvInt("FAULTLINE_TEST_INT", 7))
	})

	t.Run("int64", func(t *testing.T) {
		t.Setenv("FAULTLINE_TEST_INT64", "2048")
		assert.Equal(t, int64(2048), GetEnvInt64("FAULTLINE_TEST_INT64", 1))
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv("FAULTLINE_TEST_DURATION", "90s")
		assert.Equal(t, 90*time.Second, GetEnvDuration("FAULTLINE_TEST_DURATION", time.Second))

		t.Setenv("FAULTLINE_TEST_DURATION", "soon")
		assert.Equal(t, time.Second, GetEnvDuration("FAULTLINE_TEST_DURATION", time.Second))
	})

	t.Run("log level", func(t *testing.T) {
		t.Setenv("FAULTLINE_TEST_LEVEL", "WARNING")
		assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("FAULTLINE_TEST_LEVEL", slog.LevelInfo))

		t.Setenv("FAULTLINE_TEST_LEVEL", "verbose")
		assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("FAULTLINE_TEST_LEVEL", slog.LevelInfo))
	})
}

func TestGetEnvBool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		value    string
		fallback bool
		expected bool
	}{
		{name: "true literal", value: "true", fallback: false, expected: true},
		{name: "numeric one", value: "1", fallback: false, expected: true},
		{name: "yes mixed case", value: "YeS", fallback: false, expected: true},
		{name: "false literal", value: "false", fallback: true, expected: false},
		{name: "no", value: "no", fallback: true, expected: false},
		{name: "garbage uses default", value: "maybe", fallback: true, expected: true},
		{name: "empty uses default", value: "", fallback: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FAULTLINE_TEST_BOOL", tt.value)
			assert.Equal(t, tt.expected, GetEnvBool("FAULTLINE_TEST_BOOL", tt.fallback))
		})
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"a", "b"}, ParseCommaSeparatedList(" a, ,b ,"))

	t.Setenv("FAULTLINE_TEST_LIST", "broker-1:9092, broker-2:9092")
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"},
		GetEnvList("FAULTLINE_TEST_LIST", []string{"localhost:9092"}))

	t.Setenv("FAULTLINE_TEST_LIST", " , ")
	assert.Equal(t, []string{"localhost:9092"}, GetEnvList("FAULTLINE_TEST_LIST", []string{"localhost:9092"}))
}
