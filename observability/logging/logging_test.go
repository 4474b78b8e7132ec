package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "escrowd", "test", slog.LevelInfo)
	logger.Info("configured",
		slog.String("operator_secret", "SABCDEF"),
		slog.String("network_passphrase", "Test SDF Network ; September 2015"),
		slog.String("escrow", "GESCROW"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "configured", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "escrowd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["operator_secret"])
	require.Equal(t, "Test SDF Network ; September 2015", line["network_passphrase"])
	require.Equal(t, "GESCROW", line["escrow"])
	require.Contains(t, line, "timestamp")
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "escrowd", "", ParseLevel("warn"))
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	logger, closer := Setup("escrowd", "test", Options{File: path})
	logger.Info("hello", slog.String("seed", "SXYZ"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.NotContains(t, string(data), "SXYZ")
}

func TestMaskHelpers(t *testing.T) {
	require.Equal(t, "", MaskValue(" "))
	require.Equal(t, RedactedValue, MaskValue("x"))
	require.True(t, IsSensitive("Buyer_Secret"))
	require.False(t, IsSensitive("public_key"))
	require.False(t, IsSensitive("network_passphrase"))
	require.True(t, IsAllowlisted(" Component "))
}

func TestRedactionCoversGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "escrowd", "test", slog.LevelInfo)
	logger.Info("signer",
		slog.Group("operator_secret", slog.String("value", "SGROUPED")),
		slog.Group("request", slog.String("token", "tok-1"), slog.String("outcome", "fund")))

	out := buf.String()
	require.NotContains(t, out, "SGROUPED")
	require.NotContains(t, out, "tok-1")
	require.Contains(t, out, `"outcome":"fund"`)
}
