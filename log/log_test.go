package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterRedactsPassinSecret(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")
	l.Info("running command", "cmd", "openssl ca -passin pass:hunter2 -batch")

	out := buf.String()
	require.False(t, strings.Contains(out, "hunter2"))
	require.True(t, strings.Contains(out, "[REDACTED]"))
}

func TestWriterRedactsMessageText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")
	l.Warning("retrying genpkey -pass pass:supersecret after failure")

	out := buf.String()
	require.False(t, strings.Contains(out, "supersecret"))
	require.True(t, strings.Contains(out, "[REDACTED]"))
}

func TestRedact(t *testing.T) {
	in := "-pass pass:supersecret -days 365"
	require.Equal(t, "-pass pass:[REDACTED] -days 365", Redact(in))
}
