// ABOUTME: Tests for the CLI command tree and operator helpers
// ABOUTME: Exercises token minting, URL mapping and session printing

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/auth"
	"github.com/2389/chorus-gateway/internal/session"
)

const testSecret = "test-secret-key-for-jwt-signing!"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
auth:
  jwt_secret: "`+testSecret+`"
ai:
  default_model: "gpt-4o-mini"
`)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", path, "--owner", "owner-1", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	claims, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, "owner-1", claims.OwnerID)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
ai:
  default_model: "gpt-4o-mini"
`)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--config", path})
	assert.ErrorContains(t, cmd.Execute(), "jwt_secret")
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://gw.tailnet.ts.net/", "wss://gw.tailnet.ts.net/ws"},
		{"http://proxy/chorus", "ws://proxy/chorus/ws"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := websocketURL("ftp://nope")
	assert.Error(t, err)
}

func TestPrintSessions(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	require.NoError(t, printSessions(&buf, nil, false))
	assert.Equal(t, "no live sessions\n", buf.String())

	buf.Reset()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, printSessions(&buf, []session.Info{{ID: "42", State: session.StateReady, CreatedAt: created}}, false))
	assert.Contains(t, buf.String(), "42")
	assert.Contains(t, buf.String(), "READY")
	assert.Contains(t, buf.String(), "2026-03-01T12:00:00Z")
}
