package rp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
base_uri: https://rp.example
valid_redirect_uris:
  - https://app.example/cb
session_ttl: 20m
federation:
  url: https://rp.example
  fed_master_url: https://master.example
  fed_master_jwks:
    keys: []
  sign_kid: sig-1
  sign_private_key_path: /keys/sig.pem
  enc_kid: enc-1
  enc_private_key_path: /keys/enc.pem
  metadata:
    openid_relying_party:
      organization_name: Test
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(20*time.Minute), cfg.SessionTTL)
	assert.Equal(t, Duration(time.Minute), cfg.CodeTTL, "default applies")
	assert.Equal(t, []string{"code"}, cfg.SupportedResponseTypes)
	assert.Equal(t, ":8080", cfg.Address)
}

func TestLoadConfigRequiresRedirectURIs(t *testing.T) {
	path := writeConfig(t, `
base_uri: https://rp.example
federation:
  url: https://rp.example
  fed_master_url: https://master.example
  fed_master_jwks:
    keys: []
  sign_kid: sig-1
  sign_private_key_path: /keys/sig.pem
  enc_kid: enc-1
  enc_private_key_path: /keys/enc.pem
  metadata: {}
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
base_uri: https://rp.example
valid_redirect_uris: [https://app.example/cb]
session_ttl: quite-long
federation:
  url: https://rp.example
  fed_master_url: https://master.example
  fed_master_jwks: {keys: []}
  sign_kid: sig-1
  sign_private_key_path: /keys/sig.pem
  enc_kid: enc-1
  enc_private_key_path: /keys/enc.pem
  metadata: {}
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
