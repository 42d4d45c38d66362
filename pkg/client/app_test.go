package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torxed/github-autorun/pkg/config"
)

func testPrivateKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app.pem")
	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(path, block, 0600))
	return path
}

func TestAppTokenSource(t *testing.T) {
	assert := assert.New(t)

	var mints atomic.Int64
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/app/installations/42/access_tokens", r.URL.Path)
		assert.Equal(http.MethodPost, r.Method)
		assert.NotEmpty(r.Header.Get("Authorization"), "Token mint must be authenticated with the app JWT")

		mints.Add(1)
		expires := time.Now().Add(time.Hour).Format(time.RFC3339)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "ghs_installationtoken", "expires_at": "` + expires + `"}`))
	}))
	t.Cleanup(s.Close)

	source := newAppTokenSource(config.GithubConfig{
		Repository:     "testowner/testrepo",
		API:            s.URL,
		ClientID:       "Iv1.testclient",
		PrivateKey:     testPrivateKey(t),
		InstallationID: 42,
	})

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal("ghs_installationtoken", token)
	assert.Equal(int64(1), mints.Load())

	// Second request is served from the cache.
	token, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal("ghs_installationtoken", token)
	assert.Equal(int64(1), mints.Load(), "A token with remaining lifetime should not be minted again")

	// An expired token triggers a refresh.
	source.expires = time.Now().Add(time.Minute)
	_, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(int64(2), mints.Load())
}

func TestAppTransport(t *testing.T) {
	assert := assert.New(t)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app/installations/42/access_tokens" {
			expires := time.Now().Add(time.Hour).Format(time.RFC3339)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token": "ghs_installationtoken", "expires_at": "` + expires + `"}`))
			return
		}

		assert.Equal("/repos/testowner/testrepo", r.URL.Path)
		assert.Equal("Bearer ghs_installationtoken", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": 1, "full_name": "testowner/testrepo"}`))
	}))
	t.Cleanup(s.Close)

	c, err := NewClient(config.GithubConfig{
		Repository:     "testowner/testrepo",
		API:            s.URL,
		ClientID:       "Iv1.testclient",
		PrivateKey:     testPrivateKey(t),
		InstallationID: 42,
	})
	require.NoError(t, err)

	assert.NoError(c.ValidateRepository(context.Background()))
}

func TestAppTokenSourceMissingKey(t *testing.T) {
	source := newAppTokenSource(config.GithubConfig{
		ClientID:       "Iv1.testclient",
		PrivateKey:     "/nonexistent/key.pem",
		InstallationID: 42,
	})

	_, err := source.Token(context.Background())
	assert.Error(t, err)
}
