package strategyfiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

const strategySource = "class StrategyTest(IStrategy):\n    timeframe = '5m'\n"

func newTestProvider(t *testing.T, baseURL string, enabled bool) *Provider {
	t.Helper()
	cfg := &config.Config{
		StrategyFiles: config.StrategyFilesConfig{
			Enabled:           enabled,
			BaseURL:           baseURL,
			APIKey:            "test-key",
			RequestsPerSecond: 100,
			Burst:             10,
			TimeoutSeconds:    5,
			CacheTTLSeconds:   60,
		},
		Sandbox: config.SandboxConfig{StrategiesPath: t.TempDir()},
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewProvider(cfg, log)
}

func TestEnsureStagedDownloadsOnce(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Write([]byte(strategySource))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, true)
	id := uuid.New()

	ctx := context.Background()
	require.NoError(t, p.EnsureStaged(ctx, id))
	require.NoError(t, p.EnsureStaged(ctx, id))

	assert.Equal(t, int64(1), requests.Load(), "second staging must hit the cache")

	data, err := os.ReadFile(p.SourcePath(id))
	require.NoError(t, err)
	assert.Equal(t, strategySource, string(data))
	assert.Contains(t, p.SourcePath(id), sandbox.StrategyClassName(id)+".py")
}

func TestEnsureStagedDisabledIsNoop(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, false)
	id := uuid.New()

	require.NoError(t, p.EnsureStaged(context.Background(), id))
	assert.Zero(t, requests.Load())
	_, err := os.Stat(p.SourcePath(id))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureStagedReusesProvisionedFile(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, true)
	id := uuid.New()

	require.NoError(t, os.WriteFile(p.SourcePath(id), []byte(strategySource), 0o644))

	require.NoError(t, p.EnsureStaged(context.Background(), id))
	assert.Zero(t, requests.Load(), "a pre-provisioned file needs no download")
}

func TestEnsureStagedPropagatesCatalogErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, true)

	err := p.EnsureStaged(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestEnsureStagedRejectsEmptySource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, true)
	id := uuid.New()

	err := p.EnsureStaged(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	// A failed fetch must not poison the cache.
	_, found := p.staged.Get(id.String())
	assert.False(t, found)
}
