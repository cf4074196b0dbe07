// Package strategyfiles stages strategy source files onto the read-only
// strategies mount before a sandbox launches. Sources are fetched from the
// strategy catalog service, rate limited and cached so repeated backtests
// of the same strategy cost one download.
package strategyfiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

const (
	defaultTimeout  = 30 * time.Second
	retryWaitMin    = 100 * time.Millisecond
	retryWaitMax    = 10 * time.Second
	maxFetchRetries = 4
	// maxSourceBytes bounds a single strategy file; anything larger is
	// not a strategy source.
	maxSourceBytes = 1 << 20
)

// Provider downloads and stages strategy sources. A disabled provider is a
// no-op: sources are expected to be pre-provisioned on the mount.
type Provider struct {
	cfg            *config.StrategyFilesConfig
	strategiesPath string
	client         *retryablehttp.Client
	limiter        *rate.Limiter
	staged         *cache.Cache
	log            *logrus.Entry

	// mu serializes downloads so concurrent workers staging the same
	// strategy do not race on the target file.
	mu sync.Mutex
}

// NewProvider creates a strategy source provider.
func NewProvider(cfg *config.Config, baseLogger *logrus.Logger) *Provider {
	sf := &cfg.StrategyFiles

	timeout := defaultTimeout
	if sf.TimeoutSeconds > 0 {
		timeout = time.Duration(sf.TimeoutSeconds) * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = maxFetchRetries
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil

	burst := sf.Burst
	if burst <= 0 {
		burst = 1
	}

	ttl := time.Duration(sf.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Provider{
		cfg:            sf,
		strategiesPath: cfg.Sandbox.StrategiesPath,
		client:         client,
		limiter:        rate.NewLimiter(rate.Limit(sf.RequestsPerSecond), burst),
		staged:         cache.New(ttl, 2*ttl),
		log:            baseLogger.WithField("component", "strategyfiles"),
	}
}

// EnsureStaged guarantees the strategy's source file exists under the
// strategies mount. Already-staged and pre-provisioned files are reused.
func (p *Provider) EnsureStaged(ctx context.Context, strategyID uuid.UUID) error {
	if !p.cfg.Enabled {
		return nil
	}

	key := strategyID.String()
	if _, found := p.staged.Get(key); found {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.staged.Get(key); found {
		return nil
	}

	path := p.sourcePath(strategyID)
	if _, err := os.Stat(path); err == nil {
		p.staged.SetDefault(key, path)
		return nil
	}

	if err := p.fetch(ctx, strategyID, path); err != nil {
		return err
	}
	p.staged.SetDefault(key, path)
	return nil
}

// SourcePath returns where a strategy's source file lives on the mount.
func (p *Provider) SourcePath(strategyID uuid.UUID) string {
	return p.sourcePath(strategyID)
}

func (p *Provider) sourcePath(strategyID uuid.UUID) string {
	return filepath.Join(p.strategiesPath, sandbox.StrategyClassName(strategyID)+".py")
}

func (p *Provider) fetch(ctx context.Context, strategyID uuid.UUID, path string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/strategies/%s/source", p.cfg.BaseURL, strategyID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build source request: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch strategy source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("strategy source fetch returned status %d", resp.StatusCode)
	}

	source, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read strategy source: %w", err)
	}
	if len(source) == 0 {
		return fmt.Errorf("strategy source is empty")
	}
	if len(source) > maxSourceBytes {
		return fmt.Errorf("strategy source exceeds %d bytes", maxSourceBytes)
	}

	if err := writeAtomic(path, source); err != nil {
		return fmt.Errorf("failed to stage strategy source: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"strategy_id": strategyID,
		"path":        path,
		"bytes":       len(source),
	}).Info("Strategy source staged")
	return nil
}

// writeAtomic writes through a temp file and renames, so a crashed write
// never leaves a half-staged source for a sandbox to import.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
