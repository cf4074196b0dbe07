package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/models"
)

// WorkspaceManager owns the per-job ephemeral directories that carry the
// generated engine config into the sandbox and the result artifact out.
type WorkspaceManager struct {
	root       string
	keepFailed bool
}

// NewWorkspaceManager creates a workspace manager rooted at the configured
// workspace directory
func NewWorkspaceManager(cfg *config.SandboxConfig) *WorkspaceManager {
	return &WorkspaceManager{
		root:       cfg.WorkspaceDir,
		keepFailed: cfg.KeepFailedWorkspaces,
	}
}

// JobDir returns the workspace directory for a job
func (m *WorkspaceManager) JobDir(jobID uuid.UUID) string {
	return filepath.Join(m.root, jobID.String())
}

// Prepare creates the job workspace and materializes the engine config by
// merging the base sandbox settings with the job's BacktestConfig
func (m *WorkspaceManager) Prepare(job *models.BacktestJob) (string, error) {
	dir := m.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job workspace: %w", err)
	}

	// A retry reuses the job's directory; an artifact left by the previous
	// attempt must not pass for the new run's output.
	if err := os.Remove(filepath.Join(dir, resultFileName)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to clear stale result artifact: %w", err)
	}

	doc, err := engineConfig(job)
	if err != nil {
		return "", err
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode engine config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFileName), encoded, 0o644); err != nil {
		return "", fmt.Errorf("failed to write engine config: %w", err)
	}
	return dir, nil
}

// ReadResult reads the result artifact the sandbox left in the workspace
func (m *WorkspaceManager) ReadResult(jobID uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.JobDir(jobID), resultFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read result artifact: %w", err)
	}
	return data, nil
}

// Cleanup removes a job workspace. Failed workspaces are retained when the
// operator has asked to keep them for inspection.
func (m *WorkspaceManager) Cleanup(jobID uuid.UUID, failed bool) error {
	if failed && m.keepFailed {
		return nil
	}
	return os.RemoveAll(m.JobDir(jobID))
}

// engineConfig builds the per-job engine configuration document. Base
// settings first, then the job's immutable BacktestConfig on top, then any
// hyperopt parameter overrides.
func engineConfig(job *models.BacktestJob) (map[string]interface{}, error) {
	c := job.Config

	var stake interface{}
	amount, numeric, err := c.ParseStakeAmount()
	if err != nil {
		return nil, fmt.Errorf("failed to parse stake amount %q: %w", c.StakeAmount, err)
	}
	if numeric {
		stake = amount.InexactFloat64()
	} else {
		stake = models.StakeUnlimited
	}

	doc := map[string]interface{}{
		"strategy":        StrategyClassName(job.StrategyID),
		"max_open_trades": c.MaxOpenTrades,
		"stake_currency":  quoteCurrency(c.Pairs),
		"stake_amount":    stake,
		"dry_run":         true,
		"dry_run_wallet":  c.DryRunWallet,
		"timeframe":       c.Timeframe,
		"timerange":       c.Timerange(),
		"datadir":         containerDataDir,
		"user_data_dir":   "/freqtrade/user_data",
		"exchange": map[string]interface{}{
			"name":           c.Exchange,
			"pair_whitelist": c.Pairs,
		},
	}
	if len(c.HyperoptOverrides) > 0 {
		doc["strategy_parameters"] = c.HyperoptOverrides
	}
	return doc, nil
}

// quoteCurrency derives the stake currency from the first pair, e.g.
// "BTC/USDT" and "BTC/USDT:USDT" both stake USDT.
func quoteCurrency(pairs []string) string {
	if len(pairs) == 0 {
		return "USDT"
	}
	parts := strings.Split(pairs[0], "/")
	if len(parts) != 2 {
		return "USDT"
	}
	quote := parts[1]
	if i := strings.Index(quote, ":"); i >= 0 {
		quote = quote[:i]
	}
	return quote
}
