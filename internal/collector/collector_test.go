package collector

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

const validArtifact = `{
  "total_trades": 24,
  "winning_trades": 14,
  "losing_trades": 10,
  "win_rate": 0.5833,
  "profit_total": 86.42,
  "profit_pct": 8.64,
  "profit_factor": 1.62,
  "max_drawdown": 31.07,
  "max_drawdown_pct": 3.11,
  "sharpe_ratio": 1.21,
  "pair_results": [
    {"pair": "BTC/USDT", "trades": 13, "profit_pct": 5.1, "win_rate": 0.62, "avg_duration_minutes": 230.0},
    {"pair": "ETH/USDT", "trades": 11, "profit_pct": 3.5, "win_rate": 0.55, "avg_duration_minutes": 263.8}
  ]
}`

func newTestCollector(t *testing.T) (*Collector, *sandbox.WorkspaceManager) {
	t.Helper()
	workspaces := sandbox.NewWorkspaceManager(&config.SandboxConfig{
		WorkspaceDir: t.TempDir(),
	})
	return New(workspaces), workspaces
}

func writeArtifact(t *testing.T, workspaces *sandbox.WorkspaceManager, jobID uuid.UUID, artifact string) {
	t.Helper()
	dir := workspaces.JobDir(jobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.json"), []byte(artifact), 0o644))
}

func testJob() *models.BacktestJob {
	return models.NewBacktestJob(uuid.New(), models.BacktestConfig{}, 0, nil)
}

func TestCollect(t *testing.T) {
	c, workspaces := newTestCollector(t)
	job := testJob()
	writeArtifact(t, workspaces, job.ID, validArtifact)

	rawLog := []byte("2024-01-01 backtesting BTC/USDT\n2024-01-01 backtesting finished\n")
	result, err := c.Collect(job, rawLog)
	require.NoError(t, err)

	assert.Equal(t, job.ID, result.JobID)
	assert.Equal(t, job.StrategyID, result.StrategyID)
	assert.Equal(t, 24, result.TotalTrades)
	assert.Equal(t, 14, result.WinningTrades)
	assert.Equal(t, 10, result.LosingTrades)
	assert.InDelta(t, 0.5833, result.WinRate, 1e-9)
	assert.InDelta(t, 86.42, result.ProfitTotal, 1e-9)
	require.NotNil(t, result.SharpeRatio)
	assert.InDelta(t, 1.21, *result.SharpeRatio, 1e-9)
	assert.Len(t, result.PairResults, 2)
	assert.Equal(t, "BTC/USDT", result.PairResults[0].Pair)

	// The engine reported no per-trade average, so the collector derives it.
	require.NotNil(t, result.AvgProfitPerTrade)
	assert.InDelta(t, 86.42/24, *result.AvgProfitPerTrade, 1e-6)

	// The stored log round-trips through gzip.
	require.NotEmpty(t, result.RawLog)
	decoded, err := DecompressLog(result.RawLog)
	require.NoError(t, err)
	assert.Equal(t, rawLog, decoded)
}

func TestCollectDerivesWinRate(t *testing.T) {
	c, workspaces := newTestCollector(t)
	job := testJob()
	writeArtifact(t, workspaces, job.ID, `{
		"total_trades": 8,
		"winning_trades": 6,
		"losing_trades": 2,
		"profit_total": 12.0,
		"profit_pct": 1.2,
		"max_drawdown": 4.0,
		"max_drawdown_pct": 0.4
	}`)

	result, err := c.Collect(job, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, result.WinRate, 1e-9)
}

func TestCollectZeroTrades(t *testing.T) {
	c, workspaces := newTestCollector(t)
	job := testJob()
	writeArtifact(t, workspaces, job.ID, `{
		"total_trades": 0,
		"winning_trades": 0,
		"losing_trades": 0,
		"profit_total": 0,
		"profit_pct": 0,
		"max_drawdown": 0,
		"max_drawdown_pct": 0
	}`)

	result, err := c.Collect(job, nil)
	require.NoError(t, err)
	assert.Zero(t, result.WinRate)
	assert.Nil(t, result.AvgProfitPerTrade)
}

func TestCollectMissingArtifact(t *testing.T) {
	c, _ := newTestCollector(t)

	_, err := c.Collect(testJob(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing result artifact")
}

func TestParseArtifactRejects(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
		wantErr  string
	}{
		{
			name:     "malformed json",
			artifact: `{"total_trades": `,
			wantErr:  "failed to decode result artifact",
		},
		{
			name:     "missing trade counts",
			artifact: `{"profit_total": 1, "profit_pct": 1, "max_drawdown": 0, "max_drawdown_pct": 0}`,
			wantErr:  `missing required field "total_trades"`,
		},
		{
			name: "missing profit",
			artifact: `{"total_trades": 1, "winning_trades": 1, "losing_trades": 0,
				"profit_pct": 1, "max_drawdown": 0, "max_drawdown_pct": 0}`,
			wantErr: `missing required field "profit_total"`,
		},
		{
			name: "negative trade count",
			artifact: `{"total_trades": -2, "winning_trades": 0, "losing_trades": 0,
				"profit_total": 0, "profit_pct": 0, "max_drawdown": 0, "max_drawdown_pct": 0}`,
			wantErr: `field "total_trades" is negative`,
		},
		{
			name: "inconsistent counts",
			artifact: `{"total_trades": 10, "winning_trades": 4, "losing_trades": 4,
				"profit_total": 0, "profit_pct": 0, "max_drawdown": 0, "max_drawdown_pct": 0}`,
			wantErr: "inconsistent trade counts",
		},
		{
			name: "win rate out of range",
			artifact: `{"total_trades": 2, "winning_trades": 1, "losing_trades": 1, "win_rate": 58.33,
				"profit_total": 0, "profit_pct": 0, "max_drawdown": 0, "max_drawdown_pct": 0}`,
			wantErr: "outside [0, 1]",
		},
		{
			name: "pair result without name",
			artifact: `{"total_trades": 2, "winning_trades": 1, "losing_trades": 1,
				"profit_total": 0, "profit_pct": 0, "max_drawdown": 0, "max_drawdown_pct": 0,
				"pair_results": [{"trades": 2}]}`,
			wantErr: "pair_results[0] missing pair name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArtifact([]byte(tt.artifact))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	trades := 2
	win := 1
	lose := 1
	profit := math.NaN()
	pct := 0.0
	dd := 0.0

	artifact := &resultArtifact{
		TotalTrades:    &trades,
		WinningTrades:  &win,
		LosingTrades:   &lose,
		ProfitTotal:    &profit,
		ProfitPct:      &pct,
		MaxDrawdown:    &dd,
		MaxDrawdownPct: &dd,
	}

	err := artifact.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not finite")
}

func TestCompressLogRoundTrip(t *testing.T) {
	raw := []byte("line one\nline two\n")

	compressed, err := CompressLog(raw)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)
	assert.NotEqual(t, raw, compressed)

	decoded, err := DecompressLog(compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCompressLogEmpty(t *testing.T) {
	compressed, err := CompressLog(nil)
	require.NoError(t, err)
	assert.Nil(t, compressed)

	decoded, err := DecompressLog(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}
