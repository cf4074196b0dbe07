// Package collector turns sandbox result artifacts into validated,
// persistable backtest results.
package collector

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

// Collector reads and validates the result artifact a finished sandbox run
// left in its job workspace.
type Collector struct {
	workspaces *sandbox.WorkspaceManager
}

// New creates a collector over the given workspace tree.
func New(workspaces *sandbox.WorkspaceManager) *Collector {
	return &Collector{workspaces: workspaces}
}

// Collect parses the job's result artifact and attaches the compressed run
// log. Any error here means the run cannot be treated as completed: the
// caller fails the job without consuming retry budget.
func (c *Collector) Collect(job *models.BacktestJob, rawLog []byte) (*models.BacktestResult, error) {
	data, err := c.workspaces.ReadResult(job.ID)
	if err != nil {
		return nil, fmt.Errorf("missing result artifact: %w", err)
	}

	artifact, err := parseArtifact(data)
	if err != nil {
		return nil, err
	}

	result := models.NewBacktestResult(job.ID, job.StrategyID)
	artifact.apply(result)

	compressed, err := CompressLog(rawLog)
	if err != nil {
		return nil, fmt.Errorf("failed to compress run log: %w", err)
	}
	result.RawLog = compressed

	return result, nil
}

// CompressLog gzips a captured run log. Empty input stays empty.
func CompressLog(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressLog undoes CompressLog for result retrieval.
func DecompressLog(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed log: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("failed to decompress log: %w", err)
	}
	return buf.Bytes(), nil
}
