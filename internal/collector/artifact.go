package collector

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/yourusername/freqsearch/internal/models"
)

// resultArtifact is the wire form of the result.json document the sandboxed
// engine leaves in the job workspace. Every numeric field is a pointer so a
// missing field is distinguishable from a legitimate zero.
type resultArtifact struct {
	TotalTrades   *int     `json:"total_trades"`
	WinningTrades *int     `json:"winning_trades"`
	LosingTrades  *int     `json:"losing_trades"`
	WinRate       *float64 `json:"win_rate"`

	ProfitTotal  *float64 `json:"profit_total"`
	ProfitPct    *float64 `json:"profit_pct"`
	ProfitFactor *float64 `json:"profit_factor"`

	MaxDrawdown    *float64 `json:"max_drawdown"`
	MaxDrawdownPct *float64 `json:"max_drawdown_pct"`
	SharpeRatio    *float64 `json:"sharpe_ratio"`
	SortinoRatio   *float64 `json:"sortino_ratio"`
	CalmarRatio    *float64 `json:"calmar_ratio"`

	AvgTradeDurationMinutes *float64 `json:"avg_trade_duration_minutes"`
	AvgProfitPerTrade       *float64 `json:"avg_profit_per_trade"`
	BestTradePct            *float64 `json:"best_trade_pct"`
	WorstTradePct           *float64 `json:"worst_trade_pct"`

	PairResults []pairArtifact `json:"pair_results"`
}

type pairArtifact struct {
	Pair               string   `json:"pair"`
	Trades             *int     `json:"trades"`
	ProfitPct          *float64 `json:"profit_pct"`
	WinRate            *float64 `json:"win_rate"`
	AvgDurationMinutes *float64 `json:"avg_duration_minutes"`
}

// parseArtifact decodes and validates a result document. Unknown fields are
// tolerated so newer engine images can report more than we store.
func parseArtifact(data []byte) (*resultArtifact, error) {
	var artifact resultArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode result artifact: %w", err)
	}
	if err := artifact.validate(); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (a *resultArtifact) validate() error {
	required := []struct {
		name  string
		value *int
	}{
		{"total_trades", a.TotalTrades},
		{"winning_trades", a.WinningTrades},
		{"losing_trades", a.LosingTrades},
	}
	for _, field := range required {
		if field.value == nil {
			return fmt.Errorf("missing required field %q", field.name)
		}
		if *field.value < 0 {
			return fmt.Errorf("field %q is negative", field.name)
		}
	}

	requiredFloats := []struct {
		name  string
		value *float64
	}{
		{"profit_total", a.ProfitTotal},
		{"profit_pct", a.ProfitPct},
		{"max_drawdown", a.MaxDrawdown},
		{"max_drawdown_pct", a.MaxDrawdownPct},
	}
	for _, field := range requiredFloats {
		if field.value == nil {
			return fmt.Errorf("missing required field %q", field.name)
		}
		if err := checkFinite(field.name, field.value); err != nil {
			return err
		}
	}

	optionalFloats := []struct {
		name  string
		value *float64
	}{
		{"win_rate", a.WinRate},
		{"profit_factor", a.ProfitFactor},
		{"sharpe_ratio", a.SharpeRatio},
		{"sortino_ratio", a.SortinoRatio},
		{"calmar_ratio", a.CalmarRatio},
		{"avg_trade_duration_minutes", a.AvgTradeDurationMinutes},
		{"avg_profit_per_trade", a.AvgProfitPerTrade},
		{"best_trade_pct", a.BestTradePct},
		{"worst_trade_pct", a.WorstTradePct},
	}
	for _, field := range optionalFloats {
		if err := checkFinite(field.name, field.value); err != nil {
			return err
		}
	}

	if *a.WinningTrades+*a.LosingTrades != *a.TotalTrades {
		return fmt.Errorf("inconsistent trade counts: %d winning + %d losing != %d total",
			*a.WinningTrades, *a.LosingTrades, *a.TotalTrades)
	}
	if a.WinRate != nil && (*a.WinRate < 0 || *a.WinRate > 1) {
		return fmt.Errorf("win_rate %v outside [0, 1]", *a.WinRate)
	}

	for i, pair := range a.PairResults {
		if pair.Pair == "" {
			return fmt.Errorf("pair_results[%d] missing pair name", i)
		}
		if pair.Trades == nil || *pair.Trades < 0 {
			return fmt.Errorf("pair_results[%d] has invalid trade count", i)
		}
		pairFloats := []struct {
			name  string
			value *float64
		}{
			{"profit_pct", pair.ProfitPct},
			{"win_rate", pair.WinRate},
			{"avg_duration_minutes", pair.AvgDurationMinutes},
		}
		for _, field := range pairFloats {
			if err := checkFinite(fmt.Sprintf("pair_results[%d].%s", i, field.name), field.value); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkFinite(name string, value *float64) error {
	if value == nil {
		return nil
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		return fmt.Errorf("field %q is not finite", name)
	}
	return nil
}

// apply copies the artifact onto a result record, deriving the ratios the
// engine did not report.
func (a *resultArtifact) apply(result *models.BacktestResult) {
	result.TotalTrades = *a.TotalTrades
	result.WinningTrades = *a.WinningTrades
	result.LosingTrades = *a.LosingTrades
	result.ProfitTotal = *a.ProfitTotal
	result.ProfitPct = *a.ProfitPct
	result.MaxDrawdown = *a.MaxDrawdown
	result.MaxDrawdownPct = *a.MaxDrawdownPct

	result.ProfitFactor = a.ProfitFactor
	result.SharpeRatio = a.SharpeRatio
	result.SortinoRatio = a.SortinoRatio
	result.CalmarRatio = a.CalmarRatio
	result.AvgTradeDurationMinutes = a.AvgTradeDurationMinutes
	result.BestTradePct = a.BestTradePct
	result.WorstTradePct = a.WorstTradePct

	result.WinRate = a.winRate()
	result.AvgProfitPerTrade = a.avgProfitPerTrade()

	for _, pair := range a.PairResults {
		entry := models.PairResult{
			Pair:   pair.Pair,
			Trades: *pair.Trades,
		}
		if pair.ProfitPct != nil {
			entry.ProfitPct = *pair.ProfitPct
		}
		if pair.WinRate != nil {
			entry.WinRate = *pair.WinRate
		}
		if pair.AvgDurationMinutes != nil {
			entry.AvgDurationMinutes = *pair.AvgDurationMinutes
		}
		result.PairResults = append(result.PairResults, entry)
	}
}

func (a *resultArtifact) winRate() float64 {
	if a.WinRate != nil {
		return *a.WinRate
	}
	if *a.TotalTrades == 0 {
		return 0
	}
	rate := decimal.NewFromInt(int64(*a.WinningTrades)).
		Div(decimal.NewFromInt(int64(*a.TotalTrades))).
		Round(4)
	return rate.InexactFloat64()
}

func (a *resultArtifact) avgProfitPerTrade() *float64 {
	if a.AvgProfitPerTrade != nil {
		return a.AvgProfitPerTrade
	}
	if *a.TotalTrades == 0 {
		return nil
	}
	avg := decimal.NewFromFloat(*a.ProfitTotal).
		Div(decimal.NewFromInt(int64(*a.TotalTrades))).
		Round(8).
		InexactFloat64()
	return &avg
}
