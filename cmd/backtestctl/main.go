// Package main provides the backtestctl command line client for the
// backtest scheduler REST API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/yourusername/freqsearch/internal/api"
	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/service"
)

// Build information - set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	serverURL  string
	outputJSON bool
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

var (
	submitStrategyID string
	submitExchange   string
	submitPairs      []string
	submitTimeframe  string
	submitTimerange  string
	submitWallet     float64
	submitMaxTrades  int
	submitStake      string
	submitPriority   int

	queryStatus     string
	queryStrategyID string
	queryOrderBy    string
	queryAscending  bool
	queryPage       int
	queryPageSize   int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Base URL of the backtest scheduler API")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON responses")

	submitCmd.Flags().StringVar(&submitStrategyID, "strategy-id", "", "Strategy UUID to backtest (required)")
	submitCmd.Flags().StringVar(&submitExchange, "exchange", "binance", "Exchange to simulate")
	submitCmd.Flags().StringSliceVar(&submitPairs, "pairs", nil, "Trading pairs, e.g. BTC/USDT,ETH/USDT (required)")
	submitCmd.Flags().StringVar(&submitTimeframe, "timeframe", "5m", "Candle timeframe")
	submitCmd.Flags().StringVar(&submitTimerange, "timerange", "", "Backtest window as YYYYMMDD-YYYYMMDD (required)")
	submitCmd.Flags().Float64Var(&submitWallet, "wallet", 1000, "Dry run wallet size")
	submitCmd.Flags().IntVar(&submitMaxTrades, "max-open-trades", 3, "Maximum concurrent open trades")
	submitCmd.Flags().StringVar(&submitStake, "stake", "unlimited", "Stake amount per trade or 'unlimited'")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Queue priority, higher runs first")

	queryCmd.Flags().StringVar(&queryStatus, "status", "", "Filter by job status")
	queryCmd.Flags().StringVar(&queryStrategyID, "strategy-id", "", "Filter by strategy UUID")
	queryCmd.Flags().StringVar(&queryOrderBy, "order-by", "", "Sort column: created_at, profit_pct or sharpe_ratio")
	queryCmd.Flags().BoolVar(&queryAscending, "ascending", false, "Sort ascending instead of descending")
	queryCmd.Flags().IntVar(&queryPage, "page", 1, "Result page")
	queryCmd.Flags().IntVar(&queryPageSize, "page-size", 20, "Results per page")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "backtestctl",
	Short: "Control client for the freqsearch backtest scheduler",
	Long:  `Submits, inspects, watches and cancels backtest jobs through the scheduler's REST API.`,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a backtest job",
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyID, err := uuid.Parse(submitStrategyID)
		if err != nil {
			return fmt.Errorf("invalid --strategy-id: %w", err)
		}
		start, end, err := splitTimerange(submitTimerange)
		if err != nil {
			return err
		}

		req := &service.SubmitRequest{
			StrategyID: strategyID,
			Priority:   submitPriority,
			Config: models.BacktestConfig{
				Exchange:       submitExchange,
				Pairs:          submitPairs,
				Timeframe:      submitTimeframe,
				TimerangeStart: start,
				TimerangeEnd:   end,
				DryRunWallet:   submitWallet,
				MaxOpenTrades:  submitMaxTrades,
				StakeAmount:    submitStake,
			},
		}

		var job models.BacktestJob
		if err := doRequest(http.MethodPost, "/api/v1/backtests", req, &job); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(job)
		}
		fmt.Printf("Submitted job %s (status: %s, priority: %d)\n", job.ID, job.Status, job.Priority)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.BacktestJob
		if err := doRequest(http.MethodGet, "/api/v1/backtests/"+args[0], nil, &job); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(job)
		}
		printJob(&job)
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Show a completed job's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result models.BacktestResult
		if err := doRequest(http.MethodGet, "/api/v1/backtests/"+args[0]+"/result", nil, &result); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(result)
		}
		printResult(&result)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.BacktestJob
		if err := doRequest(http.MethodPost, "/api/v1/backtests/"+args[0]+"/cancel", nil, &job); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(job)
		}
		fmt.Printf("Job %s is now %s\n", job.ID, job.Status)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query jobs matching the given filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		if queryStatus != "" {
			params.Set("status", queryStatus)
		}
		if queryStrategyID != "" {
			params.Set("strategy_id", queryStrategyID)
		}
		if queryOrderBy != "" {
			params.Set("order_by", queryOrderBy)
		}
		if queryAscending {
			params.Set("ascending", "true")
		}
		params.Set("page", strconv.Itoa(queryPage))
		params.Set("page_size", strconv.Itoa(queryPageSize))

		var page struct {
			Jobs     []*models.BacktestJob `json:"jobs"`
			Total    int                   `json:"total"`
			Page     int                   `json:"page"`
			PageSize int                   `json:"page_size"`
		}
		if err := doRequest(http.MethodGet, "/api/v1/backtests?"+params.Encode(), nil, &page); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(page)
		}

		fmt.Printf("%-36s  %-10s  %-8s  %-7s  %s\n", "ID", "STATUS", "RETRIES", "PRIO", "CREATED")
		for _, job := range page.Jobs {
			fmt.Printf("%-36s  %-10s  %-8d  %-7d  %s\n",
				job.ID, job.Status, job.RetryCount, job.Priority, job.CreatedAt.Format(time.RFC3339))
		}
		fmt.Printf("\nPage %d of %d total jobs\n", page.Page, page.Total)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats models.QueueStats
		if err := doRequest(http.MethodGet, "/api/v1/queue/stats", nil, &stats); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(stats)
		}
		fmt.Printf("Pending jobs:     %d\n", stats.PendingJobs)
		fmt.Printf("Running jobs:     %d\n", stats.RunningJobs)
		fmt.Printf("Completed today:  %d\n", stats.CompletedToday)
		fmt.Printf("Failed today:     %d\n", stats.FailedToday)
		fmt.Printf("Avg wait time:    %dms\n", stats.AvgWaitTimeMs)
		fmt.Printf("Avg run time:     %dms\n", stats.AvgRunTimeMs)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's state changes until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := watchURL(serverURL, args[0])
		if err != nil {
			return err
		}

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("job %s not found", args[0])
			}
			return fmt.Errorf("failed to connect: %w", err)
		}
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		for {
			var frame api.WatchFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("watch stream failed: %w", err)
			}
			if frame.ErrorMessage != "" {
				fmt.Printf("%s  %s  retries=%d  error=%q\n", time.Now().Format(time.TimeOnly), frame.Status, frame.RetryCount, frame.ErrorMessage)
			} else {
				fmt.Printf("%s  %s  retries=%d\n", time.Now().Format(time.TimeOnly), frame.Status, frame.RetryCount)
			}
			if frame.Terminal {
				return nil
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("backtestctl %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// doRequest performs one API call and decodes the response into out. Error
// responses carry a JSON {"error": ...} body which becomes the returned error.
func doRequest(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func watchURL(base, jobID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/backtests/" + jobID + "/watch"
	return u.String(), nil
}

func splitTimerange(timerange string) (string, string, error) {
	parts := strings.Split(timerange, "-")
	if len(parts) != 2 || len(parts[0]) != 8 || len(parts[1]) != 8 {
		return "", "", fmt.Errorf("--timerange must be YYYYMMDD-YYYYMMDD")
	}
	return parts[0], parts[1], nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printJob(job *models.BacktestJob) {
	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Strategy:   %s\n", job.StrategyID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Priority:   %d\n", job.Priority)
	fmt.Printf("Retries:    %d\n", job.RetryCount)
	fmt.Printf("Exchange:   %s\n", job.Config.Exchange)
	fmt.Printf("Pairs:      %s\n", strings.Join(job.Config.Pairs, ", "))
	fmt.Printf("Timerange:  %s to %s\n", job.Config.TimerangeStart, job.Config.TimerangeEnd)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:    %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.ErrorMessage != nil {
		fmt.Printf("Error:      %s\n", *job.ErrorMessage)
	}
}

func printResult(result *models.BacktestResult) {
	fmt.Printf("Job:            %s\n", result.JobID)
	fmt.Printf("Total trades:   %d\n", result.TotalTrades)
	fmt.Printf("Winning trades: %d\n", result.WinningTrades)
	fmt.Printf("Losing trades:  %d\n", result.LosingTrades)
	fmt.Printf("Win rate:       %.2f%%\n", result.WinRate*100)
	fmt.Printf("Profit total:   %.4f\n", result.ProfitTotal)
	fmt.Printf("Profit pct:     %.2f%%\n", result.ProfitPct)
	fmt.Printf("Max drawdown:   %.2f%%\n", result.MaxDrawdownPct)
	if result.SharpeRatio != nil {
		fmt.Printf("Sharpe ratio:   %.3f\n", *result.SharpeRatio)
	}
	if result.SortinoRatio != nil {
		fmt.Printf("Sortino ratio:  %.3f\n", *result.SortinoRatio)
	}
	if len(result.PairResults) > 0 {
		fmt.Println("\nPer pair:")
		for _, pair := range result.PairResults {
			fmt.Printf("  %-12s  trades=%-4d  profit=%.2f%%  win_rate=%.2f%%\n",
				pair.Pair, pair.Trades, pair.ProfitPct, pair.WinRate*100)
		}
	}
}
