package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tickerwatch/tkw/internal/channel"
	"github.com/tickerwatch/tkw/internal/config"
	"github.com/tickerwatch/tkw/internal/logging"
	"github.com/tickerwatch/tkw/internal/monitor"
	"github.com/tickerwatch/tkw/internal/session"
	"github.com/tickerwatch/tkw/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(ctx, logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

type watchFlags struct {
	timeout      time.Duration
	otelEndpoint string
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	root := &cobra.Command{
		Use:           "tkw",
		Short:         "Tickerwatch streaming job monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	flags := &watchFlags{}
	root.PersistentFlags().DurationVar(
		&flags.timeout,
		"timeout",
		0,
		"cancel the job if no outcome arrives within this duration (0 disables)",
	)
	root.PersistentFlags().StringVar(
		&flags.otelEndpoint,
		"otel-endpoint",
		"",
		"override the OTLP trace collector endpoint",
	)

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newAnalyzeCommand(cfg, logger, flags),
		newBacktestCommand(cfg, logger, flags),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil || logger.Logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.Logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func newAnalyzeCommand(cfg *config.Config, logger *logging.RuntimeLogger, flags *watchFlags) *cobra.Command {
	var market string

	cmd := &cobra.Command{
		Use:   "analyze <ticker>",
		Short: "Run a multi-agent analysis of a ticker and watch it to its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := session.JobRequest{
				Kind:   session.KindAnalysis,
				Ticker: args[0],
				Market: market,
			}
			return watchJob(cmd, cfg, logger, flags, request)
		},
	}
	cmd.Flags().StringVar(&market, "market", "", "market the ticker trades on")
	return cmd
}

func newBacktestCommand(cfg *config.Config, logger *logging.RuntimeLogger, flags *watchFlags) *cobra.Command {
	var (
		strategy string
		start    string
		end      string
		capital  float64
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a strategy backtest and watch its progress to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			request := session.JobRequest{
				Kind: session.KindBacktest,
				Backtest: &session.BacktestParams{
					Strategy:       strategy,
					Start:          start,
					End:            end,
					InitialCapital: capital,
				},
			}
			return watchJob(cmd, cfg, logger, flags, request)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy identifier to backtest")
	cmd.Flags().StringVar(&start, "start", "", "backtest window start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "backtest window end date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&capital, "capital", 0, "initial capital for the backtest")
	return cmd
}

// watchJob starts one job and blocks until its session reaches a terminal
// phase, rendering state changes to the command's stdout. Timeout handling
// lives here, outside the monitor, as plain cancellation.
func watchJob(
	cmd *cobra.Command,
	cfg *config.Config,
	runtime *logging.RuntimeLogger,
	flags *watchFlags,
	request session.JobRequest,
) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if flags.otelEndpoint != "" {
		telemetry.SetEndpointOverride(flags.otelEndpoint)
	} else if cfg.OTELEndpoint != "" {
		telemetry.SetEndpointOverride(cfg.OTELEndpoint)
	}
	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	factory := func() monitor.Adapter {
		return channel.New(
			cfg.ServerURL,
			cfg.Token(),
			channel.WithLogger(runtime.Logger),
			channel.WithDialTimeout(cfg.DialTimeout),
			channel.WithSendTimeout(cfg.SendTimeout),
		)
	}

	jobs, err := monitor.New(factory, cfg.Agents, monitor.WithLogger(runtime.Logger))
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	render := newRenderer(cmd.OutOrStdout())
	done := make(chan session.Session, 1)
	unsubscribe := jobs.Subscribe(func(snapshot session.Session) {
		render.update(snapshot)
		if snapshot.Phase().Terminal() {
			select {
			case done <- snapshot:
			default:
			}
		}
	})
	defer unsubscribe()

	id, err := jobs.Start(ctx, request)
	if err != nil {
		return err
	}

	// Bind the session id so every subsequent record correlates with the job.
	logger := runtime.WithSessionID(id).Logger
	logger.Info("watching job", "kind", request.Kind)

	var timeoutCh <-chan time.Time
	if flags.timeout > 0 {
		timer := time.NewTimer(flags.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case final := <-done:
		render.finish(final)
		if final.Phase() == session.PhaseErrored {
			return fmt.Errorf("job failed: %s", final.Outcome.Message)
		}
		return nil
	case <-timeoutCh:
		jobs.Cancel(ctx)
		return fmt.Errorf("job timed out after %s", flags.timeout)
	case <-ctx.Done():
		jobs.Cancel(context.Background())
		return ctx.Err()
	}
}
