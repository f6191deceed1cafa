// Package cmd defines the crypko-downloader command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/app"
	"github.com/JakeFAU/crypko-downloader/internal/catalog"
	"github.com/JakeFAU/crypko-downloader/internal/config"
	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/id/uuid"
	"github.com/JakeFAU/crypko-downloader/internal/logging"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
	"github.com/JakeFAU/crypko-downloader/internal/queue"
	"github.com/JakeFAU/crypko-downloader/internal/storage"
)

var cardIDPattern = regexp.MustCompile(`^\d+$`)

// Runner is a prepared download run.
type Runner interface {
	Run(ctx context.Context) download.Code
	Close()
}

// idGenerator produces the run_id attached to every log line.
var idGenerator download.IDGenerator = uuid.New()

// newRunner is the application factory. It's a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg config.Config, opts app.Options, stdout io.Writer, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, opts, app.Deps{Stdout: stdout}, logger)
}

type flags struct {
	configPath  string
	output      string
	metadata    string
	owner       string
	likeBy      string
	userAgent   string
	timeoutSec  int
	verbose     bool
	metricsAddr string
}

// newRootCmd creates the root command. The run's result code is stored in code.
func newRootCmd(code *download.Code, stdout io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "crypko-downloader [cardId]",
		Short: "Download Crypko card images by rendering the card page.",
		Long: `crypko-downloader opens a card page in a headless browser, waits for the
card's detail and image responses, and saves the image (and optionally the
detail JSON). With --owner or --like-by it lists matching cards from the
catalog and downloads each in turn, skipping files that already exist.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &cfg); err != nil {
				return err
			}
			*code = run(cmd.Context(), cfg, opts, stdout)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.output, "output", "o", "", `image path ("-" for stdout); a template with a number in catalog mode (default "{cardId}.jpg", "0.jpg" in catalog mode)`)
	fs.StringVarP(&f.metadata, "json", "j", "", "also save the card detail JSON to this path or template")
	fs.StringVar(&f.owner, "owner", "", "download every card owned by this address")
	fs.StringVar(&f.likeBy, "like-by", "", "download every card liked by this address")
	fs.StringVar(&f.userAgent, "user-agent", "", "override the User-Agent of the browser and the API client")
	fs.IntVarP(&f.timeoutSec, "timeout", "t", 0, "idle timeout in seconds (default from config, 30)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log content-encoding and content-type of every response")
	fs.StringVar(&f.configPath, "config", "", "config file (YAML)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	cmd.MarkFlagsMutuallyExclusive("owner", "like-by")

	return cmd
}

// options validates the positional argument and the mode flags.
func (f *flags) options(args []string) (app.Options, error) {
	opts := app.Options{Output: f.output, Metadata: f.metadata, Verbose: f.verbose}
	if len(args) == 1 {
		opts.CardID = args[0]
	}
	switch {
	case f.owner != "":
		opts.Filter = catalog.OwnerFilter(f.owner)
	case f.likeBy != "":
		opts.Filter = catalog.LikedByFilter(f.likeBy)
	}

	switch {
	case opts.CardID == "" && opts.Filter == "":
		return opts, errors.New("a cardId or one of --owner/--like-by is required")
	case opts.CardID != "" && opts.Filter != "":
		return opts, errors.New("cardId cannot be combined with --owner/--like-by")
	case opts.CardID != "" && !cardIDPattern.MatchString(opts.CardID):
		return opts, fmt.Errorf("cardId must be numeric: %q", opts.CardID)
	}

	if opts.Filter == "" {
		if opts.Output == "" {
			opts.Output = opts.CardID + ".jpg"
		}
		return opts, nil
	}

	if opts.Output == "" {
		opts.Output = "0.jpg"
	}
	if opts.Output == storage.StdoutPath || !queue.HasNumber(opts.Output) {
		return opts, fmt.Errorf("-o must be a file name containing a number in catalog mode: %q", opts.Output)
	}
	if opts.Metadata != "" && !queue.HasNumber(opts.Metadata) {
		return opts, fmt.Errorf("-j must be a file name containing a number in catalog mode: %q", opts.Metadata)
	}
	return opts, nil
}

// apply lets explicit flags override configuration.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("timeout") {
		if f.timeoutSec <= 0 {
			return fmt.Errorf("-t must be > 0, got %d", f.timeoutSec)
		}
		cfg.Orchestrator.Timeout = time.Duration(f.timeoutSec) * time.Second
	}
	if f.userAgent != "" {
		cfg.Browser.UserAgent = f.userAgent
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, opts app.Options, stdout io.Writer) download.Code {
	logger, err := logging.New(cfg.Logging.Development, opts.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return download.CodeUsage
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()
	logger = logger.With(zap.String("run_id", runID(idGenerator, logger)))

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	runner, err := newRunner(ctx, cfg, opts, stdout, logger)
	if err != nil {
		logger.Error("failed to initialize application services", zap.Error(err))
		return download.CodeUsage
	}
	defer runner.Close()

	logger.Info("run started",
		zap.String("card_id", opts.CardID),
		zap.String("filter", opts.Filter),
		zap.String("output", opts.Output),
		zap.String("metadata", opts.Metadata),
	)
	return runner.Run(ctx)
}

func runID(gen download.IDGenerator, logger *zap.Logger) string {
	id, err := gen.NewID()
	if err != nil {
		logger.Warn("run id unavailable", zap.Error(err))
		return "unknown"
	}
	return id
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := download.CodeSuccess
	cmd := newRootCmd(&code, stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintln(stderr, cmd.UsageString())
		return int(download.CodeUsage)
	}
	return int(code)
}
