package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"naikit/internal/config"
	"naikit/internal/constants"
	apperrors "naikit/internal/errors"
	"naikit/internal/metrics"
	"naikit/internal/models"
	"naikit/internal/retry"
	"naikit/internal/security"
	"naikit/internal/tracing"
	"naikit/pkg/keys"
	"naikit/pkg/media"
	"naikit/pkg/novelai"
	"naikit/pkg/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var errUsage = errors.New("usage")

const usage = `naikit - NovelAI image generation toolkit

Usage:
  naikit [global flags] <command> [command flags]

Commands:
  keys      derive the access and encryption keys for a login
  login     exchange credentials for an access token
  fit       fit a WIDTHxHEIGHT request to a size the endpoint accepts
  download  fetch an image from a data URI or URL
  generate  generate images from a prompt

Global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(apperrors.ExitInvalid)
		}
		fmt.Fprintf(os.Stderr, "naikit: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("naikit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	showVersion := fs.Bool("version", false, "Show version information")
	metricsOut := fs.String("metrics-out", "", "Write Prometheus metrics to this file on exit")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *showVersion {
		fmt.Fprintf(stdout, "naikit %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		return nil
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, *verbose, stderr)
	a := newApp(cfg, logger, stdout)
	a.readPassword = terminalPassword(stdin, stderr)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: firstNonEmpty(cfg.Tracing.ServiceVersion, Version),
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
		Writer:         stderr,
	}, logger)
	if err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	if *metricsOut != "" {
		defer func() {
			if err := writeMetrics(*metricsOut, a.metrics); err != nil {
				logger.Warnf("Failed to write metrics: %v", err)
			}
		}()
	}

	ctx = tracing.WithInvocation(ctx, tracing.NewRequestID(), fs.Arg(0))

	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	if err != nil && !errors.Is(err, errUsage) {
		a.errLog.Report(err, "Command failed", tracing.Fields(ctx))
	}
	return err
}

func newLogger(level string, verbose bool, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(out)

	switch {
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
	case level != "":
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to warn", level)
			parsed = logrus.WarnLevel
		}
		logger.SetLevel(parsed)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// app holds the wired components shared by every command
type app struct {
	cfg        *models.Config
	logger     *logrus.Logger
	errLog     *apperrors.Logger
	metrics    *metrics.Collector
	transport  *transport.HTTPTransport
	deriver    *keys.Deriver
	downloader *media.Downloader
	client     *novelai.Client
	stdout     io.Writer

	readPassword passwordReader
}

func newApp(cfg *models.Config, logger *logrus.Logger, stdout io.Writer) *app {
	collector := metrics.NewCollector()

	// The client timeout must cover the slowest call; shorter calls get
	// per-request deadlines.
	timeout := cfg.Transport.TimeoutSec
	if cfg.Transport.GenerateTimeoutSec > timeout {
		timeout = cfg.Transport.GenerateTimeoutSec
	}
	tr := transport.New(transport.Options{
		Timeout:            time.Duration(timeout) * time.Second,
		RequestsPerSecond:  cfg.Transport.RequestsPerSecond,
		Burst:              cfg.Transport.Burst,
		BreakerMaxFailures: cfg.Transport.BreakerMaxFailures,
		BreakerReset:       time.Duration(cfg.Transport.BreakerResetSec) * time.Second,
		UserAgent:          firstNonEmpty(cfg.Transport.UserAgent, "naikit/"+Version),
		Logger:             logger,
		Metrics:            collector,
	})

	deriver := keys.NewDeriver(keys.Options{
		Logger:  logger,
		Metrics: collector,
		Retry: &retry.Policy{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  constants.DefaultDerivationMaxAttempts,
			Jitter:       true,
		},
	})

	downloader := media.NewDownloader(tr, logger, collector)

	client := novelai.NewClient(novelai.Config{
		APIBaseURL:   cfg.NovelAI.APIBaseURL,
		ImageBaseURL: cfg.NovelAI.ImageBaseURL,
		Defaults: novelai.GenerateParams{
			Model:          cfg.Generate.Model,
			Sampler:        cfg.Generate.Sampler,
			Steps:          cfg.Generate.Steps,
			Scale:          cfg.Generate.Scale,
			Strength:       cfg.Generate.Strength,
			Noise:          cfg.Generate.Noise,
			NegativePrompt: cfg.Generate.NegativePrompt,
		},
	}, tr, deriver, downloader, logger, collector)

	return &app{
		cfg:        cfg,
		logger:     logger,
		errLog:     apperrors.WrapLogger(logger),
		metrics:    collector,
		transport:  tr,
		deriver:    deriver,
		downloader: downloader,
		client:     client,
		stdout:     stdout,
	}
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "keys":
		return a.runKeys(ctx, args)
	case "login":
		return a.runLogin(ctx, args)
	case "fit":
		return a.runFit(args)
	case "download":
		return a.runDownload(ctx, args)
	case "generate":
		return a.runGenerate(ctx, args)
	default:
		return apperrors.NewInvalidInputError("command", fmt.Sprintf("unknown command %q", command))
	}
}

func writeMetrics(path string, collector *metrics.Collector) (err error) {
	if err := security.ValidateFilePath(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, constants.DefaultFilePermissions) // #nosec G304 - Path validated above
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close metrics file: %w", closeErr)
		}
	}()

	return collector.WriteText(file)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
