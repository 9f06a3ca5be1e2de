package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gwgundersen/ir/internal/runner"
)

var rootCmd = &cobra.Command{
	Use:   "ir <spec-path>",
	Short: "Run a declarative batch of processes and report structured results",
	Long: `ir spawns a batch of processes described by a JSON spec file,
plumbs each one's file descriptors, captures its output, and prints a
single JSON report of exit status, resource usage, and captured output
for every process in the batch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(args[0])
	},
	SilenceUsage: true,
}

func runBatch(specPath string) error {
	log := newLogger()
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	batch, err := runner.Run(ctx, log, specPath)
	if err != nil {
		return fmt.Errorf("ir: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(batch); err != nil {
		return fmt.Errorf("ir: encoding result: %w", err)
	}
	return nil
}

// newLogger builds a zap.Logger the way the teacher's cmd/zmux-server/main.go
// does for its own CLI-facing process — color console encoding on an
// interactive terminal, JSON otherwise — gated on IR_LOG_LEVEL
// (SPEC_FULL.md §6's Go-native analogue of RUST_BACKTRACE).
func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.Encoding = "json"
	}

	if lvl, err := zapcore.ParseLevel(os.Getenv("IR_LOG_LEVEL")); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	log := zap.Must(cfg.Build())
	return log.Named("ir")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
