package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "1.0.0"

var (
	// global flags
	workspace string
	provider  string
	debugMode bool
	sessionID string

	// logger for CLI-level events; per-category engine logs go to
	// .atlas/logs via the logging package
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "Atlas - hierarchical planning and adaptive execution engine",
	Long: `Atlas decomposes a goal into a bounded task tree, executes it in
dependency order, and adapts when steps fail: falling back from direct
tool calls to LLM composition, finer decomposition, or sandboxed tool
regeneration.

Run without arguments to start the interactive loop.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debugMode {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory (holds .atlas/)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider override (anthropic, openai, gemini, groq, mistral)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "resume an existing session by id")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Atlas version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("atlas %s\n", version)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
