package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set via ldflags at build time
var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "pal",
	Short: "Personal assistant with long-term memory and web search",
	Long: `pal answers questions with a local language model, augmented with
memories of past conversations and optional live web search.

Run "pal serve" to start the server, then use the other commands to talk to it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(askCmd, debugPromptCmd)
	rootCmd.AddCommand(memoryCmd, historyCmd, personalitiesCmd)
	rootCmd.AddCommand(dataCmd, configCmd)
}

func main() {
	// A missing .env is fine; the environment and config backend still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.Version = version
	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
