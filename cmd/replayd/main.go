package main

import (
	"fmt"
	"os"

	"replay-buffer/internal/cli"
	"replay-buffer/internal/platform/config"
)

func main() {
	// A missing .env is fine; the environment and flags still apply.
	_ = config.Load()
	cfg := config.FromEnv()

	if err := cli.NewRootCmd(&cli.Dependencies{Config: &cfg}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
