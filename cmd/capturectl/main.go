package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/docutag/capture/app"
	"github.com/docutag/capture/config"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Logs go to stderr so stdout stays valid JSON
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	cfg, err := config.Load(getEnv("CAPTURE_CONFIG", "capture.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a, err := app.Open(context.Background(), cfg, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runErr := newCLIApp(a).Run(os.Args)
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}
