package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Harmony/internal"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api/jwt"
	"github.com/hbomb79/Harmony/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to Harmony. The configuration is loaded from the
// file provided (if any) and the environment, and then either a bearer token
// is issued (when -issue-token is given) or the Harmony server is started.
func main() {
	configPath := flag.String("config", "", "Path to the Harmony YAML configuration file")
	logLevel := flag.String("log-level", "INFO", "Minimum level of logs to emit (VERBOSE, DEBUG, INFO, WARNING, ERROR)")
	issueToken := flag.String("issue-token", "", "Issue an API bearer token for the user ID provided and exit")
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(2)
	}
	logger.SetMinLoggingLevel(level.Level())

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, exp, err := jwt.NewJwtAuth([]byte(config.RestConfig.JWTSecret), config.RestConfig.TokenLifespan).GenerateToken(access.UserID(*issueToken))
		if err != nil {
			log.Emit(logger.FATAL, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}

		log.Emit(logger.SUCCESS, "Issued token for %s (expires %s)\n", *issueToken, exp)
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := internal.New(*config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Harmony failed: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Harmony shutdown complete\n")
}
