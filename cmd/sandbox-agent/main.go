package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/armanisadeghi/matrx-sandbox/pkg/agent"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
)

// Version information (set via ldflags during build)
var Version = "dev"

var (
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandbox-agent version %s\n", Version)
		return
	}

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: true})

	if err := run(); err != nil {
		logger := log.WithComponent("agent")
		logger.Error().Err(err).Msg("Agent failed")
		os.Exit(1)
	}
}

func run() error {
	env, err := agent.LoadEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.Region))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	syncer := agent.NewSyncer(s3.NewFromConfig(awsCfg), env.Bucket)

	return agent.New(env, syncer).Run(ctx)
}
