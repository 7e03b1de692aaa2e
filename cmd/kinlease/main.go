// Command kinlease runs a standalone consumer process against the library
// core, grounded on the teacher's thin cmd/benthos/main.go -> internal/cli.Run(ctx)
// split.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/usedatabrew/kinlease/internal/config"
	"github.com/usedatabrew/kinlease/pkg/kinlease"
)

func main() {
	app := App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kinlease: %v\n", err)
		os.Exit(1)
	}
}

// App returns the full CLI app definition, mirroring the teacher's
// `cli.App()` shape so it can be exercised in tests the same way.
func App() *cli.App {
	return &cli.App{
		Name:  "kinlease",
		Usage: "run a shard-coordinating stream consumer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to a YAML config file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region",
				Value: "us-east-1",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "override AWS endpoint (for local DynamoDB/Kinesis)",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sessCfg := aws.NewConfig().WithRegion(c.String("region"))
	if endpoint := c.String("endpoint"); endpoint != "" {
		sessCfg = sessCfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(sessCfg)
	if err != nil {
		return fmt.Errorf("building AWS session: %w", err)
	}

	consumer, err := kinlease.New(cfg, sess, stdoutPush)
	if err != nil {
		return fmt.Errorf("constructing consumer: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// stdoutPush is the default push callback for the standalone CLI: it logs
// each delivery and auto-acknowledges. Applications embedding the library
// supply their own PushFunc via kinlease.New instead of this binary.
func stdoutPush(d kinlease.Delivery) (kinlease.Feedback, error) {
	fmt.Printf("shard=%s stream=%s records=%d millis_behind=%d\n", d.ShardID, d.StreamName, len(d.Records), d.MillisBehindLatest)
	return kinlease.Feedback{ContinuePolling: true}, nil
}
