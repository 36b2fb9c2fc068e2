package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/michaelneumaier/mixpitch-sub012/config"
	"github.com/michaelneumaier/mixpitch-sub012/health"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
)

type App struct {
	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *sdktrace.TracerProvider
	Logger         logging.Logger
}

func SetupApp() (*App, error) {
	cfg := config.LoadConfig()

	if err := cfg.AWSConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	awsCfg, err := initAWS(*cfg.AWSConfig)
	if err != nil {
		return nil, err
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))

	app := &App{
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		S3:       s3.NewFromConfig(awsCfg),
		Sqs:      sqs.NewFromConfig(awsCfg),
		Redis:    initRedis(*cfg.RedisConfig),

		Config:    cfg,
		AwsConfig: awsCfg,
		Logger:    appLogger,
	}

	if app.Config.Tracing {
		tp, err := InitTracer(context.Background(), "uploads", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		log.Println("tracing in progress...")

		app.TracerProvider = tp
	}

	app.Services = BuildServices(app)

	return app, nil
}

// Run drives the background work: the expiry reaper on its interval and a
// periodic readiness probe over the stores. Blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.watchReadiness(ctx)

	ticker := time.NewTicker(a.Config.ServiceConfig.ReaperInterval)
	defer ticker.Stop()

	a.Logger.Info("upload worker started",
		"reaper_interval", a.Config.ServiceConfig.ReaperInterval.String(),
		"bucket", a.Config.S3Config.BucketName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reaped, err := a.Services.Reaper.ReapExpired(ctx)
			if err != nil {
				a.Logger.Error("reaper sweep failed", "error", err)
				continue
			}
			if reaped > 0 {
				a.Logger.Info("reaper sweep complete", "reclaimed", reaped)
			}
		}
	}
}

func (a *App) watchReadiness(ctx context.Context) {
	checks := []health.ReadinessCheck{
		a.Services.Stores.sessions,
		a.Services.Stores.chunks,
		a.Services.Stores.blobs,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		wasReady := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ready := true

				for _, c := range checks {
					cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
					err := c.IsReady(cctx)
					cancel()

					if err != nil {
						ready = false
						a.Logger.Warn("dependency not ready", "check", c.Name(), "error", err)
						break
					}
				}

				if ready != wasReady {
					a.Logger.Info("readiness changed", "ready", ready)
					wasReady = ready
				}
			}
		}
	}()
}

func initAWS(cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Host == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Host,
		Password: "",
		DB:       0,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	log.Println("starting graceful shutdown")

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			log.Printf("services shutdown error: %v", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}

	log.Println("graceful shutdown complete")
	return nil
}
