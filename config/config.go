// Package config loads service configuration from the environment. Secrets
// and endpoints come from the environment (godotenv autoload happens in
// main); everything here has a sane default for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type AWSConfig struct {
	Region    string
	AccountID string
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("AWS_REGION is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("AWS_ACCOUNT_ID is required")
	}
	return nil
}

type DynamoDBConfig struct {
	SessionsTableName string
	ChunksTableName   string
}

type S3Config struct {
	BucketName string
}

type RedisConfig struct {
	Host string
}

type ServiceConfig struct {
	// SessionTTL is how long a session may live before the reaper may
	// reclaim it. Refreshed when a failed session is retried.
	SessionTTL time.Duration

	ReaperInterval time.Duration

	// MaxFileSize, MinChunkSize and MaxChunkSize bound what CreateSession
	// accepts.
	MaxFileSize  int64
	MinChunkSize int64
	MaxChunkSize int64

	// MultipartThreshold selects between stream-merge and multipart-copy
	// assembly for the final object.
	MultipartThreshold int64

	// StrictChunkVerify forces full hash validation of every chunk before
	// assembly instead of accepting durably-stored chunks as ready.
	StrictChunkVerify bool

	AssemblyQueueName string
}

type Config struct {
	Env         string
	Tracing     bool
	TracingAddr string

	AWSConfig      *AWSConfig
	DynamoDBConfig *DynamoDBConfig
	S3Config       *S3Config
	RedisConfig    *RedisConfig
	ServiceConfig  *ServiceConfig
}

func LoadConfig() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		Tracing:     getBool("TRACING_ENABLED", false),
		TracingAddr: getEnv("TRACING_ADDR", "localhost:4317"),

		AWSConfig: &AWSConfig{
			Region:    getEnv("AWS_REGION", "us-east-1"),
			AccountID: getEnv("AWS_ACCOUNT_ID", ""),
		},
		DynamoDBConfig: &DynamoDBConfig{
			SessionsTableName: getEnv("UPLOAD_SESSIONS_TABLE", "upload_sessions"),
			ChunksTableName:   getEnv("UPLOAD_CHUNKS_TABLE", "upload_chunks"),
		},
		S3Config: &S3Config{
			BucketName: getEnv("UPLOADS_BUCKET", "uploads"),
		},
		RedisConfig: &RedisConfig{
			Host: getEnv("REDIS_HOST", ""),
		},
		ServiceConfig: &ServiceConfig{
			SessionTTL:         getDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
			ReaperInterval:     getDuration("REAPER_INTERVAL", time.Hour),
			MaxFileSize:        getInt64("MAX_FILE_SIZE", 10*1024*1024*1024),
			MinChunkSize:       getInt64("MIN_CHUNK_SIZE", 1024),
			MaxChunkSize:       getInt64("MAX_CHUNK_SIZE", 50*1024*1024),
			MultipartThreshold: getInt64("MULTIPART_THRESHOLD", 5*1024*1024*1024),
			StrictChunkVerify:  getBool("STRICT_CHUNK_VERIFY", false),
			AssemblyQueueName:  getEnv("ASSEMBLY_QUEUE_NAME", "upload-assembly"),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
