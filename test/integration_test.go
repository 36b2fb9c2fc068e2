package test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"

	"github.com/michaelneumaier/mixpitch-sub012/caching"
	appcfg "github.com/michaelneumaier/mixpitch-sub012/config"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/queues"
	"github.com/michaelneumaier/mixpitch-sub012/services"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

type TestEnv struct {
	Dynamo   *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	QueueURL string
}

func setupTestEnv(t *testing.T) *TestEnv {
	endpoint := os.Getenv("AWS_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("AWS_TEST_ENDPOINT not set; skipping localstack integration test")
	}

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	ignoreExisting := func(err error) {
		var exists *types.ResourceInUseException
		if err != nil && !errors.As(err, &exists) {
			require.NoError(t, err)
		}
	}

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String("upload_sessions"),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("session_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("session_id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	ignoreExisting(err)

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String("upload_chunks"),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("session_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("chunk_index"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("session_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("chunk_index"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	ignoreExisting(err)

	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String("uploads"),
	})
	if err != nil {
		// bucket may survive from a previous run
		t.Logf("create bucket: %v", err)
	}

	q, err := sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String("upload-assembly"),
	})
	require.NoError(t, err)

	return &TestEnv{
		Dynamo:   db,
		S3:       s3Client,
		Sqs:      sqsClient,
		QueueURL: *q.QueueUrl,
	}
}

func TestChunkedUpload_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env := setupTestEnv(t)

	logger := logging.NewNopLogger()
	sessionStore := store.NewDynamoSessionStore(env.Dynamo, "upload_sessions")
	chunkStore := store.NewDynamoChunkStore(env.Dynamo, "upload_chunks")
	blobs := store.NewS3BlobStorage(env.S3, "uploads", logger)

	svcCfg := &appcfg.ServiceConfig{
		SessionTTL:         time.Hour,
		MaxFileSize:        100 * 1024 * 1024,
		MinChunkSize:       1024,
		MaxChunkSize:       10 * 1024 * 1024,
		MultipartThreshold: 50 * 1024 * 1024,
	}

	integrity := services.NewIntegrityService(chunkStore, blobs, logger)
	assembly := services.NewAssemblyService(sessionStore, chunkStore, blobs, integrity, svcCfg, logger)

	notifier := queues.NewSQSCompletionNotifier(env.Sqs, env.QueueURL)
	uploads := services.NewUploadService(sessionStore, chunkStore, blobs, notifier, caching.NewNullCachingService(), svcCfg, logger)

	receiver := queues.NewAssemblyReceiver(ctx, env.Sqs, assembly, env.QueueURL, logger)
	receiver.Start()
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		receiver.Shutdown(shutdownCtx)
	})

	// allow poll loop to start
	time.Sleep(200 * time.Millisecond)

	session, err := uploads.CreateSession(ctx, services.NewSessionInput{
		UserID:           "user-1",
		OriginalFilename: "track.wav",
		TotalSize:        2560,
		ChunkSize:        1024,
	})
	require.NoError(t, err)

	for idx := int64(0); idx < session.TotalChunks; idx++ {
		size := session.ChunkSizeAt(idx)
		data := bytes.Repeat([]byte{byte(idx + 1)}, int(size))
		sum := sha256.Sum256(data)

		_, err := uploads.ReceiveChunk(ctx, session.ID, idx, bytes.NewReader(data), size, hex.EncodeToString(sum[:]))
		require.NoError(t, err)
	}

	// the receiver hears the completion event and assembles
	require.Eventually(t, func() bool {
		got, err := sessionStore.GetSession(ctx, session.ID)
		if err != nil {
			return false
		}
		return got.Status == models.StatusCompleted
	}, 10*time.Second, 200*time.Millisecond)

	got, err := sessionStore.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Metadata.FinalKey)

	size, err := blobs.ObjectSize(ctx, got.Metadata.FinalKey)
	require.NoError(t, err)
	require.Equal(t, session.TotalSize, size)
}
