package main

import (
	"context"
	"fmt"
	"log"

	"github.com/michaelneumaier/mixpitch-sub012/caching"
	"github.com/michaelneumaier/mixpitch-sub012/queues"
	"github.com/michaelneumaier/mixpitch-sub012/services"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

type Stores struct {
	sessions store.SessionStore
	chunks   store.ChunkStore
	blobs    store.BlobStorage
}

type Services struct {
	Uploads   *services.UploadService
	Assembly  *services.AssemblyService
	Integrity *services.IntegrityService
	Reaper    *services.ReaperService

	AssemblyReceiver *queues.AssemblyReceiver

	Stores *Stores
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) *Services {

	sessionStore := store.NewDynamoSessionStore(app.DynamoDB, app.Config.DynamoDBConfig.SessionsTableName)
	chunkStore := store.NewDynamoChunkStore(app.DynamoDB, app.Config.DynamoDBConfig.ChunksTableName)
	blobStorage := store.NewS3BlobStorage(app.S3, app.Config.S3Config.BucketName, app.Logger)

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	queueUrl := fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s",
		app.Config.AWSConfig.Region, app.Config.AWSConfig.AccountID, app.Config.ServiceConfig.AssemblyQueueName)
	notifier := queues.NewSQSCompletionNotifier(app.Sqs, queueUrl)

	integritySvc := services.NewIntegrityService(chunkStore, blobStorage, app.Logger)
	uploadSvc := services.NewUploadService(sessionStore, chunkStore, blobStorage, notifier, cachingSvc, app.Config.ServiceConfig, app.Logger)
	assemblySvc := services.NewAssemblyService(sessionStore, chunkStore, blobStorage, integritySvc, app.Config.ServiceConfig, app.Logger)
	reaperSvc := services.NewReaperService(sessionStore, chunkStore, blobStorage, app.Logger)

	receiver := queues.NewAssemblyReceiver(context.Background(), app.Sqs, assemblySvc, queueUrl, app.Logger)
	receiver.Start()

	return &Services{
		Uploads:   uploadSvc,
		Assembly:  assemblySvc,
		Integrity: integritySvc,
		Reaper:    reaperSvc,

		AssemblyReceiver: receiver,

		Stores: &Stores{
			sessions: sessionStore,
			chunks:   chunkStore,
			blobs:    blobStorage,
		},
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	log.Println("shutting down services")

	if s.AssemblyReceiver != nil {
		if err := s.AssemblyReceiver.Shutdown(ctx); err != nil {
			log.Printf("assembly receiver shutdown error: %v", err)
		}
	}

	if s.Stores != nil {
		if err := s.Stores.Shutdown(ctx); err != nil {
			log.Printf("stores shutdown error: %v", err)
		}
	}

	log.Println("services shutdown complete")
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	log.Println("shutting down stores")

	shutdownIfPossible := func(name string, v any) {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil {
				log.Printf("%s store shutdown error: %v", name, err)
			}
		}
	}

	shutdownIfPossible("sessions", s.sessions)
	shutdownIfPossible("chunks", s.chunks)
	shutdownIfPossible("blobs", s.blobs)

	log.Println("stores shutdown complete")
	return nil
}
