package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/retries"
)

var _ BlobStorage = (*S3BlobStorage)(nil)

// S3BlobStorage stores chunk bytes and assembled artifacts in a single
// bucket. Chunks live under uploads/{sessionID}/, final artifacts wherever
// the assembler addresses them.
type S3BlobStorage struct {
	client     *s3.Client
	bucketName string

	logger logging.Logger
}

func NewS3BlobStorage(client *s3.Client, bucketName string, l logging.Logger) *S3BlobStorage {
	return &S3BlobStorage{
		client:     client,
		bucketName: bucketName,
		logger:     l,
	}
}

func (s *S3BlobStorage) IsReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3BlobStorage) Name() string {
	return fmt.Sprintf("BlobStorage[s3:%s]", s.bucketName)
}

func (s *S3BlobStorage) PutChunk(ctx context.Context, sessionID string, chunkIndex int64, r io.Reader, size int64) (string, error) {
	path := ChunkPath(sessionID, chunkIndex)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(path),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		s.logger.Error("failed to put chunk", "session_id", sessionID, "chunk_index", chunkIndex, "error", err)
		return "", fmt.Errorf("failed to put chunk %d: %w", chunkIndex, err)
	}

	s.logger.Debug("chunk stored", "session_id", sessionID, "chunk_index", chunkIndex, "path", path, "size", size)
	return path, nil
}

func (s *S3BlobStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(path),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, apperrors.ErrChunkNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", path, err)
	}
	return out.Body, nil
}

func (s *S3BlobStorage) Exists(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path cannot be empty")
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}

	s.logger.Error("failed to check object existence", "path", path, "error", err)
	return false, fmt.Errorf("failed to check object existence: %w", err)
}

// Delete removes the object at path. S3 deletes are idempotent: deleting an
// absent key succeeds, which is exactly the contract callers rely on.
func (s *S3BlobStorage) Delete(ctx context.Context, path string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(path),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	return nil
}

func (s *S3BlobStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("prefix cannot be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return totalDeleted, fmt.Errorf("failed to list objects for deletion: %w", err)
		}

		if len(page.Contents) == 0 {
			continue
		}

		var objects []types.ObjectIdentifier
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(objects), "error", err)
			return totalDeleted, fmt.Errorf("failed to delete objects: %w", err)
		}

		totalDeleted += len(objects)
	}

	s.logger.Debug("deleted prefix", "prefix", prefix, "total_deleted", totalDeleted)
	return totalDeleted, nil
}

func (s *S3BlobStorage) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		s.logger.Error("failed to put object", "key", key, "error", err)
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStorage) CopyObject(ctx context.Context, srcPath, dstKey string) error {
	src := s.bucketName + "/" + srcPath

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucketName),
				Key:        aws.String(dstKey),
				CopySource: aws.String(src),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		s.logger.Error("failed to copy object", "src", src, "dest", dstKey, "error", err)
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return nil
}

// MultipartCopy concatenates srcPaths, in order, into dstKey using S3
// UploadPartCopy so the bytes never leave the storage backend.
func (s *S3BlobStorage) MultipartCopy(ctx context.Context, srcPaths []string, dstKey string) error {
	s.logger.Info("starting multipart copy", "dest", dstKey, "part_count", len(srcPaths))

	createOut, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(dstKey),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := *createOut.UploadId

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart upload", "upload_id", uploadID, "dest", dstKey)
			if _, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucketName),
				Key:      aws.String(dstKey),
				UploadId: aws.String(uploadID),
			}); abortErr != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	var completedParts []types.CompletedPart

	for i, srcPath := range srcPaths {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return err
		default:
		}

		partNumber := int32(i + 1)
		src := s.bucketName + "/" + srcPath

		var upOut *s3.UploadPartCopyOutput
		upOut, err = s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucketName),
			Key:        aws.String(dstKey),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(src),
		})
		if err != nil {
			err = fmt.Errorf("failed to copy part %d: %w", partNumber, err)
			return err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       upOut.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(dstKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		err = fmt.Errorf("failed to complete multipart upload: %w", err)
		return err
	}

	s.logger.Info("completed multipart copy", "dest", dstKey, "parts", len(completedParts))
	return nil
}

func (s *S3BlobStorage) ObjectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	if out.ContentLength == nil {
		return 0, fmt.Errorf("no content length for object %s", key)
	}
	return *out.ContentLength, nil
}
