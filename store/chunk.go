package store

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/retries"
)

var _ ChunkStore = (*DynamoChunkStore)(nil)

// DynamoChunkStore persists chunk records in a table keyed by session_id
// (partition) and chunk_index (sort), so a session's chunks come back in
// index order for free.
type DynamoChunkStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoChunkStore(client *dynamodb.Client, tableName string) *DynamoChunkStore {
	return &DynamoChunkStore{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoChunkStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoChunkStore) Name() string {
	return "ChunkStore[chunks]"
}

func (s *DynamoChunkStore) Put(ctx context.Context, chunk models.UploadChunk) (*models.UploadChunk, error) {
	item, err := attributevalue.MarshalMap(chunk)
	if err != nil {
		return nil, err
	}

	var previous *models.UploadChunk

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:    aws.String(s.tableName),
				Item:         item,
				ReturnValues: types.ReturnValueAllOld,
			})
			if err != nil {
				return err
			}

			previous = nil
			if len(out.Attributes) > 0 {
				var old models.UploadChunk
				if err := attributevalue.UnmarshalMap(out.Attributes, &old); err != nil {
					return err
				}
				previous = &old
			}
			return nil
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (s *DynamoChunkStore) Get(ctx context.Context, sessionID string, chunkIndex int64) (*models.UploadChunk, error) {
	var chunk models.UploadChunk

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key:       chunkKey(sessionID, chunkIndex),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperrors.ErrChunkNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &chunk)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *DynamoChunkStore) ListBySession(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	var chunks []models.UploadChunk

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("session_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		ScanIndexForward: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var batch []models.UploadChunk
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		chunks = append(chunks, batch...)
	}

	return chunks, nil
}

func (s *DynamoChunkStore) UpdateStatus(ctx context.Context, sessionID string, chunkIndex int64, status models.ChunkStatus) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 chunkKey(sessionID, chunkIndex),
				UpdateExpression:    aws.String("SET #st = :status"),
				ConditionExpression: aws.String("attribute_exists(session_id)"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":status": &types.AttributeValueMemberS{Value: status.String()},
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperrors.ErrChunkNotFound
	}
	return err
}

func (s *DynamoChunkStore) Delete(ctx context.Context, sessionID string, chunkIndex int64) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       chunkKey(sessionID, chunkIndex),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoChunkStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	chunks, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, chunk := range chunks {
		if err := s.Delete(ctx, sessionID, chunk.ChunkIndex); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func chunkKey(sessionID string, chunkIndex int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id":  &types.AttributeValueMemberS{Value: sessionID},
		"chunk_index": &types.AttributeValueMemberN{Value: strconv.FormatInt(chunkIndex, 10)},
	}
}
