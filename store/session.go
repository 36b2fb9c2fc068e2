package store

import (
	"context"
	"errors"
	"fmt"
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

var _ SessionStore = (*DynamoSessionStore)(nil)

// DynamoSessionStore persists upload sessions in a DynamoDB table keyed by
// session_id. All status and counter writes are conditional so concurrent
// writers serialize on the table, not on this process.
type DynamoSessionStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSessionStore(client *dynamodb.Client, tableName string) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoSessionStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoSessionStore) Name() string {
	return "SessionStore[sessions]"
}

func (s *DynamoSessionStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(session_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperrors.ErrSessionExists
	}
	return err
}

func (s *DynamoSessionStore) GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKey(sessionID),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperrors.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *DynamoSessionStore) TransitionStatus(ctx context.Context, sessionID string, from, to models.UploadStatus) error {
	if !models.CanTransition(from, to) {
		return apperrors.ErrIllegalTransition
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("SET #st = :to"),
				ConditionExpression: aws.String("attribute_exists(session_id) AND #st = :from"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":from": &types.AttributeValueMemberS{Value: from.String()},
					":to":   &types.AttributeValueMemberS{Value: to.String()},
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		// Already advanced by a concurrent writer, or the session is gone.
		return apperrors.ErrIllegalTransition
	}
	return err
}

func (s *DynamoSessionStore) MarkFailed(ctx context.Context, sessionID, reason string) error {
	failedAt, err := attributevalue.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("SET #st = :failed, metadata.#err = :reason, metadata.failed_at = :at"),
				ConditionExpression: aws.String("attribute_exists(session_id) AND #st IN (:pending, :uploading, :assembling)"),
				ExpressionAttributeNames: map[string]string{
					"#st":  "status",
					"#err": "error",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":failed":     &types.AttributeValueMemberS{Value: models.StatusFailed.String()},
					":pending":    &types.AttributeValueMemberS{Value: models.StatusPending.String()},
					":uploading":  &types.AttributeValueMemberS{Value: models.StatusUploading.String()},
					":assembling": &types.AttributeValueMemberS{Value: models.StatusAssembling.String()},
					":reason":     &types.AttributeValueMemberS{Value: reason},
					":at":         failedAt,
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperrors.ErrIllegalTransition
	}
	return err
}

func (s *DynamoSessionStore) IncrementUploadedChunks(ctx context.Context, sessionID string) (int64, error) {
	var newCount int64

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("ADD uploaded_chunks :one"),
				ConditionExpression: aws.String("attribute_exists(session_id) AND uploaded_chunks < total_chunks"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one": &types.AttributeValueMemberN{Value: "1"},
				},
				ReturnValues: types.ReturnValueUpdatedNew,
			})
			if err != nil {
				return err
			}

			attr, ok := out.Attributes["uploaded_chunks"].(*types.AttributeValueMemberN)
			if !ok {
				return errors.New("could not parse uploaded_chunks")
			}
			newCount, err = strconv.ParseInt(attr.Value, 10, 64)
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		// Counter already at total_chunks (or session gone): refuse to
		// overshoot, let the caller treat this as "nothing to count".
		return 0, apperrors.ErrSessionNotReady
	}
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (s *DynamoSessionStore) DecrementUploadedChunks(ctx context.Context, sessionID string) (int64, error) {
	var newCount int64

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("ADD uploaded_chunks :negOne"),
				ConditionExpression: aws.String("attribute_exists(session_id) AND uploaded_chunks > :zero"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":negOne": &types.AttributeValueMemberN{Value: "-1"},
					":zero":   &types.AttributeValueMemberN{Value: "0"},
				},
				ReturnValues: types.ReturnValueUpdatedNew,
			})
			if err != nil {
				return err
			}

			attr, ok := out.Attributes["uploaded_chunks"].(*types.AttributeValueMemberN)
			if !ok {
				return errors.New("could not parse uploaded_chunks")
			}
			newCount, err = strconv.ParseInt(attr.Value, 10, 64)
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		// Counter already at zero (or session gone): nothing to uncount.
		return 0, apperrors.ErrSessionNotReady
	}
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (s *DynamoSessionStore) UpdateMetadata(ctx context.Context, sessionID string, md models.SessionMetadata) error {
	mdAttr, err := attributevalue.Marshal(md)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("SET metadata = :md"),
				ConditionExpression: aws.String("attribute_exists(session_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":md": mdAttr,
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperrors.ErrSessionNotFound
	}
	return err
}

func (s *DynamoSessionStore) RefreshExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	expAttr, err := attributevalue.Marshal(expiresAt.UTC())
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(sessionID),
				UpdateExpression:    aws.String("SET expires_at = :exp"),
				ConditionExpression: aws.String("attribute_exists(session_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":exp": expAttr,
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperrors.ErrSessionNotFound
	}
	return err
}

func (s *DynamoSessionStore) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	nowAttr, err := attributevalue.Marshal(now.UTC())
	if err != nil {
		return nil, err
	}

	var expired []models.UploadSession

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("expires_at < :now AND #st <> :completed"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":       nowAttr,
			":completed": &types.AttributeValueMemberS{Value: models.StatusCompleted.String()},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired sessions: %w", err)
		}

		var batch []models.UploadSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		expired = append(expired, batch...)
	}

	return expired, nil
}

func (s *DynamoSessionStore) Delete(ctx context.Context, sessionID string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKey(sessionID),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	return err
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
