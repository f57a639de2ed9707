// Package blob stores content-addressed blobs: bytes in S3 under
// {accountId}/{blobId}, metadata and quota accounting in the DynamoDB
// single table. It also hosts the Blob/get, Blob/copy and Blob/set method
// handlers.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jarrod-lowe/jmap-server/internal/ids"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound  = errors.New("blob: not found")
	ErrOverQuota = errors.New("blob: account over quota")
)

// Record is a blob's stored metadata.
type Record struct {
	BlobID      string `dynamodbav:"blobId"`
	AccountID   string `dynamodbav:"accountId"`
	Size        int64  `dynamodbav:"size"`
	ContentType string `dynamodbav:"contentType"`
	S3Key       string `dynamodbav:"s3Key"`
	CreatedAt   string `dynamodbav:"createdAt"`
	ExpiresAt   string `dynamodbav:"expiresAt,omitempty"`
	DeletedAt   string `dynamodbav:"deletedAt,omitempty"`
}

// S3Client defines the interface for S3 operations
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DynamoDBClient defines the interface for DynamoDB operations
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store combines the two halves of blob storage.
type Store struct {
	s3Client   S3Client
	ddb        DynamoDBClient
	bucketName string
	tableName  string
	now        func() time.Time
}

// NewStore creates a Store.
func NewStore(s3Client S3Client, ddb DynamoDBClient, bucketName, tableName string) *Store {
	return &Store{
		s3Client:   s3Client,
		ddb:        ddb,
		bucketName: bucketName,
		tableName:  tableName,
		now:        time.Now,
	}
}

func blobKey(accountID, blobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#" + accountID},
		"sk": &types.AttributeValueMemberS{Value: "BLOB#" + blobID},
	}
}

// Get fetches a blob's metadata. Deleted blobs read as missing.
func (s *Store) Get(ctx context.Context, accountID, blobID string) (*Record, error) {
	result, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       blobKey(accountID, blobID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob record: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record Record
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blob record: %w", err)
	}
	if record.DeletedAt != "" {
		return nil, ErrNotFound
	}
	return &record, nil
}

// Put stores content under its digest-derived blob id, deducting the
// account quota transactionally. Re-uploading identical content is
// idempotent; the existing record is returned and no quota moves.
func (s *Store) Put(ctx context.Context, accountID string, content []byte, contentType string) (*Record, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	blobID := ids.BlobID(ids.MakeGUID(content))

	if existing, err := s.Get(ctx, accountID, blobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	record := &Record{
		BlobID:      blobID,
		AccountID:   accountID,
		Size:        int64(len(content)),
		ContentType: contentType,
		S3Key:       fmt.Sprintf("%s/%s", accountID, blobID),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(24 * time.Hour).Format(time.RFC3339),
	}

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(record.S3Key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(record.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store blob body: %w", err)
	}

	if err := s.writeRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Copy duplicates a blob into another account: a server-side S3 copy plus
// a fresh metadata record charged against the destination quota. The blob
// id is content-derived, so it survives the copy unchanged.
func (s *Store) Copy(ctx context.Context, fromAccountID, toAccountID, blobID string) (*Record, error) {
	source, err := s.Get(ctx, fromAccountID, blobID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.Get(ctx, toAccountID, blobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	record := &Record{
		BlobID:      blobID,
		AccountID:   toAccountID,
		Size:        source.Size,
		ContentType: source.ContentType,
		S3Key:       fmt.Sprintf("%s/%s", toAccountID, blobID),
		CreatedAt:   now.Format(time.RFC3339),
	}

	_, err = s.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucketName),
		Key:        aws.String(record.S3Key),
		CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucketName, source.S3Key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy blob body: %w", err)
	}

	if err := s.writeRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// writeRecord transactionally inserts the blob record and deducts the
// account quota, diagnosing a conditional failure the way the store's
// other writers do.
func (s *Store) writeRecord(ctx context.Context, record *Record) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal blob record: %w", err)
	}
	item["pk"] = &types.AttributeValueMemberS{Value: "ACCOUNT#" + record.AccountID}
	item["sk"] = &types.AttributeValueMemberS{Value: "BLOB#" + record.BlobID}

	metaKey := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#" + record.AccountID},
		"sk": &types.AttributeValueMemberS{Value: "META#"},
	}

	_, err = s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(s.tableName),
					Key:                 metaKey,
					UpdateExpression:    aws.String("ADD quotaRemaining :negSize SET updatedAt = :now"),
					ConditionExpression: aws.String("attribute_exists(pk) AND quotaRemaining >= :size"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":negSize": &types.AttributeValueMemberN{Value: fmt.Sprintf("-%d", record.Size)},
						":size":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", record.Size)},
						":now":     &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
		},
	})
	if err != nil {
		var txCanceled *types.TransactionCanceledException
		if errors.As(err, &txCanceled) {
			for i, reason := range txCanceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					if i == 0 {
						return ErrOverQuota
					}
					// Record already exists; content-addressed ids make
					// this a benign race.
					return nil
				}
			}
		}
		return fmt.Errorf("failed to write blob record: %w", err)
	}
	return nil
}

// Destroy marks the blob deleted, refunds its quota and removes the body.
func (s *Store) Destroy(ctx context.Context, accountID, blobID string) error {
	record, err := s.Get(ctx, accountID, blobID)
	if err != nil {
		return err
	}

	now := s.now().UTC().Format(time.RFC3339)
	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 blobKey(accountID, blobID),
		UpdateExpression:    aws.String("SET deletedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(pk) AND attribute_not_exists(deletedAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to mark blob deleted: %w", err)
	}

	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#" + accountID},
			"sk": &types.AttributeValueMemberS{Value: "META#"},
		},
		UpdateExpression: aws.String("ADD quotaRemaining :size SET updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":size": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", record.Size)},
			":now":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}

	_, err = s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob body: %w", err)
	}
	return nil
}
