package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key prefixes for the single-table design.
const (
	pkPrefixAccount = "ACCOUNT#"
	skPrefixMailbox = "MBOX#"
)

// lockTTL bounds how long a crashed request can strand an exclusive lock.
const lockTTL = 2 * time.Minute

// DynamoDBClient defines the interface for DynamoDB operations
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBStore implements Store on a single DynamoDB table.
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
	now       func() time.Time
}

// NewDynamoDBStore creates a new DynamoDBStore.
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func mailboxKey(accountID, name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkPrefixAccount + accountID},
		"sk": &types.AttributeValueMemberS{Value: skPrefixMailbox + name},
	}
}

// Lookup fetches a mailbox record without locking it.
func (s *DynamoDBStore) Lookup(ctx context.Context, accountID, name string) (*Record, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       mailboxKey(accountID, name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox record: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record Record
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mailbox record: %w", err)
	}
	if record.DeletedAt != "" {
		return nil, ErrNotFound
	}
	return &record, nil
}

// Open returns a handle for the named mailbox, taking the exclusive lock
// for read-write opens. A lock left behind by a crashed request is stolen
// once its expiry passes.
func (s *DynamoDBStore) Open(ctx context.Context, accountID, name string, rw bool, owner string) (*Handle, error) {
	if !rw {
		record, err := s.Lookup(ctx, accountID, name)
		if err != nil {
			return nil, err
		}
		return &Handle{Record: *record, rw: false, owner: owner}, nil
	}

	now := s.now().UTC()
	cond := expression.Name("pk").AttributeExists().
		And(expression.Name("deletedAt").AttributeNotExists()).
		And(expression.Name("lockOwner").AttributeNotExists().
			Or(expression.Name("lockExpiresAt").LessThan(expression.Value(now.Format(time.RFC3339)))).
			Or(expression.Name("lockOwner").Equal(expression.Value(owner))))
	update := expression.Set(expression.Name("lockOwner"), expression.Value(owner)).
		Set(expression.Name("lockExpiresAt"), expression.Value(now.Add(lockTTL).Format(time.RFC3339)))

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lock expression: %w", err)
	}

	output, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       mailboxKey(accountID, name),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil, s.diagnoseLockFailure(ctx, accountID, name)
		}
		return nil, fmt.Errorf("failed to lock mailbox: %w", err)
	}

	var record Record
	if err := attributevalue.UnmarshalMap(output.Attributes, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mailbox record: %w", err)
	}
	return &Handle{Record: record, rw: true, owner: owner}, nil
}

// diagnoseLockFailure determines why the conditional lock write failed.
func (s *DynamoDBStore) diagnoseLockFailure(ctx context.Context, accountID, name string) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  mailboxKey(accountID, name),
		ProjectionExpression: aws.String("pk, deletedAt"),
	})
	if err != nil || result.Item == nil {
		return ErrNotFound
	}
	if _, deleted := result.Item["deletedAt"]; deleted {
		return ErrNotFound
	}
	return ErrLocked
}

// Commit releases the handle; a dirty read-write handle also bumps the
// mailbox modseq.
func (s *DynamoDBStore) Commit(ctx context.Context, h *Handle) error {
	if !h.rw {
		return nil
	}
	return s.release(ctx, h, h.dirty)
}

// Abort releases the handle without bumping the modseq.
func (s *DynamoDBStore) Abort(ctx context.Context, h *Handle) error {
	if !h.rw {
		return nil
	}
	return s.release(ctx, h, false)
}

func (s *DynamoDBStore) release(ctx context.Context, h *Handle, bumpModSeq bool) error {
	cond := expression.Name("lockOwner").Equal(expression.Value(h.owner))
	update := expression.Remove(expression.Name("lockOwner")).
		Remove(expression.Name("lockExpiresAt"))
	if bumpModSeq {
		update = update.Add(expression.Name("modseq"), expression.Value(1))
	}

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build release expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       mailboxKey(h.Record.AccountID, h.Record.Name),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			// The lock expired and was stolen; nothing left to release.
			return nil
		}
		return fmt.Errorf("failed to release mailbox lock: %w", err)
	}
	return nil
}

// Create writes a fresh mailbox record. Used by provisioning and by
// mailbox-creating handlers; fails if the name is already taken.
func (s *DynamoDBStore) Create(ctx context.Context, record *Record) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal mailbox record: %w", err)
	}
	item["pk"] = &types.AttributeValueMemberS{Value: pkPrefixAccount + record.AccountID}
	item["sk"] = &types.AttributeValueMemberS{Value: skPrefixMailbox + record.Name}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return fmt.Errorf("mailbox %q already exists", record.Name)
		}
		return fmt.Errorf("failed to create mailbox record: %w", err)
	}
	return nil
}
