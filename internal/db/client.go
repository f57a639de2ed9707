// Package db holds the account-level DynamoDB records: the META document
// with quota, session counter and the per-type modification sequences that
// back JMAP state tokens.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// Key prefixes for single-table design
const (
	PKPrefixAccount = "ACCOUNT#"
	PKPrefixUser    = "USER#"
	SKMeta          = "META#"
)

// modseqAttrPrefix prefixes the per-type counter attributes on the META
// record, e.g. modseq_Email, modseq_Mailbox.
const modseqAttrPrefix = "modseq_"

// DynamoDBClient defines the interface for DynamoDB operations
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps DynamoDB operations with OTel tracing
type Client struct {
	ddb       DynamoDBClient
	tableName string
}

// NewClient creates a new DynamoDB client with OTel instrumentation
func NewClient(ctx context.Context, tableName string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OTel instrumentation for X-Ray tracing
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return NewClientFromConfig(cfg, tableName), nil
}

// NewClientFromConfig creates a client from an already-loaded AWS config.
func NewClientFromConfig(cfg aws.Config, tableName string) *Client {
	return &Client{
		ddb:       dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// NewClientWithDynamoDB wires an explicit DynamoDB implementation; used by
// tests and by callers that share one SDK client.
func NewClientWithDynamoDB(ddb DynamoDBClient, tableName string) *Client {
	return &Client{ddb: ddb, tableName: tableName}
}

// Account represents an account record in DynamoDB
type Account struct {
	PK                  string `dynamodbav:"pk"`
	SK                  string `dynamodbav:"sk"`
	UserID              string `dynamodbav:"-"` // Derived from PK, not stored
	Owner               string `dynamodbav:"owner"`
	CreatedAt           string `dynamodbav:"createdAt"`
	LastDiscoveryAccess string `dynamodbav:"lastDiscoveryAccess"`
	QuotaRemaining      int64  `dynamodbav:"quotaRemaining"`
	SessionSeq          uint64 `dynamodbav:"sessionSeq"`
}

func (c *Client) metaKey(accountID string) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(map[string]string{
		"pk": PKPrefixAccount + accountID,
		"sk": SKMeta,
	})
}

// EnsureAccount creates or updates an account record.
// Uses if_not_exists for owner and createdAt (set only on creation),
// and always updates lastDiscoveryAccess.
func (c *Client) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	owner := PKPrefixUser + userID

	key, err := c.metaKey(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	update := expression.Set(
		expression.Name("owner"),
		expression.IfNotExists(expression.Name("owner"), expression.Value(owner)),
	).Set(
		expression.Name("createdAt"),
		expression.IfNotExists(expression.Name("createdAt"), expression.Value(now)),
	).Set(
		expression.Name("lastDiscoveryAccess"),
		expression.Value(now),
	)

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	output, err := c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, err
	}

	var account Account
	if err := attributevalue.UnmarshalMap(output.Attributes, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	account.UserID = userID

	return &account, nil
}

// CreateAccountMeta seeds a fresh account META record with its quota.
func (c *Client) CreateAccountMeta(ctx context.Context, accountID string, quotaBytes int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	key, err := c.metaKey(accountID)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	update := expression.Set(
		expression.Name("owner"),
		expression.IfNotExists(expression.Name("owner"), expression.Value(PKPrefixUser+accountID)),
	).Set(
		expression.Name("createdAt"),
		expression.IfNotExists(expression.Name("createdAt"), expression.Value(now)),
	).Set(
		expression.Name("quotaRemaining"),
		expression.IfNotExists(expression.Name("quotaRemaining"), expression.Value(quotaBytes)),
	).Set(
		expression.Name("updatedAt"),
		expression.Value(now),
	)

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

// HighestModSeq reads the modification sequence for one object type.
// A type never written yet reads as 0.
func (c *Client) HighestModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	key, err := c.metaKey(accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key: %w", err)
	}

	attr := modseqAttrPrefix + objType
	output, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key,
		ProjectionExpression:     aws.String("#m"),
		ExpressionAttributeNames: map[string]string{"#m": attr},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read modseq: %w", err)
	}
	if output.Item == nil {
		return 0, nil
	}
	return readCounter(output.Item, attr)
}

// BumpModSeq increments the modification sequence for one object type and
// the account's session counter, returning the new per-type value.
func (c *Client) BumpModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	key, err := c.metaKey(accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key: %w", err)
	}

	attr := modseqAttrPrefix + objType
	update := expression.
		Add(expression.Name(attr), expression.Value(1)).
		Add(expression.Name("sessionSeq"), expression.Value(1))

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %w", err)
	}

	output, err := c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bump modseq: %w", err)
	}
	return readCounter(output.Attributes, attr)
}

// SessionState reads the account's session counter, minted into the
// sessionState token of every response envelope.
func (c *Client) SessionState(ctx context.Context, accountID string) (uint64, error) {
	key, err := c.metaKey(accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key: %w", err)
	}

	output, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  key,
		ProjectionExpression: aws.String("sessionSeq"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read session state: %w", err)
	}
	if output.Item == nil {
		return 0, nil
	}
	return readCounter(output.Item, "sessionSeq")
}

// QueryByPK fetches every item sharing one partition key, following
// pagination. The plugin registry loads its records through this.
func (c *Client) QueryByPK(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue

	for {
		output, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query pk %s: %w", pk, err)
		}
		items = append(items, output.Items...)
		if output.LastEvaluatedKey == nil {
			return items, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func readCounter(item map[string]types.AttributeValue, attr string) (uint64, error) {
	v, ok := item[attr]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s is not a number", attr)
	}
	value, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s holds %q: %w", attr, n.Value, err)
	}
	return value, nil
}
