package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cognitotypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"

	"github.com/jarrod-lowe/jmap-server/internal/db"
	jmapevents "github.com/jarrod-lowe/jmap-server/internal/events"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
	"github.com/jarrod-lowe/jmap-server/internal/registry"
)

var logger = logging.New()

// defaultQuotaBytes is the storage quota seeded on fresh accounts when no
// override is configured.
const defaultQuotaBytes = int64(1_000_000_000)

// AccountDB seeds the account META record.
type AccountDB interface {
	CreateAccountMeta(ctx context.Context, accountID string, quotaBytes int64) error
}

// MailboxCreator writes the account's initial mailbox records.
type MailboxCreator interface {
	Create(ctx context.Context, record *mailbox.Record) error
}

// CognitoClient handles Cognito operations
type CognitoClient interface {
	SetUserAttribute(ctx context.Context, userPoolID, username, attrName, attrValue string) error
}

// EventPublisher publishes the provisioning event.
type EventPublisher interface {
	PublishAccountCreated(ctx context.Context, accountID string) error
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	DB             AccountDB
	Mailboxes      MailboxCreator
	Cognito        CognitoClient
	EventPublisher EventPublisher
	DefaultQuota   int64
}

var deps *Dependencies

// handler processes Cognito Post Authentication trigger events
func handler(ctx context.Context, event events.CognitoEventUserPoolsPostAuthentication) (events.CognitoEventUserPoolsPostAuthentication, error) {
	// Check if already initialized
	if event.Request.UserAttributes["custom:account_initialized"] == "true" {
		logger.InfoContext(ctx, "Account already initialized, skipping",
			slog.String("username", event.UserName),
		)
		return event, nil
	}

	accountID := event.Request.UserAttributes["sub"]
	if accountID == "" {
		return event, fmt.Errorf("no sub attribute in event")
	}

	if err := deps.DB.CreateAccountMeta(ctx, accountID, deps.DefaultQuota); err != nil {
		logger.ErrorContext(ctx, "Failed to create account META record",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return event, err
	}

	// Seed the standard mailbox. A second trigger racing this one just
	// sees "already exists", which is fine.
	inbox := &mailbox.Record{
		MailboxID:   uuid.NewString(),
		AccountID:   accountID,
		Name:        "INBOX",
		Role:        "inbox",
		UIDValidity: uint32(time.Now().Unix()),
		ACL:         map[string]string{accountID: "lrswipkxtea"},
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := deps.Mailboxes.Create(ctx, inbox); err != nil {
		logger.WarnContext(ctx, "Failed to create INBOX, continuing",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	if err := deps.Cognito.SetUserAttribute(ctx, event.UserPoolID, event.UserName,
		"custom:account_initialized", "true"); err != nil {
		logger.ErrorContext(ctx, "Failed to mark account initialized",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return event, err
	}

	if err := deps.EventPublisher.PublishAccountCreated(ctx, accountID); err != nil {
		// Event delivery is best effort; the account itself is ready.
		logger.WarnContext(ctx, "Failed to publish account.created",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	logger.InfoContext(ctx, "Account initialized",
		slog.String("account_id", accountID),
		slog.String("username", event.UserName),
	)
	return event, nil
}

// CognitoIDP implements CognitoClient on the Cognito identity provider API.
type CognitoIDP struct {
	client *cognitoidentityprovider.Client
}

// NewCognitoIDP creates a new CognitoIDP
func NewCognitoIDP(client *cognitoidentityprovider.Client) *CognitoIDP {
	return &CognitoIDP{client: client}
}

// SetUserAttribute sets one attribute on a pool user.
func (c *CognitoIDP) SetUserAttribute(ctx context.Context, userPoolID, username, attrName, attrValue string) error {
	_, err := c.client.AdminUpdateUserAttributes(ctx, &cognitoidentityprovider.AdminUpdateUserAttributesInput{
		UserPoolId: aws.String(userPoolID),
		Username:   aws.String(username),
		UserAttributes: []cognitotypes.AttributeType{
			{
				Name:  aws.String(attrName),
				Value: aws.String(attrValue),
			},
		},
	})
	return err
}

func requireEnv(name string) string {
	value := os.Getenv(name)
	if value == "" {
		logger.Error("FATAL: environment variable is required",
			slog.String("name", name),
		)
		panic(name + " environment variable is required")
	}
	return value
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize AWS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	defer result.Cleanup()

	tableName := requireEnv("DYNAMODB_TABLE")

	quota := defaultQuotaBytes
	if raw := os.Getenv("DEFAULT_QUOTA_BYTES"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			quota = parsed
		}
	}

	dbClient := db.NewClientFromConfig(result.Config, tableName)
	dynamoClient := dynamodb.NewFromConfig(result.Config)

	pluginRegistry := registry.NewRegistry()
	if err := pluginRegistry.LoadFromDynamoDB(result.Ctx, dbClient); err != nil {
		logger.Error("FATAL: Failed to load plugin registry",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	deps = &Dependencies{
		DB:             dbClient,
		Mailboxes:      mailbox.NewDynamoDBStore(dynamoClient, tableName),
		Cognito:        NewCognitoIDP(cognitoidentityprovider.NewFromConfig(result.Config)),
		EventPublisher: jmapevents.NewPublisher(sqs.NewFromConfig(result.Config), pluginRegistry),
		DefaultQuota:   quota,
	}

	result.Start(handler)
}
