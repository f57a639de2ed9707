package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-server/internal/db"
	"github.com/jarrod-lowe/jmap-server/internal/ids"
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
)

var logger = logging.New()

// Session is the JMAP Session object per RFC 8620 Section 2.
type Session struct {
	Capabilities    map[string]map[string]any `json:"capabilities"`
	Accounts        map[string]Account        `json:"accounts"`
	PrimaryAccounts map[string]string         `json:"primaryAccounts"`
	Username        string                    `json:"username"`
	APIUrl          string                    `json:"apiUrl"`
	DownloadUrl     string                    `json:"downloadUrl"`
	UploadUrl       string                    `json:"uploadUrl"`
	EventSourceUrl  string                    `json:"eventSourceUrl"`
	State           string                    `json:"state"`
}

// Account represents a JMAP account
type Account struct {
	Name                string         `json:"name"`
	IsPersonal          bool           `json:"isPersonal"`
	IsReadOnly          bool           `json:"isReadOnly"`
	AccountCapabilities map[string]any `json:"accountCapabilities"`
}

// Response is the API Gateway proxy response
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// UserLookup resolves the human-readable username behind an account id.
type UserLookup interface {
	Username(ctx context.Context, accountID string) (string, error)
}

// SessionStateSource reads the account's session counter.
type SessionStateSource interface {
	SessionState(ctx context.Context, accountID string) (uint64, error)
}

// Config holds application configuration
type Config struct {
	APIDomain string
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Settings *jmap.Settings
	Users    UserLookup
	States   SessionStateSource
	Config   Config
}

var deps *Dependencies

func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	ctx, span := tracing.StartHandlerSpan(ctx, "JmapSessionHandler",
		tracing.Function("jmap-session"),
		tracing.RequestID(request.RequestContext.RequestID),
	)
	defer span.End()

	userID, err := extractSubClaim(request)
	if err != nil {
		logger.WarnContext(ctx, "Missing or invalid sub claim",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return Response{
			StatusCode: 401,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"Unauthorized","message":"Missing or invalid authentication"}`,
		}, nil
	}
	span.SetAttributes(tracing.AccountID(userID))

	username, err := deps.Users.Username(ctx, userID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to resolve username, using account id",
			slog.String("account_id", userID),
			slog.String("error", err.Error()),
		)
		username = userID
	}

	state := uint64(0)
	if seq, err := deps.States.SessionState(ctx, userID); err == nil {
		state = seq
	} else {
		logger.WarnContext(ctx, "Failed to read session state",
			slog.String("account_id", userID),
			slog.String("error", err.Error()),
		)
	}

	session := buildSession(userID, username, state, deps.Settings, deps.Config)

	bodyJSON, err := json.Marshal(session)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal session",
			slog.String("error", err.Error()),
		)
		return Response{
			StatusCode: 500,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"Internal server error"}`,
		}, nil
	}

	return Response{
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type":  "application/json; charset=utf-8",
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
		Body: string(bodyJSON),
	}, nil
}

func extractSubClaim(request events.APIGatewayProxyRequest) (string, error) {
	authorizer := request.RequestContext.Authorizer
	if authorizer == nil {
		return "", fmt.Errorf("no authorizer context")
	}

	claims, ok := authorizer["claims"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("no claims in authorizer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("sub claim not found or empty")
	}

	return sub, nil
}

func buildSession(userID, username string, state uint64, settings *jmap.Settings, cfg Config) Session {
	baseURL := fmt.Sprintf("https://%s/v1", cfg.APIDomain)

	capabilities := map[string]map[string]any{}
	for uri, config := range settings.Capabilities() {
		capabilities[uri] = config
	}
	capabilities[jmap.URNWebSocket] = map[string]any{
		"wsUrl":        fmt.Sprintf("wss://%s/v1/jmap/ws", cfg.APIDomain),
		"supportsPush": false,
	}

	accountCapabilities := map[string]any{}
	for uri := range capabilities {
		accountCapabilities[uri] = map[string]any{}
	}

	primaryAccounts := map[string]string{}
	for uri := range capabilities {
		primaryAccounts[uri] = userID
	}

	return Session{
		Capabilities: capabilities,
		Accounts: map[string]Account{
			userID: {
				Name:                username,
				IsPersonal:          true,
				IsReadOnly:          false,
				AccountCapabilities: accountCapabilities,
			},
		},
		PrimaryAccounts: primaryAccounts,
		Username:        username,
		APIUrl:          fmt.Sprintf("%s/jmap", baseURL),
		DownloadUrl:     fmt.Sprintf("%s/jmap/download/{accountId}/{blobId}/{name}?accept={type}", baseURL),
		UploadUrl:       fmt.Sprintf("%s/jmap/upload/{accountId}", baseURL),
		EventSourceUrl:  fmt.Sprintf("%s/jmap/events/{types}/{closeafter}/{ping}", baseURL),
		State:           ids.FormatState(state),
	}
}

// CognitoUserLookup resolves usernames from the Cognito user pool.
type CognitoUserLookup struct {
	client     *cognitoidentityprovider.Client
	userPoolID string
}

// NewCognitoUserLookup creates a CognitoUserLookup.
func NewCognitoUserLookup(client *cognitoidentityprovider.Client, userPoolID string) *CognitoUserLookup {
	return &CognitoUserLookup{client: client, userPoolID: userPoolID}
}

// Username fetches the user's email attribute, falling back to the pool
// username.
func (c *CognitoUserLookup) Username(ctx context.Context, accountID string) (string, error) {
	output, err := c.client.AdminGetUser(ctx, &cognitoidentityprovider.AdminGetUserInput{
		UserPoolId: aws.String(c.userPoolID),
		Username:   aws.String(accountID),
	})
	if err != nil {
		return "", err
	}
	for _, attr := range output.UserAttributes {
		if aws.ToString(attr.Name) == "email" {
			return aws.ToString(attr.Value), nil
		}
	}
	return aws.ToString(output.Username), nil
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

	result, err := awsinit.Init(ctx, awsinit.WithHTTPHandler("jmap-session"))
	if err != nil {
		logger.Error("FATAL: Failed to initialize AWS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	defer result.Cleanup()

	tableName := requireEnv("DYNAMODB_TABLE")
	userPoolID := requireEnv("COGNITO_USER_POOL_ID")
	apiDomain := requireEnv("API_DOMAIN")

	ssmClient := ssm.NewFromConfig(result.Config)
	limits := jmap.LoadLimits(result.Ctx, newSSMReader(ssmClient), os.Getenv("JMAP_LIMITS_SSM_PREFIX"))
	settings := jmap.NewSettings(limits)
	settings.RegisterCapability(jmap.URNCore, settings.CoreCapability())
	settings.RegisterCapability(jmap.URNQuotaExtension, map[string]any{})
	settings.RegisterCapability(jmap.URNPerformanceExtension, map[string]any{})

	deps = &Dependencies{
		Settings: settings,
		Users:    NewCognitoUserLookup(cognitoidentityprovider.NewFromConfig(result.Config), userPoolID),
		States:   db.NewClientFromConfig(result.Config, tableName),
		Config:   Config{APIDomain: apiDomain},
	}

	result.Start(handler)
}

// ssmReader adapts the SSM client to the limits loader.
type ssmReader struct {
	client *ssm.Client
}

func newSSMReader(client *ssm.Client) *ssmReader {
	return &ssmReader{client: client}
}

func (r *ssmReader) GetParameter(ctx context.Context, name string) (string, error) {
	result, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		return "", err
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}
	return *result.Parameter.Value, nil
}
