package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	cloudwatchsvc "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-server/internal/blob"
	"github.com/jarrod-lowe/jmap-server/internal/core"
	"github.com/jarrod-lowe/jmap-server/internal/db"
	jmapevents "github.com/jarrod-lowe/jmap-server/internal/events"
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
	"github.com/jarrod-lowe/jmap-server/internal/metrics"
	"github.com/jarrod-lowe/jmap-server/internal/registry"
)

var logger = logging.New()

// Response is the API Gateway websocket integration response
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// ConnectionPoster pushes one frame back on a websocket connection.
type ConnectionPoster interface {
	Post(ctx context.Context, connectionID string, data []byte) error
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Dispatcher *jmap.Dispatcher
	Poster     ConnectionPoster
}

var deps *Dependencies

// handler processes one websocket event. Each data frame on the jmap
// sub-protocol carries one Request envelope; the matching Response
// envelope is pushed back on the same connection.
func handler(ctx context.Context, request events.APIGatewayWebsocketProxyRequest) (Response, error) {
	ctx, span := tracing.StartHandlerSpan(ctx, "JmapWsHandler",
		tracing.Function("jmap-ws"),
		tracing.RequestID(request.RequestContext.RequestID),
	)
	defer span.End()

	switch request.RequestContext.RouteKey {
	case "$connect", "$disconnect":
		return Response{StatusCode: 200}, nil
	}

	connectionID := request.RequestContext.ConnectionID
	userID, err := extractAccountID(request)
	if err != nil {
		logger.WarnContext(ctx, "Unauthenticated websocket frame",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
		return Response{StatusCode: 401}, nil
	}
	span.SetAttributes(tracing.AccountID(userID))

	var jmapRequest jmap.Request
	if err := json.Unmarshal([]byte(request.Body), &jmapRequest); err != nil {
		return post(ctx, connectionID, jmap.NotJSONError())
	}

	requestID := request.RequestContext.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	response, reqErr := deps.Dispatcher.Dispatch(ctx, userID, requestID, &jmapRequest, int64(len(request.Body)))
	if reqErr != nil {
		return post(ctx, connectionID, reqErr)
	}

	logger.InfoContext(ctx, "JMAP websocket request completed",
		slog.String("request_id", requestID),
		slog.String("account_id", userID),
		slog.String("connection_id", connectionID),
		slog.Int("method_count", len(jmapRequest.MethodCalls)),
	)
	return post(ctx, connectionID, response)
}

// post marshals one frame and pushes it on the connection.
func post(ctx context.Context, connectionID string, frame any) (Response, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal websocket frame",
			slog.String("error", err.Error()),
		)
		return Response{StatusCode: 500}, nil
	}
	if err := deps.Poster.Post(ctx, connectionID, data); err != nil {
		logger.ErrorContext(ctx, "Failed to post websocket frame",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
		return Response{StatusCode: 500}, nil
	}
	return Response{StatusCode: 200}, nil
}

// extractAccountID reads the principal set by the websocket authorizer at
// $connect time.
func extractAccountID(request events.APIGatewayWebsocketProxyRequest) (string, error) {
	authorizer, ok := request.RequestContext.Authorizer.(map[string]any)
	if !ok {
		return "", fmt.Errorf("no authorizer context")
	}

	if principal, ok := authorizer["principalId"].(string); ok && principal != "" {
		return principal, nil
	}
	if claims, ok := authorizer["claims"].(map[string]any); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}
	return "", fmt.Errorf("no principal in authorizer")
}

// ManagementAPIPoster implements ConnectionPoster on the API Gateway
// management API.
type ManagementAPIPoster struct {
	client *apigatewaymanagementapi.Client
}

// NewManagementAPIPoster creates a poster for the given callback endpoint.
func NewManagementAPIPoster(cfg aws.Config, endpoint string) *ManagementAPIPoster {
	client := apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &ManagementAPIPoster{client: client}
}

// Post pushes one frame to the connection.
func (p *ManagementAPIPoster) Post(ctx context.Context, connectionID string, data []byte) error {
	_, err := p.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
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

	result, err := awsinit.Init(ctx, awsinit.WithHTTPHandler("jmap-ws"))
	if err != nil {
		logger.Error("FATAL: Failed to initialize AWS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	defer result.Cleanup()

	tableName := requireEnv("DYNAMODB_TABLE")
	bucketName := requireEnv("BLOB_BUCKET")
	wsEndpoint := requireEnv("WEBSOCKET_CALLBACK_ENDPOINT")

	ssmClient := ssm.NewFromConfig(result.Config)
	limits := jmap.LoadLimits(result.Ctx, newSSMReader(ssmClient), os.Getenv("JMAP_LIMITS_SSM_PREFIX"))
	settings := jmap.NewSettings(limits)
	settings.RegisterCapability(jmap.URNWebSocket, map[string]any{"supportsPush": false})

	dynamoClient := dynamodb.NewFromConfig(result.Config)
	dbClient := db.NewClientFromConfig(result.Config, tableName)

	blobStore := blob.NewStore(s3.NewFromConfig(result.Config), dynamoClient, bucketName, tableName)
	core.Register(settings, &blob.Methods{Store: blobStore})

	pluginRegistry := registry.NewRegistry()
	if err := pluginRegistry.LoadFromDynamoDB(result.Ctx, dbClient); err != nil {
		logger.Error("FATAL: Failed to load plugin registry",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	registry.Bind(settings, pluginRegistry, registry.NewLambdaInvoker(lambdasvc.NewFromConfig(result.Config)))

	deps = &Dependencies{
		Dispatcher: &jmap.Dispatcher{
			Settings:  settings,
			Mailboxes: mailbox.NewDynamoDBStore(dynamoClient, tableName),
			States:    dbClient,
			Events:    jmapevents.NewPublisher(sqs.NewFromConfig(result.Config), pluginRegistry),
			Metrics:   metrics.NewCloudWatchPublisher(cloudwatchsvc.NewFromConfig(result.Config)),
		},
		Poster: NewManagementAPIPoster(result.Config, wsEndpoint),
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
	output, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}
	return *output.Parameter.Value, nil
}
