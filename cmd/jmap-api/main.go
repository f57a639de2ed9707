package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
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

// Response is the API Gateway proxy response
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Dispatcher *jmap.Dispatcher
	Registry   *registry.Registry
}

var deps *Dependencies

// handler processes JMAP API requests
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	ctx, span := tracing.StartHandlerSpan(ctx, "JmapApiHandler",
		tracing.Function("jmap-api"),
		tracing.RequestID(request.RequestContext.RequestID),
	)
	defer span.End()

	userID, err := extractAccountID(request)
	if err != nil {
		logger.WarnContext(ctx, "Failed to extract account ID",
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

	// Check principal authorization for IAM-authenticated requests
	if isIAMAuthenticatedRequest(request) {
		callerPrincipal := request.RequestContext.Identity.UserArn
		if !deps.Registry.IsAllowedPrincipal(callerPrincipal) {
			logger.WarnContext(ctx, "Unauthorized IAM principal",
				slog.String("request_id", request.RequestContext.RequestID),
				slog.String("caller_principal", callerPrincipal),
			)
			return Response{
				StatusCode: 403,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       `{"type":"forbidden","description":"Principal not authorized for IAM access"}`,
			}, nil
		}
	}

	var jmapRequest jmap.Request
	if err := json.Unmarshal([]byte(request.Body), &jmapRequest); err != nil {
		logger.WarnContext(ctx, "Invalid JSON in request body",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return problemResponse(jmap.NotJSONError()), nil
	}

	requestID := request.RequestContext.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	response, reqErr := deps.Dispatcher.Dispatch(ctx, userID, requestID, &jmapRequest, int64(len(request.Body)))
	if reqErr != nil {
		logger.WarnContext(ctx, "Request rejected",
			slog.String("request_id", requestID),
			slog.String("account_id", userID),
			slog.String("type", reqErr.Type),
		)
		return problemResponse(reqErr), nil
	}

	bodyJSON, err := json.Marshal(response)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal response",
			slog.String("error", err.Error()),
		)
		return Response{
			StatusCode: 500,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"Internal server error"}`,
		}, nil
	}

	logger.InfoContext(ctx, "JMAP request completed",
		slog.String("request_id", requestID),
		slog.String("account_id", userID),
		slog.Int("method_count", len(jmapRequest.MethodCalls)),
		slog.Int("response_count", len(response.MethodResponses)),
	)

	return Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:       string(bodyJSON),
	}, nil
}

// problemResponse renders a top-level request error as an RFC 7807
// problem document.
func problemResponse(reqErr *jmap.RequestError) Response {
	body, _ := json.Marshal(reqErr)
	return Response{
		StatusCode: reqErr.Status,
		Headers:    map[string]string{"Content-Type": "application/problem+json"},
		Body:       string(body),
	}
}

// extractAccountID extracts account ID from JWT claims or path parameter
func extractAccountID(request events.APIGatewayProxyRequest) (string, error) {
	// IAM auth: API Gateway populates Identity.UserArn; use the path param
	if request.RequestContext.Identity.UserArn != "" {
		if accountID, ok := request.PathParameters["accountId"]; ok && accountID != "" {
			return accountID, nil
		}
		return "", fmt.Errorf("missing accountId path parameter for IAM auth")
	}

	// Cognito auth: API Gateway populates Authorizer with claims
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

// isIAMAuthenticatedRequest checks if the request is IAM-authenticated
func isIAMAuthenticatedRequest(request events.APIGatewayProxyRequest) bool {
	return request.RequestContext.Identity.UserArn != ""
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

	result, err := awsinit.Init(ctx, awsinit.WithHTTPHandler("jmap-api"))
	if err != nil {
		logger.Error("FATAL: Failed to initialize AWS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	defer result.Cleanup()

	tableName := requireEnv("DYNAMODB_TABLE")
	bucketName := requireEnv("BLOB_BUCKET")

	ssmClient := ssm.NewFromConfig(result.Config)
	limits := jmap.LoadLimits(result.Ctx, newSSMReader(ssmClient), os.Getenv("JMAP_LIMITS_SSM_PREFIX"))
	settings := jmap.NewSettings(limits)

	dynamoClient := dynamodb.NewFromConfig(result.Config)
	dbClient := db.NewClientFromConfig(result.Config, tableName)

	// Core methods run in-process.
	blobStore := blob.NewStore(s3.NewFromConfig(result.Config), dynamoClient, bucketName, tableName)
	core.Register(settings, &blob.Methods{Store: blobStore})

	// Protocol modules (mail, contacts, calendars, submission) run as
	// Lambda plugins registered in DynamoDB.
	pluginRegistry := registry.NewRegistry()
	if err := pluginRegistry.LoadFromDynamoDB(result.Ctx, dbClient); err != nil {
		logger.Error("FATAL: Failed to load plugin registry",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	invoker := registry.NewLambdaInvoker(lambdasvc.NewFromConfig(result.Config))
	registry.Bind(settings, pluginRegistry, invoker)

	dispatcher := &jmap.Dispatcher{
		Settings:  settings,
		Mailboxes: mailbox.NewDynamoDBStore(dynamoClient, tableName),
		States:    dbClient,
		Events:    jmapevents.NewPublisher(sqs.NewFromConfig(result.Config), pluginRegistry),
		Metrics:   metrics.NewCloudWatchPublisher(cloudwatchsvc.NewFromConfig(result.Config)),
	}

	deps = &Dependencies{
		Dispatcher: dispatcher,
		Registry:   pluginRegistry,
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
		Name: &name,
	})
	if err != nil {
		return "", err
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}
	return *result.Parameter.Value, nil
}
