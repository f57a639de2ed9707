package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-server/internal/blob"
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
)

var logger = logging.New()

// UploadResponse is the upload result per RFC 8620 Section 6.1.
type UploadResponse struct {
	AccountID string `json:"accountId"`
	BlobID    string `json:"blobId"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	Expires   string `json:"expires"`
}

// ErrorResponse is the error response format
type ErrorResponse struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Response is the API Gateway proxy response
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Uploader stores one blob.
type Uploader interface {
	Put(ctx context.Context, accountID string, content []byte, contentType string) (*blob.Record, error)
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Store         Uploader
	MaxSizeUpload int64
}

var deps *Dependencies

// handler processes blob upload requests
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	ctx, span := tracing.StartHandlerSpan(ctx, "BlobUploadHandler",
		tracing.Function("blob-upload"),
		tracing.RequestID(request.RequestContext.RequestID),
	)
	defer span.End()

	pathAccountID := request.PathParameters["accountId"]
	if pathAccountID == "" {
		return errorResponse(400, "invalidArguments", "Missing accountId in path")
	}
	span.SetAttributes(tracing.AccountID(pathAccountID))

	authAccountID, err := extractAccountID(request)
	if err != nil {
		logger.WarnContext(ctx, "Failed to extract account ID",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return errorResponse(401, "unauthorized", "Missing or invalid authentication")
	}
	if pathAccountID != authAccountID {
		logger.WarnContext(ctx, "Account ID mismatch",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("path_account_id", pathAccountID),
			slog.String("auth_account_id", authAccountID),
		)
		return errorResponse(403, "forbidden", "Account ID mismatch")
	}

	content, err := requestContent(request)
	if err != nil {
		return errorResponse(400, "invalidArguments", "Request body is not valid base64")
	}
	if int64(len(content)) > deps.MaxSizeUpload {
		logger.InfoContext(ctx, "Upload too large",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.Int("size", len(content)),
		)
		body, _ := json.Marshal(jmap.LimitError("maxSizeUpload",
			fmt.Sprintf("Upload size %d exceeds maximum %d bytes", len(content), deps.MaxSizeUpload)))
		return Response{
			StatusCode: 413,
			Headers:    map[string]string{"Content-Type": "application/problem+json"},
			Body:       string(body),
		}, nil
	}

	contentType := request.Headers["Content-Type"]
	if contentType == "" {
		contentType = request.Headers["content-type"]
	}

	record, err := deps.Store.Put(ctx, pathAccountID, content, contentType)
	if errors.Is(err, blob.ErrOverQuota) {
		return errorResponse(400, "overQuota", "Account storage quota exceeded")
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to store blob",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return errorResponse(500, "serverFail", "Failed to store blob")
	}

	logger.InfoContext(ctx, "Blob uploaded",
		slog.String("request_id", request.RequestContext.RequestID),
		slog.String("account_id", pathAccountID),
		slog.String("blob_id", record.BlobID),
		slog.Int64("size", record.Size),
	)

	body, _ := json.Marshal(UploadResponse{
		AccountID: record.AccountID,
		BlobID:    record.BlobID,
		Type:      record.ContentType,
		Size:      record.Size,
		Expires:   record.ExpiresAt,
	})
	return Response{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:       string(body),
	}, nil
}

// requestContent decodes the raw body, honouring API Gateway's base64
// framing for binary payloads.
func requestContent(request events.APIGatewayProxyRequest) ([]byte, error) {
	if request.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(request.Body)
	}
	return []byte(request.Body), nil
}

// extractAccountID extracts account ID from JWT claims or path parameter
func extractAccountID(request events.APIGatewayProxyRequest) (string, error) {
	if request.RequestContext.Identity.UserArn != "" {
		if accountID, ok := request.PathParameters["accountId"]; ok && accountID != "" {
			return accountID, nil
		}
		return "", fmt.Errorf("missing accountId path parameter for IAM auth")
	}

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

// errorResponse builds an error response
func errorResponse(statusCode int, errorType, description string) (Response, error) {
	body, _ := json.Marshal(ErrorResponse{Type: errorType, Description: description})
	return Response{
		StatusCode: statusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
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

	result, err := awsinit.Init(ctx, awsinit.WithHTTPHandler("blob-upload"))
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
	limits := jmap.LoadLimits(result.Ctx, nil, "")
	if prefix := os.Getenv("JMAP_LIMITS_SSM_PREFIX"); prefix != "" {
		limits = jmap.LoadLimits(result.Ctx, newSSMReader(ssmClient), prefix)
	}

	store := blob.NewStore(
		s3.NewFromConfig(result.Config),
		dynamodb.NewFromConfig(result.Config),
		bucketName,
		tableName,
	)

	deps = &Dependencies{
		Store:         store,
		MaxSizeUpload: limits.MaxSizeUpload,
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
	output, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{Name: &name})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}
	return *output.Parameter.Value, nil
}
