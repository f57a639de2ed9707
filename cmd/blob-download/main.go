package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/jmap-server/internal/blob"
	"github.com/jarrod-lowe/jmap-server/internal/ids"
)

var logger = logging.New()

// BlobDB looks up blob metadata.
type BlobDB interface {
	Get(ctx context.Context, accountID, blobID string) (*blob.Record, error)
}

// URLSigner generates CloudFront signed URLs
type URLSigner interface {
	Sign(url string, expiry time.Time) (string, error)
}

// SecretsReader reads secrets from Secrets Manager
type SecretsReader interface {
	GetPrivateKey(ctx context.Context, secretARN string) (string, error)
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

// Config holds application configuration
type Config struct {
	CloudFrontDomain    string
	CloudFrontKeyPairID string
	PrivateKeySecretARN string
	SignedURLExpiry     time.Duration
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	DB     BlobDB
	Signer URLSigner
	Config Config
}

var deps *Dependencies

// handler processes blob download requests. The account segment of the
// path must match the authenticated account; any authenticated user
// naming someone else's blob gets a 403 regardless of whether the blob
// exists.
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	ctx, span := tracing.StartHandlerSpan(ctx, "BlobDownloadHandler",
		tracing.Function("blob-download"),
		tracing.RequestID(request.RequestContext.RequestID),
	)
	defer span.End()

	pathAccountID := request.PathParameters["accountId"]
	if pathAccountID == "" {
		return errorResponse(400, "invalidArguments", "Missing accountId in path")
	}
	span.SetAttributes(tracing.AccountID(pathAccountID))

	blobID := request.PathParameters["blobId"]
	if blobID == "" {
		return errorResponse(400, "invalidArguments", "Missing blobId in path")
	}
	span.SetAttributes(tracing.BlobID(blobID))

	if !ids.IsBlobID(blobID) {
		logger.WarnContext(ctx, "Invalid blobId format",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("blob_id", blobID),
		)
		return errorResponse(400, "invalidArguments", "Invalid blobId format")
	}

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

	record, err := deps.DB.Get(ctx, pathAccountID, blobID)
	if errors.Is(err, blob.ErrNotFound) {
		logger.InfoContext(ctx, "Blob not found",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("account_id", pathAccountID),
			slog.String("blob_id", blobID),
		)
		return errorResponse(404, "notFound", "Blob not found")
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to get blob metadata",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return errorResponse(500, "serverFail", "Failed to retrieve blob metadata")
	}

	// The accept query parameter picks the Content-Type the client gets
	// back; anything else downloads as an opaque byte stream.
	contentType := request.QueryStringParameters["accept"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	name := request.PathParameters["name"]
	if name == "" {
		name = "blob"
	}

	blobURL := fmt.Sprintf("https://%s/blobs/%s/%s?response-content-type=%s&response-content-disposition=%s",
		deps.Config.CloudFrontDomain, pathAccountID, blobID,
		url.QueryEscape(contentType),
		url.QueryEscape(fmt.Sprintf("attachment; filename=%q", name)),
	)
	expiry := time.Now().Add(deps.Config.SignedURLExpiry)

	signedURL, err := deps.Signer.Sign(blobURL, expiry)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to sign URL",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return errorResponse(500, "serverFail", "Failed to generate download URL")
	}

	logger.InfoContext(ctx, "Blob download redirect",
		slog.String("request_id", request.RequestContext.RequestID),
		slog.String("account_id", pathAccountID),
		slog.String("blob_id", record.BlobID),
	)

	return Response{
		StatusCode: 302,
		Headers: map[string]string{
			"Location":      signedURL,
			"Cache-Control": "no-store",
		},
		Body: "",
	}, nil
}

// extractAccountID extracts account ID using authoritative API Gateway signals.
func extractAccountID(request events.APIGatewayProxyRequest) (string, error) {
	identity := request.RequestContext.Identity
	if identity.UserArn != "" || identity.Caller != "" {
		accountID, ok := request.PathParameters["accountId"]
		if !ok || accountID == "" {
			return "", fmt.Errorf("missing accountId path parameter for IAM auth")
		}
		return accountID, nil
	}

	authorizer := request.RequestContext.Authorizer
	if authorizer == nil {
		return "", fmt.Errorf("no authentication context (neither IAM nor Cognito)")
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

// =============================================================================
// Real implementations
// =============================================================================

// CloudFrontURLSigner implements URLSigner using CloudFront SDK
type CloudFrontURLSigner struct {
	signer *sign.URLSigner
}

// NewCloudFrontURLSigner creates a new CloudFrontURLSigner
func NewCloudFrontURLSigner(keyPairID, privateKeyPEM string) (*CloudFrontURLSigner, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var privateKey *rsa.PrivateKey
	var err error

	// Try PKCS#1 first, then PKCS#8
	privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &CloudFrontURLSigner{signer: sign.NewURLSigner(keyPairID, privateKey)}, nil
}

// Sign generates a signed URL for the given resource
func (s *CloudFrontURLSigner) Sign(url string, expiry time.Time) (string, error) {
	signedURL, err := s.signer.Sign(url, expiry)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return signedURL, nil
}

// SecretsManagerReader implements SecretsReader using AWS Secrets Manager
type SecretsManagerReader struct {
	client *secretsmanager.Client
}

// NewSecretsManagerReader creates a new SecretsManagerReader
func NewSecretsManagerReader(client *secretsmanager.Client) *SecretsManagerReader {
	return &SecretsManagerReader{client: client}
}

// GetPrivateKey retrieves the private key from Secrets Manager
func (s *SecretsManagerReader) GetPrivateKey(ctx context.Context, secretARN string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", err
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is empty")
	}
	return *result.SecretString, nil
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

	result, err := awsinit.Init(ctx, awsinit.WithHTTPHandler("blob-download"))
	if err != nil {
		logger.Error("FATAL: Failed to initialize AWS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	defer result.Cleanup()

	tableName := requireEnv("DYNAMODB_TABLE")
	bucketName := requireEnv("BLOB_BUCKET")
	cloudfrontDomain := requireEnv("CLOUDFRONT_DOMAIN")
	keyPairID := requireEnv("CLOUDFRONT_KEY_PAIR_ID")
	privateKeySecretARN := requireEnv("PRIVATE_KEY_SECRET_ARN")

	expirySeconds := 300 // default 5 minutes
	if expiryStr := os.Getenv("SIGNED_URL_EXPIRY_SECONDS"); expiryStr != "" {
		if parsed, err := strconv.Atoi(expiryStr); err == nil {
			expirySeconds = parsed
		}
	}

	secretsReader := NewSecretsManagerReader(secretsmanager.NewFromConfig(result.Config))
	privateKey, err := secretsReader.GetPrivateKey(result.Ctx, privateKeySecretARN)
	if err != nil {
		logger.Error("FATAL: Failed to read private key from Secrets Manager",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	signer, err := NewCloudFrontURLSigner(keyPairID, privateKey)
	if err != nil {
		logger.Error("FATAL: Failed to create CloudFront signer",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	store := blob.NewStore(
		s3.NewFromConfig(result.Config),
		dynamodb.NewFromConfig(result.Config),
		bucketName,
		tableName,
	)

	deps = &Dependencies{
		DB:     store,
		Signer: signer,
		Config: Config{
			CloudFrontDomain:    cloudfrontDomain,
			CloudFrontKeyPairID: keyPairID,
			PrivateKeySecretARN: privateKeySecretARN,
			SignedURLExpiry:     time.Duration(expirySeconds) * time.Second,
		},
	}

	result.Start(handler)
}
