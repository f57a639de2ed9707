// Package events fans out system events to plugin SQS queues: account
// lifecycle notifications and the state changes accumulated by a request.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/logging"

	"github.com/jarrod-lowe/jmap-server/internal/registry"
	"github.com/jarrod-lowe/jmap-server/pkg/plugincontract"
)

var logger = logging.New()

// Event types emitted by the core.
const (
	EventAccountCreated = "account.created"
	EventStateChange    = "state.change"
)

// SQSClient is the interface for SQS operations
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// TargetSource provides event targets from the plugin registry.
type TargetSource interface {
	GetEventTargets(eventType string) []registry.AggregatedEventTarget
}

// Publisher delivers events to every registered SQS target.
type Publisher struct {
	sqsClient SQSClient
	targets   TargetSource
	now       func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(sqsClient SQSClient, targets TargetSource) *Publisher {
	return &Publisher{
		sqsClient: sqsClient,
		targets:   targets,
		now:       time.Now,
	}
}

// Publish sends the event to all registered SQS targets. Delivery is best
// effort per target; one queue failing must not fail the request that
// produced the event.
func (p *Publisher) Publish(ctx context.Context, payload plugincontract.EventPayload) error {
	targets := p.targets.GetEventTargets(payload.EventType)
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	for _, target := range targets {
		if target.TargetType != "sqs" {
			logger.WarnContext(ctx, "Unknown target type, skipping",
				slog.String("target_type", target.TargetType),
				slog.String("plugin_id", target.PluginID))
			continue
		}

		queueURL := arnToQueueURL(target.TargetArn)
		_, err := p.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to publish event",
				slog.String("event_type", payload.EventType),
				slog.String("plugin_id", target.PluginID),
				slog.String("queue_url", queueURL),
				slog.String("error", err.Error()))
			continue
		}
		logger.InfoContext(ctx, "Published event",
			slog.String("event_type", payload.EventType),
			slog.String("plugin_id", target.PluginID))
	}
	return nil
}

// PublishStateChange emits one state.change event carrying the per-type
// tokens a request advanced; the dispatcher calls this at teardown.
func (p *Publisher) PublishStateChange(ctx context.Context, accountID string, changed map[string]string) error {
	data := make(map[string]any, len(changed))
	for objType, state := range changed {
		data[objType] = state
	}
	return p.Publish(ctx, plugincontract.EventPayload{
		EventType:  EventStateChange,
		OccurredAt: p.now().UTC().Format(time.RFC3339),
		AccountID:  accountID,
		Data:       data,
	})
}

// PublishAccountCreated emits the provisioning event.
func (p *Publisher) PublishAccountCreated(ctx context.Context, accountID string) error {
	return p.Publish(ctx, plugincontract.EventPayload{
		EventType:  EventAccountCreated,
		OccurredAt: p.now().UTC().Format(time.RFC3339),
		AccountID:  accountID,
	})
}

// arnToQueueURL converts an SQS queue ARN to its URL:
// arn:aws:sqs:region:account:queue-name -> https://sqs.region.amazonaws.com/account/queue-name
func arnToQueueURL(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 {
		return arn
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", parts[3], parts[4], parts[5])
}
