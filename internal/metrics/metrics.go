// Package metrics publishes per-method latency to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Namespace groups the server's metrics in CloudWatch.
const Namespace = "JmapServer"

// CloudWatchClient defines the interface for CloudWatch operations
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher implements the dispatcher's MetricsPublisher using CloudWatch
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
}

// NewCloudWatchPublisher creates a new CloudWatchPublisher
func NewCloudWatchPublisher(client CloudWatchClient) *CloudWatchPublisher {
	return &CloudWatchPublisher{
		client:    client,
		namespace: Namespace,
	}
}

// PublishMethodDuration records one method call's wall-clock latency,
// dimensioned by method name.
func (p *CloudWatchPublisher) PublishMethodDuration(ctx context.Context, method string, duration time.Duration) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String("MethodDuration"),
				Value:      aws.Float64(duration.Seconds() * 1000),
				Unit:       types.StandardUnitMilliseconds,
				Dimensions: []types.Dimension{
					{
						Name:  aws.String("Method"),
						Value: aws.String(method),
					},
				},
			},
		},
	})
	return err
}
