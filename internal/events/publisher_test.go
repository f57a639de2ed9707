package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/jarrod-lowe/jmap-server/internal/registry"
	"github.com/jarrod-lowe/jmap-server/pkg/plugincontract"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	return &sqs.SendMessageOutput{}, m.err
}

type mockTargets struct {
	targets map[string][]registry.AggregatedEventTarget
}

func (m *mockTargets) GetEventTargets(eventType string) []registry.AggregatedEventTarget {
	return m.targets[eventType]
}

func TestPublishStateChange(t *testing.T) {
	sqsMock := &mockSQS{}
	targets := &mockTargets{targets: map[string][]registry.AggregatedEventTarget{
		EventStateChange: {
			{PluginID: "mail", TargetType: "sqs", TargetArn: "arn:aws:sqs:eu-west-1:123456789012:mail-events"},
		},
	}}
	p := NewPublisher(sqsMock, targets)

	err := p.PublishStateChange(context.Background(), "user-1", map[string]string{"Email": "42"})
	if err != nil {
		t.Fatalf("PublishStateChange returned error: %v", err)
	}
	if len(sqsMock.inputs) != 1 {
		t.Fatalf("SendMessage calls = %d, want 1", len(sqsMock.inputs))
	}

	input := sqsMock.inputs[0]
	wantURL := "https://sqs.eu-west-1.amazonaws.com/123456789012/mail-events"
	if aws.ToString(input.QueueUrl) != wantURL {
		t.Errorf("QueueUrl = %q, want %q", aws.ToString(input.QueueUrl), wantURL)
	}

	var payload plugincontract.EventPayload
	if err := json.Unmarshal([]byte(aws.ToString(input.MessageBody)), &payload); err != nil {
		t.Fatalf("body did not parse: %v", err)
	}
	if payload.EventType != EventStateChange || payload.AccountID != "user-1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Data["Email"] != "42" {
		t.Errorf("payload data = %v", payload.Data)
	}
}

func TestPublish_NoTargets_NoSend(t *testing.T) {
	sqsMock := &mockSQS{}
	p := NewPublisher(sqsMock, &mockTargets{})

	err := p.PublishAccountCreated(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if len(sqsMock.inputs) != 0 {
		t.Error("no targets must mean no sends")
	}
}

func TestPublish_SkipsUnknownTargetType(t *testing.T) {
	sqsMock := &mockSQS{}
	targets := &mockTargets{targets: map[string][]registry.AggregatedEventTarget{
		EventAccountCreated: {
			{PluginID: "odd", TargetType: "sns", TargetArn: "arn:aws:sns:eu-west-1:123456789012:nope"},
			{PluginID: "mail", TargetType: "sqs", TargetArn: "arn:aws:sqs:eu-west-1:123456789012:mail-events"},
		},
	}}
	p := NewPublisher(sqsMock, targets)

	if err := p.PublishAccountCreated(context.Background(), "user-1"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if len(sqsMock.inputs) != 1 {
		t.Errorf("SendMessage calls = %d, want 1 (sns skipped)", len(sqsMock.inputs))
	}
}

func TestArnToQueueURL(t *testing.T) {
	got := arnToQueueURL("arn:aws:sqs:us-east-1:111122223333:queue-name")
	want := "https://sqs.us-east-1.amazonaws.com/111122223333/queue-name"
	if got != want {
		t.Errorf("arnToQueueURL = %q, want %q", got, want)
	}

	// Malformed ARNs pass through untouched.
	if got := arnToQueueURL("not-an-arn"); got != "not-an-arn" {
		t.Errorf("malformed = %q", got)
	}
}
