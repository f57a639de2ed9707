package db

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MockDynamoDB returns canned outputs and records inputs.
type MockDynamoDB struct {
	getOutput    *dynamodb.GetItemOutput
	getErr       error
	updateOutput *dynamodb.UpdateItemOutput
	updateErr    error
	queryOutput  *dynamodb.QueryOutput
	queryErr     error

	updateInputs []*dynamodb.UpdateItemInput
}

func (m *MockDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.getOutput, m.getErr
}

func (m *MockDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, params)
	return m.updateOutput, m.updateErr
}

func (m *MockDynamoDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.queryOutput, m.queryErr
}

func TestEnsureAccount(t *testing.T) {
	mock := &MockDynamoDB{
		updateOutput: &dynamodb.UpdateItemOutput{
			Attributes: map[string]types.AttributeValue{
				"pk":        &types.AttributeValueMemberS{Value: "ACCOUNT#user-1"},
				"sk":        &types.AttributeValueMemberS{Value: "META#"},
				"owner":     &types.AttributeValueMemberS{Value: "USER#user-1"},
				"createdAt": &types.AttributeValueMemberS{Value: "2026-01-01T00:00:00Z"},
			},
		},
	}
	client := NewClientWithDynamoDB(mock, "table")

	account, err := client.EnsureAccount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("EnsureAccount returned error: %v", err)
	}
	if account.UserID != "user-1" {
		t.Errorf("UserID = %q", account.UserID)
	}
	if account.Owner != "USER#user-1" {
		t.Errorf("Owner = %q", account.Owner)
	}

	input := mock.updateInputs[0]
	if !strings.Contains(*input.UpdateExpression, "if_not_exists") {
		t.Errorf("update expression %q must preserve existing owner/createdAt", *input.UpdateExpression)
	}
}

func TestHighestModSeq_Unwritten(t *testing.T) {
	mock := &MockDynamoDB{getOutput: &dynamodb.GetItemOutput{}}
	client := NewClientWithDynamoDB(mock, "table")

	modseq, err := client.HighestModSeq(context.Background(), "acc1", "Email")
	if err != nil {
		t.Fatalf("HighestModSeq returned error: %v", err)
	}
	if modseq != 0 {
		t.Errorf("modseq = %d, want 0", modseq)
	}
}

func TestHighestModSeq_Reads(t *testing.T) {
	mock := &MockDynamoDB{
		getOutput: &dynamodb.GetItemOutput{
			Item: map[string]types.AttributeValue{
				"modseq_Email": &types.AttributeValueMemberN{Value: "41"},
			},
		},
	}
	client := NewClientWithDynamoDB(mock, "table")

	modseq, err := client.HighestModSeq(context.Background(), "acc1", "Email")
	if err != nil {
		t.Fatalf("HighestModSeq returned error: %v", err)
	}
	if modseq != 41 {
		t.Errorf("modseq = %d, want 41", modseq)
	}
}

func TestBumpModSeq(t *testing.T) {
	mock := &MockDynamoDB{
		updateOutput: &dynamodb.UpdateItemOutput{
			Attributes: map[string]types.AttributeValue{
				"modseq_Email": &types.AttributeValueMemberN{Value: "42"},
				"sessionSeq":   &types.AttributeValueMemberN{Value: "107"},
			},
		},
	}
	client := NewClientWithDynamoDB(mock, "table")

	modseq, err := client.BumpModSeq(context.Background(), "acc1", "Email")
	if err != nil {
		t.Fatalf("BumpModSeq returned error: %v", err)
	}
	if modseq != 42 {
		t.Errorf("modseq = %d, want 42", modseq)
	}

	expr := *mock.updateInputs[0].UpdateExpression
	if !strings.Contains(expr, "ADD") {
		t.Errorf("update expression %q must use ADD", expr)
	}
}

func TestSessionState(t *testing.T) {
	mock := &MockDynamoDB{
		getOutput: &dynamodb.GetItemOutput{
			Item: map[string]types.AttributeValue{
				"sessionSeq": &types.AttributeValueMemberN{Value: "9"},
			},
		},
	}
	client := NewClientWithDynamoDB(mock, "table")

	state, err := client.SessionState(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("SessionState returned error: %v", err)
	}
	if state != 9 {
		t.Errorf("state = %d, want 9", state)
	}
}

func TestQueryByPK(t *testing.T) {
	mock := &MockDynamoDB{
		queryOutput: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				{"pk": &types.AttributeValueMemberS{Value: "PLUGIN#"}},
				{"pk": &types.AttributeValueMemberS{Value: "PLUGIN#"}},
			},
		},
	}
	client := NewClientWithDynamoDB(mock, "table")

	items, err := client.QueryByPK(context.Background(), "PLUGIN#")
	if err != nil {
		t.Fatalf("QueryByPK returned error: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestReadCounter_BadShape(t *testing.T) {
	item := map[string]types.AttributeValue{
		"sessionSeq": &types.AttributeValueMemberS{Value: "not a number"},
	}
	if _, err := readCounter(item, "sessionSeq"); err == nil {
		t.Error("expected error for non-numeric counter")
	}
}
