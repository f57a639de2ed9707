package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
)

type mockAccountDB struct {
	created map[string]int64
	err     error
}

func (m *mockAccountDB) CreateAccountMeta(ctx context.Context, accountID string, quotaBytes int64) error {
	if m.err != nil {
		return m.err
	}
	m.created[accountID] = quotaBytes
	return nil
}

type mockMailboxes struct {
	records []*mailbox.Record
	err     error
}

func (m *mockMailboxes) Create(ctx context.Context, record *mailbox.Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

type mockCognito struct {
	attrs map[string]string
	err   error
}

func (m *mockCognito) SetUserAttribute(ctx context.Context, userPoolID, username, attrName, attrValue string) error {
	if m.err != nil {
		return m.err
	}
	m.attrs[attrName] = attrValue
	return nil
}

type mockEventPublisher struct {
	published []string
	err       error
}

func (m *mockEventPublisher) PublishAccountCreated(ctx context.Context, accountID string) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, accountID)
	return nil
}

func setupDeps() (*mockAccountDB, *mockMailboxes, *mockCognito, *mockEventPublisher) {
	accountDB := &mockAccountDB{created: map[string]int64{}}
	mailboxes := &mockMailboxes{}
	cognito := &mockCognito{attrs: map[string]string{}}
	publisher := &mockEventPublisher{}
	deps = &Dependencies{
		DB:             accountDB,
		Mailboxes:      mailboxes,
		Cognito:        cognito,
		EventPublisher: publisher,
		DefaultQuota:   1000,
	}
	return accountDB, mailboxes, cognito, publisher
}

func triggerEvent(initialized bool) events.CognitoEventUserPoolsPostAuthentication {
	attrs := map[string]string{"sub": "user-1"}
	if initialized {
		attrs["custom:account_initialized"] = "true"
	}
	event := events.CognitoEventUserPoolsPostAuthentication{}
	event.UserName = "alex"
	event.UserPoolID = "pool-1"
	event.Request.UserAttributes = attrs
	return event
}

func TestHandler_ProvisionsAccount(t *testing.T) {
	accountDB, mailboxes, cognito, publisher := setupDeps()

	_, err := handler(context.Background(), triggerEvent(false))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if accountDB.created["user-1"] != 1000 {
		t.Errorf("created = %v", accountDB.created)
	}
	if len(mailboxes.records) != 1 {
		t.Fatalf("mailboxes = %v", mailboxes.records)
	}
	inbox := mailboxes.records[0]
	if inbox.Name != "INBOX" || inbox.Role != "inbox" || inbox.AccountID != "user-1" {
		t.Errorf("inbox = %+v", inbox)
	}
	if inbox.ACL["user-1"] == "" {
		t.Error("owner ACL entry missing")
	}
	if cognito.attrs["custom:account_initialized"] != "true" {
		t.Errorf("attrs = %v", cognito.attrs)
	}
	if len(publisher.published) != 1 || publisher.published[0] != "user-1" {
		t.Errorf("published = %v", publisher.published)
	}
}

func TestHandler_AlreadyInitialized_Skips(t *testing.T) {
	accountDB, _, _, publisher := setupDeps()

	_, err := handler(context.Background(), triggerEvent(true))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(accountDB.created) != 0 || len(publisher.published) != 0 {
		t.Error("initialized account must not be re-provisioned")
	}
}

func TestHandler_MissingSub(t *testing.T) {
	setupDeps()

	event := triggerEvent(false)
	delete(event.Request.UserAttributes, "sub")
	if _, err := handler(context.Background(), event); err == nil {
		t.Error("expected error for missing sub")
	}
}

func TestHandler_DBFailure_Propagates(t *testing.T) {
	accountDB, _, _, _ := setupDeps()
	accountDB.err = errors.New("dynamo down")

	if _, err := handler(context.Background(), triggerEvent(false)); err == nil {
		t.Error("expected error when META creation fails")
	}
}

func TestHandler_InboxRace_Continues(t *testing.T) {
	_, mailboxes, cognito, _ := setupDeps()
	mailboxes.err = errors.New(`mailbox "INBOX" already exists`)

	if _, err := handler(context.Background(), triggerEvent(false)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if cognito.attrs["custom:account_initialized"] != "true" {
		t.Error("provisioning must continue past an INBOX race")
	}
}

func TestHandler_EventFailure_BestEffort(t *testing.T) {
	_, _, _, publisher := setupDeps()
	publisher.err = errors.New("sqs down")

	if _, err := handler(context.Background(), triggerEvent(false)); err != nil {
		t.Errorf("event failure must not fail provisioning: %v", err)
	}
}
