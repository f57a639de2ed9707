package shapes

import (
	"reflect"
	"testing"

	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

func reqSubCalls(req *jmap.Req) []jmap.Invocation {
	return req.TakeSubCalls()
}

func TestParseCopy_Basic(t *testing.T) {
	req := newTestReq(map[string]any{
		"fromAccountId":            "other",
		"create":                   map[string]any{"c0": map[string]any{"mailboxIds": map[string]any{"mb": true}}},
		"onSuccessDestroyOriginal": true,
		"destroyFromIfInState":     "s1",
	})

	copyShape, err := ParseCopy(req, parser.New(), CopyParams{})
	if err != nil {
		t.Fatalf("ParseCopy returned error: %v", err)
	}
	if copyShape.FromAccountID != "other" {
		t.Errorf("FromAccountID = %q", copyShape.FromAccountID)
	}
	if !copyShape.OnSuccessDestroyOriginal || copyShape.DestroyFromIfInState != "s1" {
		t.Errorf("copy = %+v", copyShape)
	}
	if copyShape.Create["c0"] == nil {
		t.Errorf("Create = %v", copyShape.Create)
	}
}

func TestParseCopy_MissingFromAccountID(t *testing.T) {
	req := newTestReq(map[string]any{"create": map[string]any{}})

	_, err := ParseCopy(req, parser.New(), CopyParams{})
	if err == nil {
		t.Fatal("expected invalidArguments")
	}
	if !reflect.DeepEqual(err.Arguments, []string{"fromAccountId"}) {
		t.Errorf("arguments = %v", err.Arguments)
	}
}

func TestCopy_ScheduleDestroy_AllOrNothing(t *testing.T) {
	req := newTestReq(map[string]any{"fromAccountId": "other"})
	copyShape, err := ParseCopy(req, parser.New(), CopyParams{})
	if err != nil {
		t.Fatalf("ParseCopy returned error: %v", err)
	}
	copyShape.OnSuccessDestroyOriginal = true
	copyShape.DestroyFromIfInState = "s0"

	// One failure blocks the destroy entirely.
	copyShape.Created["a"] = "a"
	copyShape.NotCreated["b"] = jmap.SetErrorOf("blobNotFound")
	copyShape.ScheduleDestroy(req, "Blob/set", []string{"a"})
	if calls := reqSubCalls(req); len(calls) != 0 {
		t.Fatalf("sub-calls scheduled despite failure: %v", calls)
	}

	// All successes schedule the deferred set.
	delete(copyShape.NotCreated, "b")
	copyShape.Created["b"] = "b"
	copyShape.ScheduleDestroy(req, "Blob/set", []string{"a", "b"})
	calls := reqSubCalls(req)
	if len(calls) != 1 {
		t.Fatalf("sub-calls = %v", calls)
	}
	if calls[0].Name != "Blob/set" {
		t.Errorf("sub-call method = %q", calls[0].Name)
	}
	if calls[0].Args["accountId"] != "other" {
		t.Errorf("sub-call account = %v", calls[0].Args["accountId"])
	}
	if !reflect.DeepEqual(calls[0].Args["destroy"], []any{"a", "b"}) {
		t.Errorf("sub-call destroy = %v", calls[0].Args["destroy"])
	}
	if calls[0].Args["ifInState"] != "s0" {
		t.Errorf("sub-call ifInState = %v", calls[0].Args["ifInState"])
	}
}

func TestCopy_ScheduleDestroy_OnlyWhenRequested(t *testing.T) {
	req := newTestReq(map[string]any{"fromAccountId": "other"})
	copyShape, _ := ParseCopy(req, parser.New(), CopyParams{})
	copyShape.Created["a"] = "a"

	copyShape.ScheduleDestroy(req, "Blob/set", []string{"a"})
	if calls := reqSubCalls(req); len(calls) != 0 {
		t.Errorf("sub-calls scheduled without onSuccessDestroyOriginal: %v", calls)
	}
}

func TestCopy_Reply(t *testing.T) {
	copyShape := &Copy{
		FromAccountID: "other",
		AccountID:     "user-1",
		Created:       map[string]any{"a": "a"},
		NotCreated:    map[string]*jmap.SetError{"b": jmap.SetErrorOf("blobNotFound")},
	}
	reply := copyShape.Reply()
	if reply["fromAccountId"] != "other" || reply["accountId"] != "user-1" {
		t.Errorf("reply = %v", reply)
	}
	notCreated := reply["notCreated"].(map[string]any)
	if notCreated["b"].(map[string]any)["type"] != "blobNotFound" {
		t.Errorf("notCreated = %v", notCreated)
	}
}
