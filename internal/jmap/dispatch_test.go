package jmap

import (
	"context"
	"errors"
	"testing"

	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
)

// mockStateSource serves canned counters.
type mockStateSource struct {
	modseq  map[string]uint64
	session uint64
	bumps   int
}

func (m *mockStateSource) HighestModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	return m.modseq[objType], nil
}

func (m *mockStateSource) BumpModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	if m.modseq == nil {
		m.modseq = map[string]uint64{}
	}
	m.modseq[objType]++
	m.bumps++
	return m.modseq[objType], nil
}

func (m *mockStateSource) SessionState(ctx context.Context, accountID string) (uint64, error) {
	return m.session, nil
}

// mockMailboxStore counts lifecycle calls.
type mockMailboxStore struct {
	records map[string]*mailbox.Record
	commits int
	aborts  int
}

func (m *mockMailboxStore) Lookup(ctx context.Context, accountID, name string) (*mailbox.Record, error) {
	record, ok := m.records[name]
	if !ok {
		return nil, mailbox.ErrNotFound
	}
	return record, nil
}

func (m *mockMailboxStore) Open(ctx context.Context, accountID, name string, rw bool, owner string) (*mailbox.Handle, error) {
	record, err := m.Lookup(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	return &mailbox.Handle{Record: *record}, nil
}

func (m *mockMailboxStore) Commit(ctx context.Context, h *mailbox.Handle) error {
	m.commits++
	return nil
}

func (m *mockMailboxStore) Abort(ctx context.Context, h *mailbox.Handle) error {
	m.aborts++
	return nil
}

// mockEvents records published state changes.
type mockEvents struct {
	accountID string
	changed   map[string]string
}

func (m *mockEvents) PublishStateChange(ctx context.Context, accountID string, changed map[string]string) error {
	m.accountID = accountID
	m.changed = changed
	return nil
}

func testSettings() *Settings {
	settings := NewSettings(Limits{
		MaxSizeUpload:         50000000,
		MaxConcurrentUpload:   4,
		MaxSizeRequest:        1000000,
		MaxConcurrentRequests: 4,
		MaxCallsInRequest:     16,
		MaxObjectsInGet:       500,
		MaxObjectsInSet:       500,
	})
	settings.RegisterCapability(URNCore, settings.CoreCapability())
	settings.RegisterMethod(&Method{
		Name:       "Core/echo",
		Capability: URNCore,
		Flags:      SharedCState,
		Func: func(ctx context.Context, req *Req) error {
			req.Ok(req.Args)
			return nil
		},
	})
	return settings
}

func testDispatcher(settings *Settings) (*Dispatcher, *mockMailboxStore, *mockStateSource) {
	store := &mockMailboxStore{records: map[string]*mailbox.Record{}}
	states := &mockStateSource{modseq: map[string]uint64{}, session: 3}
	return &Dispatcher{
		Settings:  settings,
		Mailboxes: store,
		States:    states,
	}, store, states
}

func dispatch(t *testing.T, d *Dispatcher, request *Request) *Response {
	t.Helper()
	response, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", request, 100)
	if reqErr != nil {
		t.Fatalf("Dispatch returned request error: %v", reqErr)
	}
	return response
}

func TestDispatch_Echo(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Core/echo", map[string]any{"hello": float64(1)}, "c0"},
		},
	})

	if len(response.MethodResponses) != 1 {
		t.Fatalf("got %d responses, want 1", len(response.MethodResponses))
	}
	resp := response.MethodResponses[0]
	if resp[0] != "Core/echo" || resp[2] != "c0" {
		t.Errorf("response = %v", resp)
	}
	args := resp[1].(map[string]any)
	if args["hello"] != float64(1) {
		t.Errorf("echo args = %v", args)
	}
	if response.SessionState != "3" {
		t.Errorf("sessionState = %q, want 3", response.SessionState)
	}
}

func TestDispatch_UnknownCapability(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	_, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", &Request{
		Using:       []string{"urn:x"},
		MethodCalls: [][]any{{"Core/echo", map[string]any{}, "c0"}},
	}, 100)

	if reqErr == nil || reqErr.Type != ErrURNUnknownCapability {
		t.Errorf("reqErr = %v, want unknownCapability", reqErr)
	}
}

func TestDispatch_EmptyUsing(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	_, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", &Request{
		MethodCalls: [][]any{{"Core/echo", map[string]any{}, "c0"}},
	}, 100)

	if reqErr == nil || reqErr.Type != ErrURNNotRequest {
		t.Errorf("reqErr = %v, want notRequest", reqErr)
	}
}

func TestDispatch_MalformedTriple(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	for name, call := range map[string][]any{
		"two elements":       {"Core/echo", map[string]any{}},
		"non-string name":    {float64(1), map[string]any{}, "c0"},
		"non-object args":    {"Core/echo", "nope", "c0"},
		"non-string clientId": {"Core/echo", map[string]any{}, float64(2)},
	} {
		t.Run(name, func(t *testing.T) {
			_, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", &Request{
				Using:       []string{URNCore},
				MethodCalls: [][]any{call},
			}, 100)
			if reqErr == nil || reqErr.Type != ErrURNNotRequest {
				t.Errorf("reqErr = %v, want notRequest", reqErr)
			}
		})
	}
}

func TestDispatch_TooManyCalls(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	calls := make([][]any, 17)
	for i := range calls {
		calls[i] = []any{"Core/echo", map[string]any{}, "c"}
	}
	_, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", &Request{
		Using:       []string{URNCore},
		MethodCalls: calls,
	}, 100)

	if reqErr == nil || reqErr.Type != ErrURNLimit || reqErr.Limit != LimitMaxCallsInRequest {
		t.Errorf("reqErr = %+v, want limit maxCallsInRequest", reqErr)
	}
}

func TestDispatch_OversizedRequest(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	_, reqErr := d.Dispatch(context.Background(), "user-1", "req-1", &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Core/echo", map[string]any{}, "c0"}},
	}, 2000000)

	if reqErr == nil || reqErr.Type != ErrURNLimit || reqErr.Limit != LimitMaxSizeRequest {
		t.Errorf("reqErr = %+v, want limit maxSizeRequest", reqErr)
	}
	if reqErr.Status != 413 {
		t.Errorf("status = %d, want 413", reqErr.Status)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Nope/get", map[string]any{}, "c0"},
		},
	})

	resp := response.MethodResponses[0]
	if resp[0] != "error" || resp[2] != "c0" {
		t.Fatalf("response = %v", resp)
	}
	if resp[1].(map[string]any)["type"] != "unknownMethod" {
		t.Errorf("payload = %v", resp[1])
	}
}

func TestDispatch_CapabilityNotRequested(t *testing.T) {
	settings := testSettings()
	settings.RegisterCapability(URNMail, map[string]any{})
	settings.RegisterMethod(&Method{
		Name:       "Email/get",
		Capability: URNMail,
		Func: func(ctx context.Context, req *Req) error {
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)

	// Email/get is registered, but the request only asked for core.
	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Email/get", map[string]any{}, "c0"},
		},
	})

	resp := response.MethodResponses[0]
	if resp[1].(map[string]any)["type"] != "methodNotFound" {
		t.Errorf("payload = %v", resp[1])
	}
}

func TestDispatch_ResponseOrderMatchesRequestOrder(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Core/echo", map[string]any{"n": float64(0)}, "a"},
			{"Unknown/method", map[string]any{}, "b"},
			{"Core/echo", map[string]any{"n": float64(2)}, "c"},
		},
	})

	if len(response.MethodResponses) != 3 {
		t.Fatalf("got %d responses, want 3", len(response.MethodResponses))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := response.MethodResponses[i][2]; got != want {
			t.Errorf("response[%d] clientId = %v, want %s", i, got, want)
		}
	}
}

func TestDispatch_BackReference(t *testing.T) {
	settings := testSettings()
	var gotIDs []any
	settings.RegisterMethod(&Method{
		Name:       "Test/query",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			req.Ok(map[string]any{"ids": []any{"id1", "id2"}})
			return nil
		},
	})
	settings.RegisterMethod(&Method{
		Name:       "Test/get",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			gotIDs, _ = req.Args["ids"].([]any)
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)

	dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Test/query", map[string]any{}, "q"},
			{"Test/get", map[string]any{
				"#ids": map[string]any{"resultOf": "q", "name": "Test/query", "path": "/ids"},
			}, "g"},
		},
	})

	if len(gotIDs) != 2 || gotIDs[0] != "id1" {
		t.Errorf("resolved ids = %v", gotIDs)
	}
}

func TestDispatch_BackReference_Unresolvable(t *testing.T) {
	d, _, _ := testDispatcher(testSettings())

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Core/echo", map[string]any{
				"#ids": map[string]any{"resultOf": "nope", "name": "Test/query", "path": "/ids"},
			}, "c0"},
		},
	})

	resp := response.MethodResponses[0]
	if resp[0] != "error" {
		t.Fatalf("response = %v", resp)
	}
	if resp[1].(map[string]any)["type"] != "invalidResultReference" {
		t.Errorf("payload = %v", resp[1])
	}
}

func TestDispatch_CreationIDs(t *testing.T) {
	settings := testSettings()
	settings.RegisterMethod(&Method{
		Name:       "Test/set",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			if err := req.AddCreatedID("k", "M123"); err != nil {
				return err
			}
			req.Ok(map[string]any{"created": map[string]any{"k": map[string]any{"id": "M123"}}})
			return nil
		},
	})
	var resolved string
	settings.RegisterMethod(&Method{
		Name:       "Test/get",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			rawIDs, _ := req.Args["ids"].([]any)
			for _, raw := range rawIDs {
				resolved, _ = req.IDValue(raw.(string))
			}
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Test/set", map[string]any{}, "a"},
			{"Test/get", map[string]any{"ids": []any{"#k"}}, "b"},
		},
	})

	if resolved != "M123" {
		t.Errorf("resolved creation id = %q, want M123", resolved)
	}
	if response.CreatedIDs["k"] != "M123" {
		t.Errorf("response.CreatedIDs = %v", response.CreatedIDs)
	}
}

func TestDispatch_SeededCreatedIDs(t *testing.T) {
	settings := testSettings()
	var resolved string
	settings.RegisterMethod(&Method{
		Name:       "Test/get",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			resolved, _ = req.IDValue("#seed")
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)

	response := dispatch(t, d, &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Test/get", map[string]any{}, "a"}},
		CreatedIDs:  map[string]string{"seed": "M9"},
	})

	if resolved != "M9" {
		t.Errorf("resolved = %q, want M9", resolved)
	}
	if response.CreatedIDs["seed"] != "M9" {
		t.Errorf("response.CreatedIDs = %v", response.CreatedIDs)
	}
}

func TestDispatch_SubCalls_RunBeforeNextOriginalCall(t *testing.T) {
	settings := testSettings()
	var order []string
	settings.RegisterMethod(&Method{
		Name:       "Test/parent",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			order = append(order, "parent")
			req.AddSubCall("Test/child", map[string]any{}, "")
			req.Ok(map[string]any{})
			return nil
		},
	})
	settings.RegisterMethod(&Method{
		Name:       "Test/child",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			order = append(order, "child")
			req.Ok(map[string]any{})
			return nil
		},
	})
	settings.RegisterMethod(&Method{
		Name:       "Test/next",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			order = append(order, "next")
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)

	response := dispatch(t, d, &Request{
		Using: []string{URNCore},
		MethodCalls: [][]any{
			{"Test/parent", map[string]any{}, "p"},
			{"Test/next", map[string]any{}, "n"},
		},
	})

	want := []string{"parent", "child", "next"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	// The sub-call's response inherits the parent's client id and lands
	// between parent and next.
	if len(response.MethodResponses) != 3 {
		t.Fatalf("got %d responses", len(response.MethodResponses))
	}
	if response.MethodResponses[1][0] != "Test/child" || response.MethodResponses[1][2] != "p" {
		t.Errorf("sub-call response = %v", response.MethodResponses[1])
	}
}

func TestDispatch_HandlerError_BecomesServerFail(t *testing.T) {
	settings := testSettings()
	settings.RegisterMethod(&Method{
		Name:       "Test/boom",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			return errors.New("backend exploded")
		},
	})
	d, _, _ := testDispatcher(settings)

	response := dispatch(t, d, &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Test/boom", map[string]any{}, "c0"}},
	})

	payload := response.MethodResponses[0][1].(map[string]any)
	if payload["type"] != "serverFail" {
		t.Errorf("payload = %v", payload)
	}
}

func TestDispatch_Teardown_CommitsOpenMailboxes(t *testing.T) {
	settings := testSettings()
	settings.RegisterMethod(&Method{
		Name:       "Test/open",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			if _, err := req.Mailboxes.Open(ctx, req.AccountID, "INBOX", false); err != nil {
				return err
			}
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, store, _ := testDispatcher(settings)
	store.records["INBOX"] = &mailbox.Record{AccountID: "user-1", Name: "INBOX"}

	dispatch(t, d, &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Test/open", map[string]any{}, "c0"}},
	})

	if store.commits != 1 {
		t.Errorf("commits = %d, want 1", store.commits)
	}
}

func TestDispatch_HandlerPanic_AbortsOpenMailboxes(t *testing.T) {
	settings := testSettings()
	settings.RegisterMethod(&Method{
		Name:       "Test/panic",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			if _, err := req.Mailboxes.Open(ctx, req.AccountID, "INBOX", true); err != nil {
				return err
			}
			panic("handler bug")
		},
	})
	d, store, _ := testDispatcher(settings)
	store.records["INBOX"] = &mailbox.Record{AccountID: "user-1", Name: "INBOX"}

	defer func() {
		if recover() == nil {
			t.Fatal("the panic must propagate")
		}
		if store.aborts != 1 {
			t.Errorf("aborts = %d, want 1", store.aborts)
		}
		if store.commits != 0 {
			t.Errorf("commits = %d, want 0", store.commits)
		}
	}()

	d.Dispatch(context.Background(), "user-1", "req-1", &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Test/panic", map[string]any{}, "c0"}},
	}, 100)
}

func TestDispatch_StateChangeEvents(t *testing.T) {
	settings := testSettings()
	settings.RegisterMethod(&Method{
		Name:       "Test/set",
		Capability: URNCore,
		Func: func(ctx context.Context, req *Req) error {
			if _, err := req.BumpState(ctx, "Test"); err != nil {
				return err
			}
			req.Ok(map[string]any{})
			return nil
		},
	})
	d, _, _ := testDispatcher(settings)
	events := &mockEvents{}
	d.Events = events

	dispatch(t, d, &Request{
		Using:       []string{URNCore},
		MethodCalls: [][]any{{"Test/set", map[string]any{}, "c0"}},
	})

	if events.accountID != "user-1" {
		t.Errorf("event accountID = %q", events.accountID)
	}
	if events.changed["Test"] != "1" {
		t.Errorf("event changed = %v", events.changed)
	}
}
