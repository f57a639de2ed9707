package jmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jarrod-lowe/jmap-server/internal/ids"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
)

// StateSource is the account-level counter store behind state tokens.
// Implemented by internal/db.Client.
type StateSource interface {
	HighestModSeq(ctx context.Context, accountID, objType string) (uint64, error)
	BumpModSeq(ctx context.Context, accountID, objType string) (uint64, error)
	SessionState(ctx context.Context, accountID string) (uint64, error)
}

// Req is the request-scoped context threaded through every method call of
// one envelope. It carries the four caches (open mailboxes, rights,
// creation ids, deferred sub-calls) and the per-call identity; handlers
// append their replies here.
//
// A Req lives exactly as long as its envelope and owns everything in its
// caches; the dispatcher releases them at teardown.
type Req struct {
	// Per-call fields, rewritten by the dispatcher for each invocation.
	Method   string
	ClientID string
	Args     map[string]any
	// AccountID is the target account of the current call: the call's
	// accountId argument, defaulting to the authenticated user.
	AccountID string

	// Per-request fields.
	RequestID string
	UserID    string
	Settings  *Settings
	Mailboxes *mailbox.Cache

	using      map[string]bool
	createdIDs map[string]string
	responses  []Invocation
	subCalls   []Invocation
	states     StateSource

	// modseq memoizes per-type state reads for the request.
	modseq map[string]uint64
	// bumped records types whose state advanced, for event fan-out.
	bumped map[string]string

	// sharedCState mirrors the current method's SharedCState flag: the
	// handler promised not to mutate account-scoped state, so helpers may
	// open conversational state shared instead of exclusive.
	sharedCState bool

	// collectPerf stamps a timing sample onto each method response when
	// the request asked for the performance extension.
	collectPerf bool
}

// InitReq allocates a request context with empty caches. The dispatcher
// seeds the capability set and creation-id table before the first call;
// tests drive handlers with it directly.
func InitReq(settings *Settings, userID string, states StateSource, mailboxes *mailbox.Cache) *Req {
	return &Req{
		UserID:     userID,
		AccountID:  userID,
		Settings:   settings,
		Mailboxes:  mailboxes,
		using:      make(map[string]bool),
		createdIDs: make(map[string]string),
		states:     states,
		modseq:     make(map[string]uint64),
		bumped:     make(map[string]string),
	}
}

// SetUsing replaces the request's capability set.
func (r *Req) SetUsing(uris ...string) {
	r.using = make(map[string]bool, len(uris))
	for _, uri := range uris {
		r.using[uri] = true
	}
}

// HasCapability reports whether the request's using list includes uri.
func (r *Req) HasCapability(uri string) bool {
	return r.using[uri]
}

// Reply appends a method response under the current call's client id.
func (r *Req) Reply(name string, args map[string]any) {
	if args == nil {
		args = map[string]any{}
	}
	r.responses = append(r.responses, Invocation{Name: name, Args: args, ClientID: r.ClientID})
}

// Ok appends the standard reply: the method's own name with args.
func (r *Req) Ok(args map[string]any) {
	r.Reply(r.Method, args)
}

// Error is the error injector: it replaces the current call's response
// with ["error", {...}, clientId]. Handlers call it and return nil.
func (r *Req) Error(err *MethodError) {
	r.responses = append(r.responses, Invocation{
		Name:     "error",
		Args:     err.Payload(),
		ClientID: r.ClientID,
	})
}

// Responses exposes the responses emitted so far; back-references resolve
// against this list.
func (r *Req) Responses() []Invocation {
	return r.responses
}

// AddSubCall schedules a deferred sub-call, processed after the current
// handler returns and before the next original call. An empty clientID
// inherits the current call's.
func (r *Req) AddSubCall(name string, args map[string]any, clientID string) {
	if clientID == "" {
		clientID = r.ClientID
	}
	r.subCalls = append(r.subCalls, Invocation{Name: name, Args: args, ClientID: clientID})
}

// TakeSubCalls drains the deferred queue. The dispatcher calls this after
// each handler returns; handlers themselves never need it.
func (r *Req) TakeSubCalls() []Invocation {
	calls := r.subCalls
	r.subCalls = nil
	return calls
}

// AddCreatedID records a successful creation, making "#creationID"
// resolvable for the rest of the envelope. Entries are append-only within
// a request.
func (r *Req) AddCreatedID(creationID, serverID string) error {
	if existing, ok := r.createdIDs[creationID]; ok {
		return fmt.Errorf("creation id %q already maps to %q", creationID, existing)
	}
	r.createdIDs[creationID] = serverID
	return nil
}

// CreatedID looks up a creation id.
func (r *Req) CreatedID(creationID string) (string, bool) {
	serverID, ok := r.createdIDs[creationID]
	return serverID, ok
}

// IDValue resolves a server-id-valued string: "#foo" is looked up in the
// creation-id table, anything else passes through. The second return is
// false when a reference does not resolve; the caller records the
// offending pointer.
func (r *Req) IDValue(value string) (string, bool) {
	if !strings.HasPrefix(value, "#") {
		return value, true
	}
	serverID, ok := r.createdIDs[strings.TrimPrefix(value, "#")]
	return serverID, ok
}

// SharedCState reports whether the current method declared itself
// read-only with respect to account-scoped state.
func (r *Req) SharedCState() bool {
	return r.sharedCState
}

// ForceReadWrite flips the sticky flag making all mailbox opens for the
// rest of the request read-write. Must precede the first open.
func (r *Req) ForceReadWrite() error {
	return r.Mailboxes.ForceReadWrite()
}

// State returns the opaque state token for objType on the current account,
// memoized per request unless refresh is set.
func (r *Req) State(ctx context.Context, objType string, refresh bool) (string, error) {
	modseq, err := r.highestModSeq(ctx, objType, refresh)
	if err != nil {
		return "", err
	}
	return ids.FormatState(modseq), nil
}

// CmpState compares a client-supplied token with the current state:
// negative when the token is older, zero when equal, positive when newer.
// Malformed tokens are an error; the caller answers cannotCalculateChanges.
func (r *Req) CmpState(ctx context.Context, token, objType string) (int, error) {
	clientSeq, err := ids.ParseState(token)
	if err != nil {
		return 0, err
	}
	current, err := r.highestModSeq(ctx, objType, false)
	if err != nil {
		return 0, err
	}
	switch {
	case clientSeq < current:
		return -1, nil
	case clientSeq > current:
		return 1, nil
	default:
		return 0, nil
	}
}

// HighestModSeq exposes the raw counter for handlers computing diffs.
func (r *Req) HighestModSeq(ctx context.Context, objType string) (uint64, error) {
	return r.highestModSeq(ctx, objType, false)
}

func (r *Req) highestModSeq(ctx context.Context, objType string, refresh bool) (uint64, error) {
	key := r.AccountID + "\x1f" + objType
	if !refresh {
		if modseq, ok := r.modseq[key]; ok {
			return modseq, nil
		}
	}
	modseq, err := r.states.HighestModSeq(ctx, r.AccountID, objType)
	if err != nil {
		return 0, err
	}
	r.modseq[key] = modseq
	return modseq, nil
}

// BumpState advances objType's modification sequence after a successful
// mutation and returns the new token. The advance is recorded so the
// dispatcher can publish a state-change event at teardown.
func (r *Req) BumpState(ctx context.Context, objType string) (string, error) {
	modseq, err := r.states.BumpModSeq(ctx, r.AccountID, objType)
	if err != nil {
		return "", err
	}
	key := r.AccountID + "\x1f" + objType
	r.modseq[key] = modseq
	token := ids.FormatState(modseq)
	r.bumped[objType] = token
	return token, nil
}

