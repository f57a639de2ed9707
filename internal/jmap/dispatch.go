package jmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/jmap-server/internal/ids"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
	"github.com/jarrod-lowe/jmap-server/internal/resultref"
)

// EventPublisher fans out state changes to interested plugins after a
// request that advanced any per-type state.
type EventPublisher interface {
	PublishStateChange(ctx context.Context, accountID string, changed map[string]string) error
}

// MetricsPublisher records per-method latency.
type MetricsPublisher interface {
	PublishMethodDuration(ctx context.Context, method string, duration time.Duration) error
}

// Dispatcher routes one Request envelope through the registered method
// handlers. It is safe for concurrent use; all mutable state lives on the
// per-request context.
type Dispatcher struct {
	Settings  *Settings
	Mailboxes mailbox.Store
	States    StateSource

	// Events and Metrics are optional collaborators.
	Events  EventPublisher
	Metrics MetricsPublisher
}

// Dispatch validates the envelope, runs every method call in order
// (draining deferred sub-calls between a parent and the next original
// call), and assembles the response envelope. A non-nil RequestError
// replaces the whole response.
//
// wireSize is the size of the request body on the wire, gated against
// maxSizeRequest before anything else.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, requestID string, request *Request, wireSize int64) (*Response, *RequestError) {
	tracer := otel.Tracer("jmap-dispatch")
	ctx, span := tracer.Start(ctx, "JmapDispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("account_id", userID),
		attribute.Int("call_count", len(request.MethodCalls)),
	)

	if wireSize > d.Settings.Limits.MaxSizeRequest {
		return nil, LimitError(LimitMaxSizeRequest,
			fmt.Sprintf("Request size %d exceeds maximum %d bytes", wireSize, d.Settings.Limits.MaxSizeRequest))
	}

	if len(request.Using) == 0 {
		return nil, NotRequestError("using must be a non-empty array of capability URIs")
	}
	for _, uri := range request.Using {
		if !d.Settings.HasCapability(uri) {
			return nil, UnknownCapabilityError(uri)
		}
	}

	if len(request.MethodCalls) == 0 {
		return nil, NotRequestError("methodCalls must be a non-empty array")
	}
	calls := make([]Invocation, 0, len(request.MethodCalls))
	for i, call := range request.MethodCalls {
		inv, ok := parseInvocation(call)
		if !ok {
			return nil, NotRequestError(fmt.Sprintf("methodCalls[%d] is not a [name, arguments, clientId] triple", i))
		}
		calls = append(calls, inv)
	}

	if int64(len(calls)) > d.Settings.Limits.MaxCallsInRequest {
		return nil, LimitError(LimitMaxCallsInRequest,
			fmt.Sprintf("%d method calls exceed maximum %d", len(calls), d.Settings.Limits.MaxCallsInRequest))
	}

	req := d.newReq(userID, requestID, request)

	// A panicking handler aborts the request: every lock taken so far is
	// released before the panic propagates, rather than stranding it on
	// the store until the lease expires.
	defer func() {
		if r := recover(); r != nil {
			req.Mailboxes.FlushAbort(ctx)
			panic(r)
		}
	}()

	for _, inv := range calls {
		d.run(ctx, req, inv)
	}

	d.teardown(ctx, req)

	return d.assemble(ctx, req, request), nil
}

// newReq allocates the request context, seeding the creation-id table from
// the envelope.
func (d *Dispatcher) newReq(userID, requestID string, request *Request) *Req {
	req := InitReq(d.Settings, userID, d.States, mailbox.NewCache(d.Mailboxes, userID, requestID))
	req.RequestID = requestID
	req.SetUsing(request.Using...)
	for creationID, serverID := range request.CreatedIDs {
		req.createdIDs[creationID] = serverID
	}
	req.collectPerf = req.using[URNPerformanceExtension]
	return req
}

// run processes one invocation and then, recursively, every sub-call it
// scheduled, so deferred work lands between its parent and the next
// original call.
func (d *Dispatcher) run(ctx context.Context, req *Req, inv Invocation) {
	d.invoke(ctx, req, inv)
	for _, sub := range req.TakeSubCalls() {
		d.run(ctx, req, sub)
	}
}

// invoke routes one method call: registry lookup, capability gate,
// back-reference resolution, handler execution.
func (d *Dispatcher) invoke(ctx context.Context, req *Req, inv Invocation) {
	req.Method = inv.Name
	req.ClientID = inv.ClientID
	req.Args = inv.Args

	method := d.Settings.Method(inv.Name)
	if method == nil {
		req.Error(UnknownMethodError())
		return
	}
	if !req.HasCapability(method.Capability) {
		req.Error(MethodNotFoundError(method.Capability))
		return
	}

	args, err := resultref.ResolveArgs(inv.Args, toMethodResponses(req.responses))
	if err != nil {
		req.Error(resolveError(err))
		return
	}
	req.Args = args

	req.AccountID = req.UserID
	if accountID, ok := args["accountId"].(string); ok && accountID != "" {
		req.AccountID = accountID
	}
	req.sharedCState = method.Flags&SharedCState != 0

	tracer := otel.Tracer("jmap-dispatch")
	ctx, span := tracer.Start(ctx, inv.Name)
	span.SetAttributes(
		attribute.String("jmap.method", inv.Name),
		attribute.String("jmap.client_id", inv.ClientID),
		attribute.String("account_id", req.AccountID),
	)
	defer span.End()

	lenBefore := len(req.responses)
	start := time.Now()
	handlerErr := method.Func(ctx, req)
	elapsed := time.Since(start)

	if req.collectPerf {
		for i := lenBefore; i < len(req.responses); i++ {
			if req.responses[i].Name == "error" {
				continue
			}
			req.responses[i].Args["performance"] = map[string]any{
				"duration": elapsed.Seconds(),
			}
		}
	}

	if d.Metrics != nil {
		if err := d.Metrics.PublishMethodDuration(ctx, inv.Name, elapsed); err != nil {
			logger.WarnContext(ctx, "Failed to publish method duration",
				slog.String("method", inv.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	if handlerErr != nil {
		logger.ErrorContext(ctx, "Method handler failed",
			slog.String("request_id", req.RequestID),
			slog.String("method", inv.Name),
			slog.String("client_id", inv.ClientID),
			slog.String("error", handlerErr.Error()),
		)
		if methodErr, ok := handlerErr.(*MethodError); ok {
			req.Error(methodErr)
		} else {
			req.Error(ServerError(handlerErr))
		}
	}
}

// teardown releases every cached mailbox exactly once and fans out the
// accumulated state changes.
func (d *Dispatcher) teardown(ctx context.Context, req *Req) {
	if err := req.Mailboxes.FlushCommit(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to commit cached mailboxes",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
	}

	if d.Events != nil && len(req.bumped) > 0 {
		if err := d.Events.PublishStateChange(ctx, req.UserID, req.bumped); err != nil {
			logger.WarnContext(ctx, "Failed to publish state change",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// assemble builds the response envelope with a fresh sessionState.
func (d *Dispatcher) assemble(ctx context.Context, req *Req, request *Request) *Response {
	methodResponses := make([][]any, 0, len(req.responses))
	for _, inv := range req.responses {
		methodResponses = append(methodResponses, inv.Triple())
	}

	response := &Response{
		MethodResponses: methodResponses,
		SessionState:    d.sessionState(ctx, req),
	}
	if request.CreatedIDs != nil || len(req.createdIDs) > 0 {
		response.CreatedIDs = req.createdIDs
	}
	return response
}

func (d *Dispatcher) sessionState(ctx context.Context, req *Req) string {
	seq, err := d.States.SessionState(ctx, req.UserID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to read session state",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return ids.FormatState(0)
	}
	return ids.FormatState(seq)
}

// toMethodResponses adapts emitted invocations for the reference resolver.
func toMethodResponses(responses []Invocation) []resultref.MethodResponse {
	out := make([]resultref.MethodResponse, len(responses))
	for i, inv := range responses {
		out[i] = resultref.MethodResponse{
			ClientID: inv.ClientID,
			Name:     inv.Name,
			Args:     inv.Args,
		}
	}
	return out
}

// resolveError maps a resolution failure onto the method error taxonomy.
func resolveError(err error) *MethodError {
	if resolveErr, ok := err.(*resultref.ResolveError); ok {
		switch resolveErr.Type {
		case resultref.ErrorInvalidArguments:
			return &MethodError{Type: "invalidArguments", Description: resolveErr.Description}
		default:
			return InvalidResultReferenceError(resolveErr.Description)
		}
	}
	return InvalidResultReferenceError(err.Error())
}
