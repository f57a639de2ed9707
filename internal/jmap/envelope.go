// Package jmap implements the core of the JMAP server front-end: request
// and response envelopes, the method registry and settings, the
// request-scoped context, and the dispatcher that routes a batch of method
// calls through registered handlers.
package jmap

// Request is a JMAP Request envelope per RFC 8620 Section 3.3.
type Request struct {
	Using       []string          `json:"using"`
	MethodCalls [][]any           `json:"methodCalls"`
	CreatedIDs  map[string]string `json:"createdIds,omitempty"`
}

// Response is a JMAP Response envelope per RFC 8620 Section 3.4.
type Response struct {
	MethodResponses [][]any           `json:"methodResponses"`
	CreatedIDs      map[string]string `json:"createdIds,omitempty"`
	SessionState    string            `json:"sessionState"`
}

// Invocation is one method call or response: the [name, args, clientId]
// triple in struct form.
type Invocation struct {
	Name     string
	Args     map[string]any
	ClientID string
}

// Triple renders the invocation back to wire shape.
func (inv Invocation) Triple() []any {
	return []any{inv.Name, inv.Args, inv.ClientID}
}

// parseInvocation validates one methodCalls element. The envelope contract
// requires exactly [string, object, string].
func parseInvocation(call []any) (Invocation, bool) {
	if len(call) != 3 {
		return Invocation{}, false
	}
	name, ok := call[0].(string)
	if !ok || name == "" {
		return Invocation{}, false
	}
	args, ok := call[1].(map[string]any)
	if !ok {
		return Invocation{}, false
	}
	clientID, ok := call[2].(string)
	if !ok {
		return Invocation{}, false
	}
	return Invocation{Name: name, Args: args, ClientID: clientID}, true
}
