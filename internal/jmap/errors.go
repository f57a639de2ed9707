package jmap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

// Top-level request error types per RFC 8620 Section 3.6.1.
const (
	ErrURNUnknownCapability = "urn:ietf:params:jmap:error:unknownCapability"
	ErrURNNotJSON           = "urn:ietf:params:jmap:error:notJSON"
	ErrURNNotRequest        = "urn:ietf:params:jmap:error:notRequest"
	ErrURNLimit             = "urn:ietf:params:jmap:error:limit"
)

// Limit names carried on urn:...:limit errors.
const (
	LimitMaxSizeRequest        = "maxSizeRequest"
	LimitMaxCallsInRequest     = "maxCallsInRequest"
	LimitMaxConcurrentRequests = "maxConcurrentRequests"
)

// RequestError replaces the whole response envelope; it is rendered as an
// RFC 7807 problem document by the HTTP layer.
type RequestError struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Limit  string `json:"limit,omitempty"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Detail)
}

// UnknownCapabilityError rejects a request whose using list names an
// unadvertised capability.
func UnknownCapabilityError(uri string) *RequestError {
	return &RequestError{
		Type:   ErrURNUnknownCapability,
		Status: http.StatusBadRequest,
		Detail: fmt.Sprintf("Unknown capability: %s", uri),
	}
}

// NotJSONError rejects a body that did not parse as JSON.
func NotJSONError() *RequestError {
	return &RequestError{
		Type:   ErrURNNotJSON,
		Status: http.StatusBadRequest,
		Detail: "Invalid JSON in request body",
	}
}

// NotRequestError rejects JSON that is not a Request envelope.
func NotRequestError(detail string) *RequestError {
	return &RequestError{
		Type:   ErrURNNotRequest,
		Status: http.StatusBadRequest,
		Detail: detail,
	}
}

// LimitError rejects a request that overran the named limit.
func LimitError(limit, detail string) *RequestError {
	status := http.StatusBadRequest
	if limit == LimitMaxSizeRequest {
		status = http.StatusRequestEntityTooLarge
	}
	return &RequestError{
		Type:   ErrURNLimit,
		Status: status,
		Detail: detail,
		Limit:  limit,
	}
}

// MethodError replaces one method call's response with
// ["error", {type, ...}, clientId].
type MethodError struct {
	Type        string
	Description string
	// Arguments holds the offending pointers of an invalidArguments error.
	Arguments []string
	// Properties holds the offending names of an invalidProperties error.
	Properties []string
}

func (e *MethodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

// Payload renders the error object for the wire.
func (e *MethodError) Payload() map[string]any {
	payload := map[string]any{"type": e.Type}
	if e.Description != "" {
		payload["description"] = e.Description
	}
	if len(e.Arguments) > 0 {
		args := make([]any, len(e.Arguments))
		for i, a := range e.Arguments {
			args[i] = a
		}
		payload["arguments"] = args
	}
	if len(e.Properties) > 0 {
		props := make([]any, len(e.Properties))
		for i, p := range e.Properties {
			props[i] = p
		}
		payload["properties"] = props
	}
	return payload
}

// Method error constructors, one per taxonomy entry.

func UnknownMethodError() *MethodError {
	return &MethodError{Type: "unknownMethod"}
}

// MethodNotFoundError flags a known method whose capability was not in the
// request's using list.
func MethodNotFoundError(capability string) *MethodError {
	return &MethodError{
		Type:        "methodNotFound",
		Description: fmt.Sprintf("Capability %s was not requested", capability),
	}
}

func InvalidArgumentsError(pointers ...string) *MethodError {
	return &MethodError{Type: "invalidArguments", Arguments: pointers}
}

func InvalidResultReferenceError(description string) *MethodError {
	return &MethodError{Type: "invalidResultReference", Description: description}
}

func ForbiddenError() *MethodError {
	return &MethodError{Type: "forbidden"}
}

func AccountNotFoundError() *MethodError {
	return &MethodError{Type: "accountNotFound"}
}

func AccountReadOnlyError() *MethodError {
	return &MethodError{Type: "accountReadOnly"}
}

func AccountNotSupportedByMethodError() *MethodError {
	return &MethodError{Type: "accountNotSupportedByMethod"}
}

func ServerFailError(description string) *MethodError {
	return &MethodError{Type: "serverFail", Description: description}
}

func ServerUnavailableError() *MethodError {
	return &MethodError{Type: "serverUnavailable"}
}

func StateMismatchError() *MethodError {
	return &MethodError{Type: "stateMismatch"}
}

func CannotCalculateChangesError() *MethodError {
	return &MethodError{Type: "cannotCalculateChanges"}
}

func AnchorNotFoundError() *MethodError {
	return &MethodError{Type: "anchorNotFound"}
}

// RequestTooLargeError flags a call naming more objects than the
// corresponding maxObjectsInGet/maxObjectsInSet limit allows.
func RequestTooLargeError() *MethodError {
	return &MethodError{Type: "requestTooLarge"}
}

// SetError is a per-object error inside notCreated/notUpdated/notDestroyed
// or notFound. These never abort the enclosing call.
type SetError struct {
	Type        string
	Description string
	Properties  []string
}

// Payload renders the per-object error for the wire.
func (e *SetError) Payload() map[string]any {
	payload := map[string]any{"type": e.Type}
	if e.Description != "" {
		payload["description"] = e.Description
	}
	if len(e.Properties) > 0 {
		props := make([]any, len(e.Properties))
		for i, p := range e.Properties {
			props[i] = p
		}
		payload["properties"] = props
	}
	return payload
}

func SetErrorOf(errType string) *SetError {
	return &SetError{Type: errType}
}

func InvalidPropertiesError(properties ...string) *SetError {
	return &SetError{Type: "invalidProperties", Properties: properties}
}

// transientCodes are backend error codes worth retrying; everything else
// from the store is permanent as far as one request is concerned.
var transientCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"ServiceUnavailable":                     true,
	"InternalServerError":                    true,
	"TransactionConflictException":           true,
	"SlowDown":                               true,
}

// ServerError translates a backing-store error into the uniform method
// error: serverUnavailable for transient conditions, serverFail otherwise.
// The stable message keeps backend details out of client responses.
func ServerError(err error) *MethodError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && transientCodes[apiErr.ErrorCode()] {
		return ServerUnavailableError()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServerUnavailableError()
	}
	return ServerFailError("An internal server error occurred")
}
