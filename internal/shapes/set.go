package shapes

import (
	"context"

	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
	"github.com/jarrod-lowe/jmap-server/internal/patch"
)

// Set is the Foo/set shape.
type Set struct {
	AccountID string
	IfInState string
	Create    map[string]map[string]any
	Update    map[string]map[string]any
	Destroy   []string

	// Response fields.
	OldState     string
	NewState     string
	Created      map[string]any
	Updated      map[string]any
	Destroyed    []string
	NotCreated   map[string]*jmap.SetError
	NotUpdated   map[string]*jmap.SetError
	NotDestroyed map[string]*jmap.SetError
}

// SetParams are the typed hooks for ParseSet.
type SetParams struct {
	ExtraArgs ExtraArgsFunc
}

// ParseSet fills the request half of the shape. Creation-id references in
// update keys and destroy entries resolve through the request context;
// unresolvable references land in the corresponding notX map instead of
// failing the call.
func ParseSet(req *jmap.Req, p *parser.Parser, params SetParams) (*Set, *jmap.MethodError) {
	set := &Set{
		AccountID:    req.AccountID,
		Create:       map[string]map[string]any{},
		Update:       map[string]map[string]any{},
		Created:      map[string]any{},
		Updated:      map[string]any{},
		NotCreated:   map[string]*jmap.SetError{},
		NotUpdated:   map[string]*jmap.SetError{},
		NotDestroyed: map[string]*jmap.SetError{},
	}

	for name, value := range req.Args {
		switch name {
		case "accountId":
			if _, ok := value.(string); !ok {
				p.Invalid(name)
			}

		case "ifInState":
			if value == nil {
				continue
			}
			state, ok := value.(string)
			if !ok {
				p.Invalid(name)
				continue
			}
			set.IfInState = state

		case "create":
			if value == nil {
				continue
			}
			entries, ok := value.(map[string]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			for creationID, raw := range entries {
				obj, ok := raw.(map[string]any)
				if !ok {
					p.PushName(name, creationID)
					p.InvalidHere()
					p.Pop()
					continue
				}
				set.Create[creationID] = obj
			}

		case "update":
			if value == nil {
				continue
			}
			entries, ok := value.(map[string]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			for rawID, raw := range entries {
				obj, ok := raw.(map[string]any)
				if !ok {
					p.PushName(name, rawID)
					p.InvalidHere()
					p.Pop()
					continue
				}
				id, resolved := req.IDValue(rawID)
				if !resolved {
					set.NotUpdated[rawID] = jmap.SetErrorOf("notFound")
					continue
				}
				set.Update[id] = obj
			}

		case "destroy":
			if value == nil {
				continue
			}
			rawIDs, ok := value.([]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			for i, raw := range rawIDs {
				id, ok := raw.(string)
				if !ok {
					p.InvalidIndex(name, i)
					continue
				}
				resolved, found := req.IDValue(id)
				if !found {
					set.NotDestroyed[id] = jmap.SetErrorOf("notFound")
					continue
				}
				set.Destroy = append(set.Destroy, resolved)
			}

		default:
			consumeExtra(p, params.ExtraArgs, name, value)
		}
	}

	total := int64(len(set.Create) + len(set.Update) + len(set.Destroy))
	if total > req.Settings.Limits.MaxObjectsInSet {
		return nil, jmap.RequestTooLargeError()
	}
	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return set, nil
}

// CheckState enforces the optimistic-concurrency precondition: with
// ifInState present, the token must equal the current state for objType.
// On success OldState is filled in either way.
func (s *Set) CheckState(ctx context.Context, req *jmap.Req, objType string) *jmap.MethodError {
	current, err := req.State(ctx, objType, false)
	if err != nil {
		return jmap.ServerError(err)
	}
	if s.IfInState != "" && s.IfInState != current {
		return jmap.StateMismatchError()
	}
	s.OldState = current
	return nil
}

// Mutated reports whether any object was created, updated or destroyed.
func (s *Set) Mutated() bool {
	return len(s.Created) > 0 || len(s.Updated) > 0 || len(s.Destroyed) > 0
}

// ApplyUpdate applies one update object to the stored form of an object.
// Update keys are RFC 6901 pointers (a bare property name is the
// single-segment case), so the whole object runs through the patch engine.
func ApplyUpdate(current, update map[string]any) (map[string]any, *jmap.SetError) {
	next, err := patch.Apply(current, update)
	if err != nil {
		return nil, &jmap.SetError{Type: "invalidPatch", Description: err.Error()}
	}
	return next, nil
}

// Reply renders the response payload.
func (s *Set) Reply() map[string]any {
	destroyed := make([]any, len(s.Destroyed))
	for i, id := range s.Destroyed {
		destroyed[i] = id
	}
	return map[string]any{
		"accountId":    s.AccountID,
		"oldState":     s.OldState,
		"newState":     s.NewState,
		"created":      s.Created,
		"updated":      s.Updated,
		"destroyed":    destroyed,
		"notCreated":   setErrors(s.NotCreated),
		"notUpdated":   setErrors(s.NotUpdated),
		"notDestroyed": setErrors(s.NotDestroyed),
	}
}

func setErrors(errs map[string]*jmap.SetError) map[string]any {
	out := make(map[string]any, len(errs))
	for id, setErr := range errs {
		out[id] = setErr.Payload()
	}
	return out
}
