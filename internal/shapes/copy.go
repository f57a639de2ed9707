package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// Copy is the Foo/copy shape.
type Copy struct {
	FromAccountID            string
	AccountID                string
	Create                   map[string]map[string]any
	OnSuccessDestroyOriginal bool
	DestroyFromIfInState     string

	// Response fields.
	Created    map[string]any
	NotCreated map[string]*jmap.SetError
}

// CopyParams are the typed hooks for ParseCopy.
type CopyParams struct {
	ExtraArgs ExtraArgsFunc
}

// ParseCopy fills the request half of the shape.
func ParseCopy(req *jmap.Req, p *parser.Parser, params CopyParams) (*Copy, *jmap.MethodError) {
	copyShape := &Copy{
		AccountID:  req.AccountID,
		Create:     map[string]map[string]any{},
		Created:    map[string]any{},
		NotCreated: map[string]*jmap.SetError{},
	}

	if from, ok := p.ReadString(req.Args, "fromAccountId", true); ok {
		copyShape.FromAccountID = from
	}

	for name, value := range req.Args {
		switch name {
		case "accountId", "fromAccountId":
			// handled above

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
				copyShape.Create[creationID] = obj
			}

		case "onSuccessDestroyOriginal":
			if value == nil {
				continue
			}
			destroy, ok := value.(bool)
			if !ok {
				p.Invalid(name)
				continue
			}
			copyShape.OnSuccessDestroyOriginal = destroy

		case "destroyFromIfInState":
			if value == nil {
				continue
			}
			state, ok := value.(string)
			if !ok {
				p.Invalid(name)
				continue
			}
			copyShape.DestroyFromIfInState = state

		default:
			consumeExtra(p, params.ExtraArgs, name, value)
		}
	}

	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return copyShape, nil
}

// AllCreated reports whether every requested copy succeeded.
func (c *Copy) AllCreated() bool {
	return len(c.NotCreated) == 0 && len(c.Created) > 0
}

// ScheduleDestroy schedules the deferred Foo/set destroying the source
// objects on the originating account, but only under the all-or-nothing
// rule: every copy must have succeeded.
func (c *Copy) ScheduleDestroy(req *jmap.Req, setMethod string, sourceIDs []string) {
	if !c.OnSuccessDestroyOriginal || !c.AllCreated() {
		return
	}
	destroy := make([]any, len(sourceIDs))
	for i, id := range sourceIDs {
		destroy[i] = id
	}
	args := map[string]any{
		"accountId": c.FromAccountID,
		"destroy":   destroy,
	}
	if c.DestroyFromIfInState != "" {
		args["ifInState"] = c.DestroyFromIfInState
	}
	req.AddSubCall(setMethod, args, "")
}

// Reply renders the response payload.
func (c *Copy) Reply() map[string]any {
	return map[string]any{
		"fromAccountId": c.FromAccountID,
		"accountId":     c.AccountID,
		"created":       c.Created,
		"notCreated":    setErrors(c.NotCreated),
	}
}
