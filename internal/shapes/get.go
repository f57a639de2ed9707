package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// Get is the Foo/get shape.
type Get struct {
	AccountID string
	// IDs is nil when the client asked for all objects.
	IDs []string
	// Properties is nil when every property was requested.
	Properties map[string]bool

	// Response fields.
	State    string
	List     []map[string]any
	NotFound []string
}

// GetParams are the typed hooks for ParseGet.
type GetParams struct {
	// ValidProperties is the type's advertised property set; nil skips
	// the check.
	ValidProperties []string
	// AllowNullIDs permits the "fetch everything" form.
	AllowNullIDs bool
	ExtraArgs    ExtraArgsFunc
}

// ParseGet fills the request half of the shape from the call arguments.
// Creation-id references in ids resolve through the request context.
func ParseGet(req *jmap.Req, p *parser.Parser, params GetParams) (*Get, *jmap.MethodError) {
	get := &Get{AccountID: req.AccountID}

	validProps := map[string]bool{}
	for _, name := range params.ValidProperties {
		validProps[name] = true
	}

	for name, value := range req.Args {
		switch name {
		case "accountId":
			if _, ok := value.(string); !ok {
				p.Invalid(name)
			}

		case "ids":
			if value == nil {
				continue
			}
			rawIDs, ok := value.([]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			get.IDs = make([]string, 0, len(rawIDs))
			for i, raw := range rawIDs {
				id, ok := raw.(string)
				if !ok {
					p.InvalidIndex(name, i)
					continue
				}
				resolved, ok := req.IDValue(id)
				if !ok {
					p.InvalidIndex(name, i)
					continue
				}
				get.IDs = append(get.IDs, resolved)
			}

		case "properties":
			if value == nil {
				continue
			}
			rawProps, ok := value.([]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			get.Properties = make(map[string]bool, len(rawProps))
			for i, raw := range rawProps {
				prop, ok := raw.(string)
				if !ok {
					p.InvalidIndex(name, i)
					continue
				}
				if params.ValidProperties != nil && !validProps[prop] {
					p.InvalidIndex(name, i)
					continue
				}
				get.Properties[prop] = true
			}

		default:
			consumeExtra(p, params.ExtraArgs, name, value)
		}
	}

	if get.IDs == nil && !params.AllowNullIDs {
		p.Invalid("ids")
	}
	if max := req.Settings.Limits.MaxObjectsInGet; get.IDs != nil && int64(len(get.IDs)) > max {
		return nil, jmap.RequestTooLargeError()
	}
	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return get, nil
}

// WantProp reports whether the client asked for the property. The id is
// always wanted.
func (g *Get) WantProp(name string) bool {
	if name == "id" || g.Properties == nil {
		return true
	}
	return g.Properties[name]
}

// Found appends one object to the result list.
func (g *Get) Found(obj map[string]any) {
	g.List = append(g.List, obj)
}

// NotFoundID echoes an id that did not resolve.
func (g *Get) NotFoundID(id string) {
	g.NotFound = append(g.NotFound, id)
}

// Reply renders the response payload.
func (g *Get) Reply() map[string]any {
	list := make([]any, len(g.List))
	for i, obj := range g.List {
		list[i] = obj
	}
	notFound := make([]any, len(g.NotFound))
	for i, id := range g.NotFound {
		notFound[i] = id
	}
	return map[string]any{
		"accountId": g.AccountID,
		"state":     g.State,
		"list":      list,
		"notFound":  notFound,
	}
}
