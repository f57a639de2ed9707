package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// Changes is the Foo/changes shape.
type Changes struct {
	AccountID  string
	SinceState string
	MaxChanges int64

	// Response fields.
	OldState       string
	NewState       string
	HasMoreChanges bool
	Created        []string
	Updated        []string
	Destroyed      []string
}

// ParseChanges fills the request half of the shape.
func ParseChanges(req *jmap.Req, p *parser.Parser, extra ExtraArgsFunc) (*Changes, *jmap.MethodError) {
	changes := &Changes{AccountID: req.AccountID}

	if since, ok := p.ReadString(req.Args, "sinceState", true); ok {
		changes.SinceState = since
		changes.OldState = since
	}

	for name, value := range req.Args {
		switch name {
		case "accountId", "sinceState":
			// handled above

		case "maxChanges":
			if value == nil {
				continue
			}
			max, ok := p.ReadInt(req.Args, name, false)
			if !ok {
				continue
			}
			if max <= 0 {
				p.Invalid(name)
				continue
			}
			changes.MaxChanges = max

		default:
			consumeExtra(p, extra, name, value)
		}
	}

	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return changes, nil
}

// Reply renders the response payload.
func (c *Changes) Reply() map[string]any {
	return map[string]any{
		"accountId":      c.AccountID,
		"oldState":       c.OldState,
		"newState":       c.NewState,
		"hasMoreChanges": c.HasMoreChanges,
		"created":        stringList(c.Created),
		"updated":        stringList(c.Updated),
		"destroyed":      stringList(c.Destroyed),
	}
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
