package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// Comparator is one sort key.
type Comparator struct {
	Property    string
	IsAscending bool
	Collation   string
}

// Query is the Foo/query shape.
type Query struct {
	AccountID      string
	Filter         map[string]any
	Sort           []Comparator
	Position       int64
	Anchor         string
	AnchorOffset   int64
	Limit          int64
	HasLimit       bool
	CalculateTotal bool

	// Response fields.
	QueryState          string
	CanCalculateChanges bool
	ResultPosition      int64
	IDs                 []string
	Total               int64
}

// QueryParams are the typed hooks for ParseQuery.
type QueryParams struct {
	ParseFilter     FilterParser
	ValidComparator ComparatorValidator
	ExtraArgs       ExtraArgsFunc
}

// ParseQuery fills the request half of the shape. The limit is clamped to
// maxObjectsInGet.
func ParseQuery(req *jmap.Req, p *parser.Parser, params QueryParams) (*Query, *jmap.MethodError) {
	query := &Query{AccountID: req.AccountID}
	havePosition := false

	for name, value := range req.Args {
		switch name {
		case "accountId":
			if _, ok := value.(string); !ok {
				p.Invalid(name)
			}

		case "filter":
			if value == nil {
				continue
			}
			filter, ok := value.(map[string]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			query.Filter = filter
			if params.ParseFilter != nil {
				p.Push(name)
				params.ParseFilter(p, filter)
				p.Pop()
			}

		case "sort":
			if value == nil {
				continue
			}
			rawSort, ok := value.([]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			query.Sort = parseSort(p, rawSort, params.ValidComparator)

		case "position":
			if value == nil {
				continue
			}
			position, ok := p.ReadInt(req.Args, name, false)
			if !ok {
				continue
			}
			query.Position = position
			havePosition = true

		case "anchor":
			if value == nil {
				continue
			}
			anchor, ok := value.(string)
			if !ok {
				p.Invalid(name)
				continue
			}
			query.Anchor = anchor

		case "anchorOffset":
			if value == nil {
				continue
			}
			offset, ok := p.ReadInt(req.Args, name, false)
			if !ok {
				continue
			}
			query.AnchorOffset = offset

		case "limit":
			if value == nil {
				continue
			}
			limit, ok := p.ReadInt(req.Args, name, false)
			if !ok {
				continue
			}
			if limit < 0 {
				p.Invalid(name)
				continue
			}
			query.Limit = limit
			query.HasLimit = true

		case "calculateTotal":
			if value == nil {
				continue
			}
			calc, ok := value.(bool)
			if !ok {
				p.Invalid(name)
				continue
			}
			query.CalculateTotal = calc

		default:
			consumeExtra(p, params.ExtraArgs, name, value)
		}
	}

	// position and anchor are alternatives, never companions.
	if havePosition && query.Anchor != "" {
		p.Invalid("position")
		p.Invalid("anchor")
	}

	if max := req.Settings.Limits.MaxObjectsInGet; !query.HasLimit || query.Limit > max {
		query.Limit = max
		query.HasLimit = true
	}

	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return query, nil
}

// parseSort validates an array of comparator records.
func parseSort(p *parser.Parser, rawSort []any, valid ComparatorValidator) []Comparator {
	sort := make([]Comparator, 0, len(rawSort))
	for i, raw := range rawSort {
		obj, ok := raw.(map[string]any)
		if !ok {
			p.InvalidIndex("sort", i)
			continue
		}

		comparator := Comparator{IsAscending: true}
		bad := false

		property, ok := obj["property"].(string)
		if !ok || property == "" {
			bad = true
		}
		comparator.Property = property

		if raw, present := obj["isAscending"]; present && raw != nil {
			asc, ok := raw.(bool)
			if !ok {
				bad = true
			}
			comparator.IsAscending = asc
		}

		if raw, present := obj["collation"]; present && raw != nil {
			collation, ok := raw.(string)
			if !ok || !supportedCollations[collation] {
				bad = true
			}
			comparator.Collation = collation
		}

		if !bad && valid != nil && !valid(&comparator) {
			bad = true
		}
		if bad {
			p.InvalidIndex("sort", i)
			continue
		}
		sort = append(sort, comparator)
	}
	return sort
}

// Found appends one id to the result window.
func (q *Query) Found(id string) {
	q.IDs = append(q.IDs, id)
}

// Reply renders the response payload; total appears only when requested.
func (q *Query) Reply() map[string]any {
	payload := map[string]any{
		"accountId":           q.AccountID,
		"queryState":          q.QueryState,
		"canCalculateChanges": q.CanCalculateChanges,
		"position":            q.ResultPosition,
		"ids":                 stringList(q.IDs),
	}
	if q.CalculateTotal {
		payload["total"] = q.Total
	}
	return payload
}
