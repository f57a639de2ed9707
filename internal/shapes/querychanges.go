package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// AddedItem is one entry of the added list: an id and the index it now
// occupies in the query result.
type AddedItem struct {
	ID    string
	Index int64
}

// QueryChanges is the Foo/queryChanges shape.
type QueryChanges struct {
	AccountID       string
	Filter          map[string]any
	Sort            []Comparator
	SinceQueryState string
	MaxChanges      int64
	UpToID          string
	CalculateTotal  bool

	// Response fields.
	OldQueryState string
	NewQueryState string
	Total         int64
	Removed       []string
	Added         []AddedItem
}

// ParseQueryChanges fills the request half of the shape.
func ParseQueryChanges(req *jmap.Req, p *parser.Parser, params QueryParams) (*QueryChanges, *jmap.MethodError) {
	qc := &QueryChanges{AccountID: req.AccountID}

	if since, ok := p.ReadString(req.Args, "sinceQueryState", true); ok {
		qc.SinceQueryState = since
		qc.OldQueryState = since
	}

	for name, value := range req.Args {
		switch name {
		case "accountId", "sinceQueryState":
			// handled above

		case "filter":
			if value == nil {
				continue
			}
			filter, ok := value.(map[string]any)
			if !ok {
				p.Invalid(name)
				continue
			}
			qc.Filter = filter
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
			qc.Sort = parseSort(p, rawSort, params.ValidComparator)

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
			qc.MaxChanges = max

		case "upToId":
			if value == nil {
				continue
			}
			upTo, ok := value.(string)
			if !ok {
				p.Invalid(name)
				continue
			}
			qc.UpToID = upTo

		case "calculateTotal":
			if value == nil {
				continue
			}
			calc, ok := value.(bool)
			if !ok {
				p.Invalid(name)
				continue
			}
			qc.CalculateTotal = calc

		default:
			consumeExtra(p, params.ExtraArgs, name, value)
		}
	}

	if p.HasInvalid() {
		return nil, invalidError(p)
	}
	return qc, nil
}

// Reply renders the response payload; total appears only when requested.
func (qc *QueryChanges) Reply() map[string]any {
	added := make([]any, len(qc.Added))
	for i, item := range qc.Added {
		added[i] = map[string]any{
			"id":    item.ID,
			"index": item.Index,
		}
	}
	payload := map[string]any{
		"accountId":     qc.AccountID,
		"oldQueryState": qc.OldQueryState,
		"newQueryState": qc.NewQueryState,
		"removed":       stringList(qc.Removed),
		"added":         added,
	}
	if qc.CalculateTotal {
		payload["total"] = qc.Total
	}
	return payload
}
