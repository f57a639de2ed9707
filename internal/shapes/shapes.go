// Package shapes implements the six reusable parse/reply shapes shared by
// every data-type handler: get, set, changes, query, queryChanges and copy.
//
// Each shape is a value object with request fields filled by its Parse
// function and response fields filled by the handler; Reply renders the
// wire payload. Typed hooks let a data type plug in its own filter parser,
// comparator validation and argument extensions without duplicating the
// envelope plumbing.
package shapes

import (
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
)

// ExtraArgsFunc lets a data type consume arguments beyond the standard
// shape. Return true when the argument was recognised; unrecognised
// arguments are recorded as invalid.
type ExtraArgsFunc func(p *parser.Parser, name string, value any) bool

// FilterParser validates a type's filter object. The parser is already
// positioned on "filter"; implementations record invalid pointers for
// anything they reject.
type FilterParser func(p *parser.Parser, filter map[string]any)

// ComparatorValidator vets one sort comparator, usually the property name.
// Return false to mark the comparator invalid.
type ComparatorValidator func(c *Comparator) bool

// Collations accepted in sort comparators. The session advertises the
// same list.
var supportedCollations = map[string]bool{
	"i;ascii-casemap": true,
	"i;octet":         true,
}

// invalidError converts an accumulated parser state into the uniform
// invalidArguments method error.
func invalidError(p *parser.Parser) *jmap.MethodError {
	return jmap.InvalidArgumentsError(p.InvalidPaths()...)
}

// consumeExtra routes an unknown argument through the hook, recording it
// as invalid when no hook claims it.
func consumeExtra(p *parser.Parser, hook ExtraArgsFunc, name string, value any) {
	if hook != nil && hook(p, name, value) {
		return
	}
	p.Invalid(name)
}
