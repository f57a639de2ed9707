package jmap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jarrod-lowe/jmap-service-libs/logging"
)

var logger = logging.New()

// Capability URIs advertised by this server.
const (
	URNCore       = "urn:ietf:params:jmap:core"
	URNMail       = "urn:ietf:params:jmap:mail"
	URNSubmission = "urn:ietf:params:jmap:submission"
	URNVacation   = "urn:ietf:params:jmap:vacationresponse"
	URNContacts   = "urn:ietf:params:jmap:contacts"
	URNCalendars  = "urn:ietf:params:jmap:calendars"
	URNWebSocket  = "urn:ietf:params:jmap:websocket"
	// URNQuotaExtension is the vendor quota extension.
	URNQuotaExtension = "http://cyrusimap.org/ns/quota"
	// URNPerformanceExtension opts a request into per-method timing
	// samples on its responses.
	URNPerformanceExtension = "http://cyrusimap.org/ns/performance"
)

// SharedCState marks a method that never mutates account-scoped state, so
// the dispatcher may open shared conversational state instead of an
// exclusive handle.
const SharedCState = 1 << 0

// HandlerFunc is an in-process method handler. It appends its own replies
// to the request context; a returned *MethodError is emitted as the call's
// error response as is, and any other returned error is translated through
// ServerError first.
type HandlerFunc func(ctx context.Context, req *Req) error

// Method is one registry entry.
type Method struct {
	Name       string
	Capability string
	Flags      int
	Func       HandlerFunc
}

// Limits are the configured request caps. A value of 0 disables the
// corresponding call.
type Limits struct {
	MaxSizeUpload         int64
	MaxConcurrentUpload   int64
	MaxSizeRequest        int64
	MaxConcurrentRequests int64
	MaxCallsInRequest     int64
	MaxObjectsInGet       int64
	MaxObjectsInSet       int64
}

// ParameterReader reads one configuration parameter by name. Backed by SSM
// in production; absent parameters yield an error and fall back to the
// environment.
type ParameterReader interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// limitSpec maps one limit to its SSM parameter suffix and environment
// variable, with the default used when neither is set.
type limitSpec struct {
	field  *int64
	name   string
	envVar string
	defval int64
}

// LoadLimits resolves every limit from SSM (under prefix, when reader is
// non-nil), falling back to environment variables and then defaults. Any
// value that parses to <= 0 is logged and clamped to 0, which disables the
// gated call.
func LoadLimits(ctx context.Context, reader ParameterReader, prefix string) Limits {
	limits := Limits{}
	specs := []limitSpec{
		{&limits.MaxSizeUpload, "max-size-upload", "JMAP_MAX_SIZE_UPLOAD", 50000000},
		{&limits.MaxConcurrentUpload, "max-concurrent-upload", "JMAP_MAX_CONCURRENT_UPLOAD", 4},
		{&limits.MaxSizeRequest, "max-size-request", "JMAP_MAX_SIZE_REQUEST", 10000000},
		{&limits.MaxConcurrentRequests, "max-concurrent-requests", "JMAP_MAX_CONCURRENT_REQUESTS", 4},
		{&limits.MaxCallsInRequest, "max-calls-in-request", "JMAP_MAX_CALLS_IN_REQUEST", 16},
		{&limits.MaxObjectsInGet, "max-objects-in-get", "JMAP_MAX_OBJECTS_IN_GET", 500},
		{&limits.MaxObjectsInSet, "max-objects-in-set", "JMAP_MAX_OBJECTS_IN_SET", 500},
	}

	for _, spec := range specs {
		*spec.field = resolveLimit(ctx, reader, prefix, spec)
	}
	return limits
}

func resolveLimit(ctx context.Context, reader ParameterReader, prefix string, spec limitSpec) int64 {
	raw := ""
	if reader != nil {
		if value, err := reader.GetParameter(ctx, prefix+spec.name); err == nil {
			raw = value
		}
	}
	if raw == "" {
		raw = os.Getenv(spec.envVar)
	}
	if raw == "" {
		return spec.defval
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		logger.Warn("Invalid limit value, disabling",
			slog.String("limit", spec.name),
			slog.String("value", raw),
		)
		return 0
	}
	return value
}

// Settings is the immutable per-process configuration: limits, the method
// table and the advertised capabilities. It is populated at server start
// by each protocol module and read-only afterwards; nothing here is
// request-scoped.
type Settings struct {
	Limits Limits

	methods      map[string]*Method
	capabilities map[string]map[string]any
}

// NewSettings creates settings carrying the given limits. Callers register
// methods and capabilities before serving the first request.
func NewSettings(limits Limits) *Settings {
	return &Settings{
		Limits:       limits,
		methods:      make(map[string]*Method),
		capabilities: make(map[string]map[string]any),
	}
}

// RegisterCapability advertises a capability URI with its configuration
// object (may be empty, never nil on the wire).
func (s *Settings) RegisterCapability(uri string, config map[string]any) {
	if config == nil {
		config = map[string]any{}
	}
	s.capabilities[uri] = config
}

// RegisterMethod adds one method to the table. Double registration is a
// wiring bug and panics at startup rather than masking one module's
// handler with another's.
func (s *Settings) RegisterMethod(m *Method) {
	if _, exists := s.methods[m.Name]; exists {
		panic(fmt.Sprintf("jmap: method %q registered twice", m.Name))
	}
	s.methods[m.Name] = m
}

// Method looks up a registered method by name.
func (s *Settings) Method(name string) *Method {
	return s.methods[name]
}

// HasCapability reports whether the capability URI is advertised.
func (s *Settings) HasCapability(uri string) bool {
	_, ok := s.capabilities[uri]
	return ok
}

// Capabilities returns the advertised capability map for the Session
// resource. Callers must not mutate it.
func (s *Settings) Capabilities() map[string]map[string]any {
	return s.capabilities
}

// CoreCapability builds the urn:ietf:params:jmap:core configuration object
// from the limits.
func (s *Settings) CoreCapability() map[string]any {
	return map[string]any{
		"maxSizeUpload":         s.Limits.MaxSizeUpload,
		"maxConcurrentUpload":   s.Limits.MaxConcurrentUpload,
		"maxSizeRequest":        s.Limits.MaxSizeRequest,
		"maxConcurrentRequests": s.Limits.MaxConcurrentRequests,
		"maxCallsInRequest":     s.Limits.MaxCallsInRequest,
		"maxObjectsInGet":       s.Limits.MaxObjectsInGet,
		"maxObjectsInSet":       s.Limits.MaxObjectsInSet,
		"collationAlgorithms":   []any{"i;ascii-casemap", "i;octet"},
	}
}
