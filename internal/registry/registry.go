// Package registry loads plugin registrations from DynamoDB and binds
// their remote methods into the in-process method table. Out-of-process
// protocol modules (mail, contacts, calendars, submission) register their
// methods, capabilities and event queues here; the core's own methods are
// registered directly on the settings.
package registry

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PluginPrefix is the partition key prefix for plugin records
const PluginPrefix = "PLUGIN#"

// PluginQuerier defines the interface for querying plugins from storage
type PluginQuerier interface {
	QueryByPK(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error)
}

// Registry holds loaded plugin configuration
type Registry struct {
	methodMap         map[string]MethodTarget
	capabilityConfig  map[string]map[string]any
	eventTargets      map[string][]AggregatedEventTarget
	plugins           []PluginRecord
	allowedPrincipals map[string]bool // aggregated from all plugins' ClientPrincipals
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		methodMap:         make(map[string]MethodTarget),
		capabilityConfig:  make(map[string]map[string]any),
		eventTargets:      make(map[string][]AggregatedEventTarget),
		allowedPrincipals: make(map[string]bool),
	}
}

// NewRegistryWithPrincipals creates a registry with pre-populated allowed
// principals. This is primarily for testing.
func NewRegistryWithPrincipals(principals []string) *Registry {
	r := NewRegistry()
	for _, p := range principals {
		r.allowedPrincipals[p] = true
	}
	return r
}

// LoadFromDynamoDB loads all plugins from DynamoDB
func (r *Registry) LoadFromDynamoDB(ctx context.Context, querier PluginQuerier) error {
	items, err := querier.QueryByPK(ctx, PluginPrefix)
	if err != nil {
		return fmt.Errorf("failed to query plugins: %w", err)
	}

	for _, item := range items {
		var record PluginRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return fmt.Errorf("failed to unmarshal plugin record: %w", err)
		}

		r.plugins = append(r.plugins, record)

		// Index methods
		maps.Copy(r.methodMap, record.Methods)

		// Index capabilities with merging
		for capability, config := range record.Capabilities {
			if existing, ok := r.capabilityConfig[capability]; ok {
				// Merge: new config values overwrite existing
				maps.Copy(existing, config)
			} else {
				// Make a copy to avoid aliasing
				r.capabilityConfig[capability] = maps.Clone(config)
			}
		}

		// Index event targets by type
		for eventType, target := range record.Events {
			r.eventTargets[eventType] = append(r.eventTargets[eventType], AggregatedEventTarget{
				PluginID:   record.PluginID,
				TargetType: target.TargetType,
				TargetArn:  target.TargetArn,
			})
		}

		// Aggregate client principals
		for _, principal := range record.ClientPrincipals {
			r.allowedPrincipals[principal] = true
		}
	}

	return nil
}

// GetMethodTarget returns the target for a method, or nil if not found
func (r *Registry) GetMethodTarget(method string) *MethodTarget {
	target, ok := r.methodMap[method]
	if !ok {
		return nil
	}
	return &target
}

// MethodTargets returns every registered remote method.
func (r *Registry) MethodTargets() map[string]MethodTarget {
	return r.methodMap
}

// GetCapabilityConfig returns the merged configuration for a capability
func (r *Registry) GetCapabilityConfig(capability string) map[string]any {
	config, ok := r.capabilityConfig[capability]
	if !ok {
		return nil
	}
	return config
}

// Capabilities returns every capability contributed by plugins.
func (r *Registry) Capabilities() map[string]map[string]any {
	return r.capabilityConfig
}

// GetEventTargets returns every target subscribed to the event type.
func (r *Registry) GetEventTargets(eventType string) []AggregatedEventTarget {
	return r.eventTargets[eventType]
}

// IsAllowedPrincipal reports whether the caller ARN belongs to any
// plugin's registered client principals. Plugins register IAM role ARNs;
// callers arriving through an STS assumed-role session are matched against
// the role the session was minted from.
func (r *Registry) IsAllowedPrincipal(callerARN string) bool {
	if callerARN == "" {
		return false
	}
	return r.allowedPrincipals[roleARN(callerARN)]
}

// roleARN maps an assumed-role session ARN
// (arn:aws:sts::<account>:assumed-role/<role-path>/<session>) onto the IAM
// role it was minted from (arn:aws:iam::<account>:role/<role-path>).
// Anything that is not an assumed-role ARN passes through unchanged.
func roleARN(callerARN string) string {
	if !strings.Contains(callerARN, ":assumed-role/") {
		return callerARN
	}
	parts := strings.SplitN(callerARN, ":", 6)
	if len(parts) != 6 {
		return callerARN
	}
	accountID := parts[4]

	// The resource is assumed-role/<role-path>/<session>; the final
	// segment is the session name, everything between is the role path.
	segments := strings.Split(strings.TrimPrefix(parts[5], "assumed-role/"), "/")
	if len(segments) < 2 {
		return callerARN
	}
	role := strings.Join(segments[:len(segments)-1], "/")
	return "arn:aws:iam::" + accountID + ":role/" + role
}

// AddMethod adds a method target to the registry.
// This is primarily for testing.
func (r *Registry) AddMethod(method string, target MethodTarget) {
	r.methodMap[method] = target
}
