package resultref

import (
	"strings"
)

// ResolveArgs resolves any result references in the args map against the
// already-emitted responses, returning a new args map with each "#key"
// replaced by a plain "key" holding the extracted value.
//
// Result references are identified by keys prefixed with "#" (e.g. "#ids").
// The value must be a result reference object with:
// - resultOf: the clientId of a previous method call
// - name: the method name that must match the referenced call
// - path: a JSON Pointer path (with JMAP wildcard support) to extract
//
// Per RFC 8620 both "foo" and "#foo" in the same call is invalidArguments,
// and a reference resolves only when a prior response matches on BOTH
// clientId and method name. The first such response wins; a request with
// duplicate client ids has itself to blame.
func ResolveArgs(args map[string]any, responses []MethodResponse) (map[string]any, error) {
	if err := checkConflictingKeys(args); err != nil {
		return nil, err
	}

	hasReferences := false
	for key := range args {
		if strings.HasPrefix(key, "#") {
			hasReferences = true
			break
		}
	}
	if !hasReferences {
		return args, nil
	}

	result := make(map[string]any, len(args))
	for key, value := range args {
		if !strings.HasPrefix(key, "#") {
			result[key] = value
			continue
		}
		resolvedValue, err := resolveReference(value, responses)
		if err != nil {
			return nil, err
		}
		// Per RFC 8620, null means "omit the property".
		if resolvedValue != nil {
			result[strings.TrimPrefix(key, "#")] = resolvedValue
		}
	}

	return result, nil
}

// checkConflictingKeys checks if args contain both "foo" and "#foo" for any key
func checkConflictingKeys(args map[string]any) error {
	for key := range args {
		if strings.HasPrefix(key, "#") {
			baseKey := strings.TrimPrefix(key, "#")
			if _, exists := args[baseKey]; exists {
				return newInvalidArgumentsError("conflicting keys: both '" + baseKey + "' and '#" + baseKey + "' are present")
			}
		}
	}
	return nil
}

// resolveReference resolves a single result reference
func resolveReference(refValue any, responses []MethodResponse) (any, error) {
	ref, err := parseResultReference(refValue)
	if err != nil {
		return nil, err
	}

	response, found := findResponse(responses, ref)
	if !found {
		return nil, newInvalidResultReferenceError("no response matches clientId '" + ref.ResultOf + "' and method '" + ref.Name + "'")
	}

	result, err := EvaluatePath(response.Args, ref.Path)
	if err != nil {
		return nil, newInvalidResultReferenceError("failed to evaluate path '" + ref.Path + "': " + err.Error())
	}

	return result, nil
}

// findResponse scans the emitted responses in order for the first entry
// matching the reference's clientId and method name.
func findResponse(responses []MethodResponse, ref *ResultReference) (MethodResponse, bool) {
	for _, resp := range responses {
		if resp.ClientID == ref.ResultOf && resp.Name == ref.Name {
			return resp, true
		}
	}
	return MethodResponse{}, false
}

// parseResultReference parses a result reference value into a ResultReference struct
func parseResultReference(value any) (*ResultReference, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, newInvalidResultReferenceError("result reference must be an object")
	}

	resultOf, ok := obj["resultOf"].(string)
	if !ok {
		return nil, newInvalidResultReferenceError("result reference 'resultOf' must be a string")
	}

	name, ok := obj["name"].(string)
	if !ok {
		return nil, newInvalidResultReferenceError("result reference 'name' must be a string")
	}

	path, ok := obj["path"].(string)
	if !ok {
		return nil, newInvalidResultReferenceError("result reference 'path' must be a string")
	}

	return &ResultReference{
		ResultOf: resultOf,
		Name:     name,
		Path:     path,
	}, nil
}
