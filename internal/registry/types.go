package registry

// PluginRecord represents a plugin registration in DynamoDB (internal only)
type PluginRecord struct {
	PK               string                    `dynamodbav:"pk"`
	SK               string                    `dynamodbav:"sk"`
	PluginID         string                    `dynamodbav:"pluginId"`
	Capabilities     map[string]map[string]any `dynamodbav:"capabilities"`
	Methods          map[string]MethodTarget   `dynamodbav:"methods"`
	Events           map[string]EventTarget    `dynamodbav:"events,omitempty"`
	ClientPrincipals []string                  `dynamodbav:"clientPrincipals,omitempty"`
	RegisteredAt     string                    `dynamodbav:"registeredAt"`
	Version          string                    `dynamodbav:"version"`
}

// MethodTarget defines how to invoke a method handler (internal only)
type MethodTarget struct {
	InvocationType string `dynamodbav:"invocationType"`
	InvokeTarget   string `dynamodbav:"invokeTarget"`
	// Capability is the URI the method's declaring capability; a request
	// must list it in using before the method may run.
	Capability string `dynamodbav:"capability"`
	// Flags carries the per-method flags (shared conversational state).
	Flags int `dynamodbav:"flags,omitempty"`
}

// EventTarget defines where to deliver a system event (internal only)
type EventTarget struct {
	TargetType string `dynamodbav:"targetType"` // "sqs"
	TargetArn  string `dynamodbav:"targetArn"`  // SQS queue ARN
}

// AggregatedEventTarget is an event target annotated with its plugin.
type AggregatedEventTarget struct {
	PluginID   string
	TargetType string
	TargetArn  string
}
