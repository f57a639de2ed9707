package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"
)

// invocationTypeLambda is the only target kind the bridge currently runs.
const invocationTypeLambda = "lambda"

// Invoker dispatches one method call to its out-of-process handler.
type Invoker interface {
	Invoke(ctx context.Context, target MethodTarget, request plugincontract.PluginInvocationRequest) (*plugincontract.PluginInvocationResponse, error)
}

// LambdaClient defines the interface for Lambda operations
type LambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker runs plugin methods as synchronous Lambda invocations.
type LambdaInvoker struct {
	client LambdaClient
}

// NewLambdaInvoker creates a new Lambda invoker
func NewLambdaInvoker(client LambdaClient) *LambdaInvoker {
	return &LambdaInvoker{client: client}
}

// Invoke runs the plugin function behind target and decodes its method
// response. Any failure — transport, a function-level error from a plugin
// that crashed, or an undecodable reply — comes back as a plain error so
// the dispatcher maps it through its server-error translator; a plugin
// never produces a half-response.
func (i *LambdaInvoker) Invoke(ctx context.Context, target MethodTarget, request plugincontract.PluginInvocationRequest) (*plugincontract.PluginInvocationResponse, error) {
	if target.InvocationType != "" && target.InvocationType != invocationTypeLambda {
		return nil, fmt.Errorf("plugin method %s: unsupported invocation type %q", request.Method, target.InvocationType)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("plugin method %s: marshal request: %w", request.Method, err)
	}

	output, err := i.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(target.InvokeTarget),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin method %s: invoke %s: %w", request.Method, target.InvokeTarget, err)
	}
	if output.FunctionError != nil {
		return nil, fmt.Errorf("plugin method %s: %s reported %s",
			request.Method, target.InvokeTarget, aws.ToString(output.FunctionError))
	}

	var response plugincontract.PluginInvocationResponse
	if err := json.Unmarshal(output.Payload, &response); err != nil {
		return nil, fmt.Errorf("plugin method %s: decode response: %w", request.Method, err)
	}
	if response.MethodResponse.Name == "" {
		return nil, fmt.Errorf("plugin method %s: response carries no method name", request.Method)
	}

	return &response, nil
}
