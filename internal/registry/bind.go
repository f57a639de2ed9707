package registry

import (
	"context"

	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"

	"github.com/jarrod-lowe/jmap-server/internal/jmap"
)

// Bind wires every plugin-contributed capability and remote method into
// the settings. Remote methods run through the invoker but look exactly
// like in-process handlers to the dispatcher; they receive the resolved
// arguments and their reply joins the response list under the call's
// client id.
func Bind(settings *jmap.Settings, r *Registry, invoker Invoker) {
	for uri, config := range r.Capabilities() {
		settings.RegisterCapability(uri, config)
	}

	for name, target := range r.MethodTargets() {
		settings.RegisterMethod(&jmap.Method{
			Name:       name,
			Capability: target.Capability,
			Flags:      target.Flags,
			Func:       remoteHandler(name, target, invoker),
		})
	}
}

// remoteHandler adapts one remote method target to the handler contract.
func remoteHandler(name string, target MethodTarget, invoker Invoker) jmap.HandlerFunc {
	return func(ctx context.Context, req *jmap.Req) error {
		response, err := invoker.Invoke(ctx, target, plugincontract.PluginInvocationRequest{
			RequestID: req.RequestID,
			AccountID: req.AccountID,
			Method:    name,
			Args:      req.Args,
			ClientID:  req.ClientID,
		})
		if err != nil {
			return err
		}
		args := map[string]any(response.MethodResponse.Args)
		req.Reply(response.MethodResponse.Name, args)
		return nil
	}
}
