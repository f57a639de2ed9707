// Package core registers the core protocol module: the
// urn:ietf:params:jmap:core capability, the vendor extensions, and the
// Core/echo and Blob/* methods.
package core

import (
	"context"

	"github.com/jarrod-lowe/jmap-server/internal/blob"
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
)

// Echo handles Core/echo: the arguments come back unchanged, per RFC 8620
// Section 4.
func Echo(ctx context.Context, req *jmap.Req) error {
	req.Ok(req.Args)
	return nil
}

// Register adds the core capabilities and methods to the settings. Called
// once at server start, before the first request.
func Register(settings *jmap.Settings, blobMethods *blob.Methods) {
	settings.RegisterCapability(jmap.URNCore, settings.CoreCapability())
	settings.RegisterCapability(jmap.URNQuotaExtension, map[string]any{})
	settings.RegisterCapability(jmap.URNPerformanceExtension, map[string]any{})

	settings.RegisterMethod(&jmap.Method{
		Name:       "Core/echo",
		Capability: jmap.URNCore,
		Flags:      jmap.SharedCState,
		Func:       Echo,
	})
	settings.RegisterMethod(&jmap.Method{
		Name:       "Blob/get",
		Capability: jmap.URNCore,
		Flags:      jmap.SharedCState,
		Func:       blobMethods.Get,
	})
	settings.RegisterMethod(&jmap.Method{
		Name:       "Blob/copy",
		Capability: jmap.URNCore,
		Func:       blobMethods.Copy,
	})
	settings.RegisterMethod(&jmap.Method{
		Name:       "Blob/set",
		Capability: jmap.URNCore,
		Func:       blobMethods.Set,
	})
}
