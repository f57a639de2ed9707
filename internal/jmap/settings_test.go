package jmap

import (
	"context"
	"errors"
	"testing"
)

type mockParams struct {
	values map[string]string
}

func (m *mockParams) GetParameter(ctx context.Context, name string) (string, error) {
	value, ok := m.values[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return value, nil
}

func TestLoadLimits_SSMOverridesEnv(t *testing.T) {
	t.Setenv("JMAP_MAX_CALLS_IN_REQUEST", "32")
	reader := &mockParams{values: map[string]string{
		"/jmap/max-calls-in-request": "8",
	}}

	limits := LoadLimits(context.Background(), reader, "/jmap/")
	if limits.MaxCallsInRequest != 8 {
		t.Errorf("MaxCallsInRequest = %d, want 8 (SSM)", limits.MaxCallsInRequest)
	}
}

func TestLoadLimits_EnvFallback(t *testing.T) {
	t.Setenv("JMAP_MAX_OBJECTS_IN_SET", "100")

	limits := LoadLimits(context.Background(), nil, "/jmap/")
	if limits.MaxObjectsInSet != 100 {
		t.Errorf("MaxObjectsInSet = %d, want 100", limits.MaxObjectsInSet)
	}
}

func TestLoadLimits_Defaults(t *testing.T) {
	limits := LoadLimits(context.Background(), nil, "/jmap/")
	if limits.MaxCallsInRequest != 16 {
		t.Errorf("MaxCallsInRequest = %d, want default 16", limits.MaxCallsInRequest)
	}
	if limits.MaxSizeUpload != 50000000 {
		t.Errorf("MaxSizeUpload = %d, want default", limits.MaxSizeUpload)
	}
}

func TestLoadLimits_NonPositiveDisables(t *testing.T) {
	t.Setenv("JMAP_MAX_SIZE_REQUEST", "-5")
	t.Setenv("JMAP_MAX_OBJECTS_IN_GET", "garbage")

	limits := LoadLimits(context.Background(), nil, "/jmap/")
	if limits.MaxSizeRequest != 0 {
		t.Errorf("MaxSizeRequest = %d, want 0", limits.MaxSizeRequest)
	}
	if limits.MaxObjectsInGet != 0 {
		t.Errorf("MaxObjectsInGet = %d, want 0", limits.MaxObjectsInGet)
	}
}

func TestSettings_Registration(t *testing.T) {
	settings := NewSettings(Limits{})
	settings.RegisterCapability(URNCore, nil)

	if !settings.HasCapability(URNCore) {
		t.Error("HasCapability(core) = false")
	}
	if settings.HasCapability(URNMail) {
		t.Error("HasCapability(mail) = true")
	}
	// A nil config still serialises as an object.
	if settings.Capabilities()[URNCore] == nil {
		t.Error("capability config must not be nil")
	}

	method := &Method{Name: "Core/echo", Capability: URNCore}
	settings.RegisterMethod(method)
	if settings.Method("Core/echo") != method {
		t.Error("Method lookup failed")
	}
	if settings.Method("Nope") != nil {
		t.Error("unknown method must be nil")
	}

	defer func() {
		if recover() == nil {
			t.Error("double registration must panic")
		}
	}()
	settings.RegisterMethod(&Method{Name: "Core/echo", Capability: URNCore})
}

func TestCoreCapability(t *testing.T) {
	settings := NewSettings(Limits{MaxCallsInRequest: 16, MaxSizeRequest: 1000})
	capability := settings.CoreCapability()
	if capability["maxCallsInRequest"] != int64(16) {
		t.Errorf("maxCallsInRequest = %v", capability["maxCallsInRequest"])
	}
	if capability["maxSizeRequest"] != int64(1000) {
		t.Errorf("maxSizeRequest = %v", capability["maxSizeRequest"])
	}
}
