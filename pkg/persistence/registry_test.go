package persistence

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegisterProvider(t *testing.T) {
	var got PluginConfig
	RegisterProvider("test", func(config PluginConfig) (PluginPersistence, error) {
		got = config
		return nil, nil
	})

	found := false
	for _, p := range ListProviders() {
		if p == "test" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected to find 'test' provider in list, got: %v", ListProviders())
	}

	loc := time.FixedZone("X", 3600)
	if _, err := NewPersistence(ProviderConfig{Type: "test"}, PluginConfig{Timezone: loc}); err != nil {
		t.Fatalf("NewPersistence: %v", err)
	}
	if string(got.Config) != "{}" {
		t.Errorf("expected empty config to default to {}, got %s", got.Config)
	}
	if got.Timezone != loc {
		t.Errorf("expected timezone to be passed through")
	}
	if got.Now().Location() != loc {
		t.Errorf("expected Now in plugin timezone")
	}
}

func TestNewPersistenceUnknownProvider(t *testing.T) {
	cfg := ProviderConfig{
		Type:   "unknown_provider",
		Config: json.RawMessage("{}"),
	}
	if _, err := NewPersistence(cfg, PluginConfig{}); err == nil {
		t.Error("Expected error for unknown provider, got nil")
	}
}

func TestPluginConfigNowDefaultsToUTC(t *testing.T) {
	if (PluginConfig{}).Now().Location() != time.UTC {
		t.Error("expected UTC when no timezone is configured")
	}
}
