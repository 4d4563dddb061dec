package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProviderConfig contains provider-specific configuration
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// PluginConfig provides initialization parameters to persistence plugins
type PluginConfig struct {
	// Config contains plugin-specific configuration
	Config json.RawMessage

	// Timezone stamps created and updated times.
	Timezone *time.Location
}

// Now returns the current time in the plugin timezone.
func (c PluginConfig) Now() time.Time {
	if c.Timezone == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.Timezone)
}

// PluginFactory creates persistence plugins from configuration
type PluginFactory func(config PluginConfig) (PluginPersistence, error)

var (
	registry = make(map[string]PluginFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a persistence plugin factory for a provider type
func RegisterProvider(providerType string, factory PluginFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewPersistence creates a persistence plugin from provider configuration
func NewPersistence(providerConfig ProviderConfig, pluginConfig PluginConfig) (PluginPersistence, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown persistence provider type: %s", providerConfig.Type)
	}

	pluginConfig.Config = providerConfig.Config
	if len(pluginConfig.Config) == 0 {
		pluginConfig.Config = json.RawMessage("{}")
	}
	return factory(pluginConfig)
}

// ListProviders returns registered provider types in sorted order.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
