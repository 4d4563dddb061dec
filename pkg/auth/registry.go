package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderConfig selects a registered validator and carries its raw config.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory builds a validator from provider specific JSON.
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var ErrUnknownProvider = errors.New("unknown auth provider type")

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type.
// Providers register themselves from init.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(providerType)] = factory
}

func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	typ := strings.ToLower(strings.TrimSpace(providerConfig.Type))
	if typ == "" {
		return nil, errors.New("auth provider type is required")
	}
	mu.RLock()
	factory, ok := registry[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerConfig.Type)
	}
	cfg := providerConfig.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	return factory(cfg)
}

// ListProviders returns the registered provider types in sorted order.
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
