package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redactedValue = "[redacted]"

// Redacted returns a copy of c with credentials masked, suitable for
// printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.Auth.APIKey = mask(c.API.Auth.APIKey)
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Name: tok.Name, Token: mask(tok.Token), Scopes: tok.Scopes}
	}
	out.Backend.ClientSecret = mask(c.Backend.ClientSecret)
	out.Webhooks.Endpoints = append([]WebhookEndpoint(nil), c.Webhooks.Endpoints...)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// GetPath retrieves a value from the redacted configuration using a
// dot-notation path such as "backend.base_url". Addresses of the form
// "endpoint:<name>" are resolved with GetEntity.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a webhook endpoint by "endpoint:<name>", or all of
// them with "endpoint:*".
func (c *Config) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "endpoint":
		endpoints := c.Redacted().Webhooks.Endpoints
		if name == "*" {
			return endpoints, nil
		}
		for _, ep := range endpoints {
			if ep.Name == name {
				return ep, nil
			}
		}
		return nil, fmt.Errorf("endpoint %q not found", name)

	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// Endpoint returns the endpoint with the given name.
func (c *Config) Endpoint(name string) (WebhookEndpoint, bool) {
	for _, ep := range c.Webhooks.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return WebhookEndpoint{}, false
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
