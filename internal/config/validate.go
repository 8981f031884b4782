package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mattjoyce/paygate/internal/x402"
)

var (
	validLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats   = map[string]bool{"json": true, "text": true}
	validResponseMode = map[string]bool{"onReceived": true, "streaming": true}
	validMethods      = map[string]bool{
		http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
		http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	}
)

// validate checks a fully defaulted configuration. All problems are joined
// into one error.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		add("service.log_level: invalid value %q (want debug, info, warn or error)", cfg.Service.LogLevel)
	}
	if !validLogFormats[strings.ToLower(cfg.Service.LogFormat)] {
		add("service.log_format: invalid value %q (want json or text)", cfg.Service.LogFormat)
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		add("state.path: required")
	}

	if cfg.API.Enabled {
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			add("api.auth: api_key or tokens required when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if strings.TrimSpace(tok.Token) == "" {
				add("api.auth.tokens[%d]: token is empty", i)
			}
			if len(tok.Scopes) == 0 {
				add("api.auth.tokens[%d]: at least one scope required", i)
			}
		}
	}

	hasPaid := false
	for _, ep := range cfg.Webhooks.Endpoints {
		if ep.Kind == KindX402 {
			hasPaid = true
			break
		}
	}
	if hasPaid {
		if cfg.Backend.ClientID == "" || cfg.Backend.ClientSecret == "" {
			add("backend: client_id and client_secret required for x402 endpoints")
		}
		if err := checkAbsoluteURL(cfg.Backend.BaseURL); err != nil {
			add("backend.base_url: %v", err)
		}
		if err := checkAbsoluteURL(cfg.Webhooks.PublicBaseURL); err != nil {
			add("webhooks.public_base_url: %v", err)
		}
	}

	names := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	paths := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		prefix := fmt.Sprintf("webhooks.endpoints[%d] (%s)", i, ep.Name)
		if ep.Name == "" {
			add("%s: name required", prefix)
		} else if names[ep.Name] {
			add("%s: duplicate name", prefix)
		}
		names[ep.Name] = true

		if ep.Path == "" {
			add("%s: path required", prefix)
		} else if paths[ep.Path] {
			add("%s: duplicate path %q", prefix, ep.Path)
		}
		paths[ep.Path] = true

		if ep.Workflow == "" {
			add("%s: workflow required", prefix)
		}
		for _, m := range ep.Methods {
			if !validMethods[strings.ToUpper(m)] {
				add("%s: unsupported method %q", prefix, m)
			}
		}
		if _, err := ParseByteSize(ep.MaxBodySize); err != nil {
			add("%s: invalid max_body_size %q: %v", prefix, ep.MaxBodySize, err)
		}

		switch ep.Kind {
		case KindSigned:
			if err := checkPublicKey(ep.PublicKey); err != nil {
				add("%s: public_key: %v", prefix, err)
			}
		case KindX402:
			for _, err := range validatePaidEndpoint(ep) {
				add("%s: %v", prefix, err)
			}
		default:
			add("%s: kind must be %q or %q, got %q", prefix, KindSigned, KindX402, ep.Kind)
		}
	}

	if unresolved := unresolvedEnv(cfg); len(unresolved) > 0 {
		add("unresolved environment variables: %s", strings.Join(unresolved, ", "))
	}

	return errors.Join(errs...)
}

func validatePaidEndpoint(ep WebhookEndpoint) []error {
	var errs []error
	if !validResponseMode[ep.ResponseMode] {
		errs = append(errs, fmt.Errorf("response_mode must be onReceived or streaming, got %q", ep.ResponseMode))
	}
	if ep.ResponseCode < 100 || ep.ResponseCode > 599 {
		errs = append(errs, fmt.Errorf("response_code %d out of range", ep.ResponseCode))
	}
	if len(ep.Tokens) == 0 {
		errs = append(errs, errors.New("at least one payment token required"))
		return errs
	}
	for j, tok := range ep.Tokens {
		if _, _, err := x402.ParseTokenID(tok.PaymentToken); err != nil {
			errs = append(errs, fmt.Errorf("tokens[%d]: %w", j, err))
		}
		if strings.TrimSpace(tok.PayToAddress) == "" {
			errs = append(errs, fmt.Errorf("tokens[%d]: pay_to_address required", j))
		}
		amount, ok := new(big.Int).SetString(tok.PaymentAmount, 10)
		if !ok || amount.Sign() < 0 {
			errs = append(errs, fmt.Errorf("tokens[%d]: payment_amount %q is not a non-negative integer", j, tok.PaymentAmount))
		}
	}
	if err := x402.CheckDuplicateNetworks(ConfiguredTokens(ep.Tokens)); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ConfiguredTokens converts endpoint tokens to the payment engine's form.
func ConfiguredTokens(tokens []PaymentToken) []x402.ConfiguredToken {
	out := make([]x402.ConfiguredToken, len(tokens))
	for i, t := range tokens {
		out[i] = x402.ConfiguredToken{
			PaymentToken:  t.PaymentToken,
			PayToAddress:  t.PayToAddress,
			PaymentAmount: t.PaymentAmount,
		}
	}
	return out
}

func checkAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

func checkPublicKey(key string) error {
	if key == "" {
		return errors.New("required for signed endpoints")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	return nil
}

// unresolvedEnv lists ${VAR} placeholders left in secret-bearing fields.
func unresolvedEnv(cfg *Config) []string {
	fields := []string{
		cfg.API.Auth.APIKey,
		cfg.Backend.ClientID,
		cfg.Backend.ClientSecret,
		cfg.Backend.BaseURL,
		cfg.Webhooks.PublicBaseURL,
		cfg.State.Path,
	}
	for _, tok := range cfg.API.Auth.Tokens {
		fields = append(fields, tok.Token)
	}
	for _, ep := range cfg.Webhooks.Endpoints {
		fields = append(fields, ep.PublicKey)
		for _, tok := range ep.Tokens {
			fields = append(fields, tok.PayToAddress)
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, f := range fields {
		for _, m := range envVarPattern.FindAllStringSubmatch(f, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// ParseByteSize parses sizes like "1MB", "512KB" or "2048" to bytes.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return 0, errors.New("empty size")
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, errors.New("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, errors.New("size too large")
	}
	return result, nil
}
