package webhook

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/paygate/internal/config"
	"github.com/mattjoyce/paygate/internal/paygate"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
// Parses max body sizes and allowlists and collects payment options.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:        wc.Listen,
		PublicBaseURL: wc.PublicBaseURL,
		TestMode:      wc.TestMode,
		Endpoints:     make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		maxBodySize := int64(DefaultMaxBodySize)
		if ep.MaxBodySize != "" {
			size, err := config.ParseByteSize(ep.MaxBodySize)
			if err != nil {
				return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Name, ep.MaxBodySize, err)
			}
			maxBodySize = size
		}

		methods := make([]string, len(ep.Methods))
		for j, m := range ep.Methods {
			methods[j] = strings.ToUpper(m)
		}

		out := EndpointConfig{
			Name:        ep.Name,
			Path:        ep.Path,
			Kind:        ep.Kind,
			Workflow:    ep.Workflow,
			PublicKey:   ep.PublicKey,
			Methods:     methods,
			IPAllowlist: splitAllowlist(ep.IPAllowlist),
			MaxBodySize: maxBodySize,
		}

		if ep.Kind == config.KindX402 {
			out.Payment = &PaymentConfig{
				Tokens:      config.ConfiguredTokens(ep.Tokens),
				Description: ep.ResourceDescription,
				MimeType:    ep.MimeType,
				Response: paygate.ResponseOptions{
					Mode:                ep.ResponseMode,
					Code:                ep.ResponseCode,
					Data:                ep.ResponseData,
					Headers:             ep.ResponseHeaders,
					RefundsContactEmail: ep.RefundsContactEmail,
				},
			}
		}

		cfg.Endpoints[i] = out
	}

	return cfg, nil
}

func splitAllowlist(list string) []string {
	var out []string
	for _, entry := range strings.Split(list, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
