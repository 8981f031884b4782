package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/config"
)

func TestFromGlobalConfig(t *testing.T) {
	t.Parallel()

	wc := &config.WebhooksConfig{
		Listen:        "127.0.0.1:8081",
		PublicBaseURL: "https://hooks.example.com",
		TestMode:      true,
		Endpoints: []config.WebhookEndpoint{
			{
				Name:        "callbacks",
				Path:        "/webhook/callbacks",
				Kind:        config.KindSigned,
				Workflow:    "wf",
				PublicKey:   "key",
				Methods:     []string{"post"},
				IPAllowlist: " 10.0.0.1, ,192.0.2. ",
				MaxBodySize: "2KB",
			},
			{
				Name:                "premium",
				Path:                "/webhook/premium",
				Kind:                config.KindX402,
				Workflow:            "wf",
				ResponseMode:        "streaming",
				ResponseCode:        201,
				ResponseData:        "noData",
				ResponseHeaders:     map[string]string{"X-A": "1"},
				RefundsContactEmail: "refunds@example.com",
				ResourceDescription: "Premium",
				MimeType:            "text/plain",
				Tokens: []config.PaymentToken{
					{PaymentToken: "base:0xToken", PayToAddress: "0xMerchant", PaymentAmount: "5"},
				},
			},
		},
	}

	cfg, err := FromGlobalConfig(wc)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com", cfg.PublicBaseURL)
	assert.True(t, cfg.TestMode)
	require.Len(t, cfg.Endpoints, 2)

	signed := cfg.Endpoints[0]
	assert.Equal(t, []string{"POST"}, signed.Methods)
	assert.Equal(t, []string{"10.0.0.1", "192.0.2."}, signed.IPAllowlist)
	assert.EqualValues(t, 2048, signed.MaxBodySize)
	assert.Nil(t, signed.Payment)

	paid := cfg.Endpoints[1]
	assert.EqualValues(t, DefaultMaxBodySize, paid.MaxBodySize)
	require.NotNil(t, paid.Payment)
	assert.Equal(t, "base:0xToken", paid.Payment.Tokens[0].PaymentToken)
	assert.Equal(t, "Premium", paid.Payment.Description)
	assert.Equal(t, "streaming", paid.Payment.Response.Mode)
	assert.Equal(t, 201, paid.Payment.Response.Code)
	assert.Equal(t, "noData", paid.Payment.Response.Data)
	assert.Equal(t, "refunds@example.com", paid.Payment.Response.RefundsContactEmail)
}

func TestFromGlobalConfig_Errors(t *testing.T) {
	t.Parallel()

	_, err := FromGlobalConfig(nil)
	assert.Error(t, err)

	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{
		{Name: "bad", MaxBodySize: "huge"},
	}})
	assert.ErrorContains(t, err, "max_body_size")
}
