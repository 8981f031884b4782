package config

import (
	"time"

	"github.com/mattjoyce/paygate/internal/oneshot"
	"github.com/mattjoyce/paygate/internal/registration"
)

// Config represents the complete paygate configuration.
type Config struct {
	Include   []string        `yaml:"include,omitempty"`
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`
	Backend   BackendConfig   `yaml:"backend"`
	Directory DirectoryConfig `yaml:"directory,omitempty"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`

	// SourceFiles holds the absolute path of every file that was loaded,
	// root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the admin HTTP API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single admin bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. Name labels the token in
// logs.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// BackendConfig points at the 1Shot API and its OAuth2 client credentials.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TokenURL       string        `yaml:"token_url,omitempty"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	Scopes         []string      `yaml:"scopes,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DirectoryConfig controls registration with the public x402 resource
// directory.
type DirectoryConfig struct {
	Enabled     *bool         `yaml:"enabled,omitempty"`
	RegisterURL string        `yaml:"register_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IsEnabled reports whether registration is on. It defaults to true.
func (d DirectoryConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen string `yaml:"listen"`
	// PublicBaseURL is how clients reach the listener, e.g.
	// "https://hooks.example.com". Paid endpoints advertise it as the
	// resource URL.
	PublicBaseURL string            `yaml:"public_base_url"`
	TestMode      bool              `yaml:"test_mode,omitempty"`
	Endpoints     []WebhookEndpoint `yaml:"endpoints"`
}

// Endpoint kinds.
const (
	KindSigned = "signed"
	KindX402   = "x402"
)

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Kind     string `yaml:"kind"`
	Workflow string `yaml:"workflow"`

	// PublicKey is the base64 Ed25519 key of signed endpoints.
	PublicKey string `yaml:"public_key,omitempty"`

	Methods     []string `yaml:"methods,omitempty"`
	IPAllowlist string   `yaml:"ip_allowlist,omitempty"`
	MaxBodySize string   `yaml:"max_body_size,omitempty"`

	ResponseMode    string            `yaml:"response_mode,omitempty"`
	ResponseCode    int               `yaml:"response_code,omitempty"`
	ResponseData    string            `yaml:"response_data,omitempty"`
	ResponseHeaders map[string]string `yaml:"response_headers,omitempty"`

	RefundsContactEmail string         `yaml:"refunds_contact_email,omitempty"`
	ResourceDescription string         `yaml:"resource_description,omitempty"`
	MimeType            string         `yaml:"mime_type,omitempty"`
	Tokens              []PaymentToken `yaml:"tokens,omitempty"`
}

// PaymentToken is one accepted payment option. PaymentToken has the form
// "<network>:<contractAddress>"; PaymentAmount is in the token's smallest
// unit.
type PaymentToken struct {
	PaymentToken  string `yaml:"payment_token"`
	PayToAddress  string `yaml:"pay_to_address"`
	PaymentAmount string `yaml:"payment_amount"`
}

// Endpoint defaults.
const (
	DefaultMaxBodySize  = "1MB"
	DefaultResponseMode = "onReceived"
	DefaultResponseData = "firstEntryJson"
	DefaultResponseCode = 200
)

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "paygate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/paygate.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Backend: BackendConfig{
			BaseURL:        oneshot.DefaultBaseURL,
			RequestTimeout: oneshot.DefaultRequestTimeout,
		},
		Directory: DirectoryConfig{
			RegisterURL: registration.DefaultRegisterURL,
			Timeout:     registration.DefaultTimeout,
		},
		Webhooks: WebhooksConfig{
			Listen: "127.0.0.1:8081",
		},
	}
}
