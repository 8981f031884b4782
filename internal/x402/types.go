package x402

import "encoding/json"

// Protocol constants.
const (
	Version           = 1
	MaxTimeoutSeconds = 60

	// PendingTxHash stands in for the transaction hash when the settlement
	// call failed in transport and its outcome is unknown.
	PendingTxHash = "TBD"

	DefaultDescription = "OneShot API Webhook"
	DefaultMimeType    = "application/json"

	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
)

// PaymentRequirement is one acceptable way to pay for a resource, advertised
// in the accepts list of a 402 response.
type PaymentRequirement struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             Extra           `json:"extra"`
}

// Extra carries the EIP-712 domain data of the token contract.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentPayload is the decoded x-payment header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload is the scheme-specific part of an "exact" payment.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is an EIP-3009 transferWithAuthorization message. All numeric
// fields travel as decimal strings.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SupportedResponse is the backend's registry of payable networks and tokens.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind lists the tokens accepted on one network.
type SupportedKind struct {
	X402Version int              `json:"x402Version,omitempty"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Tokens      []SupportedToken `json:"tokens"`
}

// SupportedToken describes one token contract on a network.
type SupportedToken struct {
	ContractAddress string `json:"contractAddress"`
	Name            string `json:"name"`
	Version         string `json:"version"`
}

// Kind returns the registry entry for network, if any.
func (r *SupportedResponse) Kind(network string) (*SupportedKind, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.Kinds {
		if r.Kinds[i].Network == network {
			return &r.Kinds[i], true
		}
	}
	return nil, false
}

// Token returns the token with the given contract address.
func (k *SupportedKind) Token(contractAddress string) (*SupportedToken, bool) {
	for i := range k.Tokens {
		if k.Tokens[i].ContractAddress == contractAddress {
			return &k.Tokens[i], true
		}
	}
	return nil, false
}

// FacilitatorRequest is the body of both verify and settle calls.
type FacilitatorRequest struct {
	X402Version         int                `json:"x402Version"`
	PaymentPayload      PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse is the backend's verdict on a payment.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the backend's settlement result.
type SettleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network,omitempty"`
	Payer   string `json:"payer,omitempty"`
}

// ErrorResponse is the body of every 402 response.
type ErrorResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentResponse is carried base64-encoded in the X-Payment-Response header
// of successful responses.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// ConfiguredToken is one payment option as configured on an endpoint.
// PaymentToken has the form "<network>:<contractAddress>".
type ConfiguredToken struct {
	PaymentToken  string
	PayToAddress  string
	PaymentAmount string
}

// Resource describes the protected webhook.
type Resource struct {
	URL          string
	Description  string
	MimeType     string
	OutputSchema json.RawMessage
}
