package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ShapeValid is returned by ValidateShape when the payload is well formed.
const ShapeValid = "valid"

// shapeField is a node of the structure every x-payment payload must have.
// A node with children expects an object.
type shapeField struct {
	key      string
	typ      string
	children []shapeField
}

var paymentShape = []shapeField{
	{key: "x402Version", typ: "number"},
	{key: "scheme", typ: "string"},
	{key: "network", typ: "string"},
	{key: "payload", children: []shapeField{
		{key: "authorization", children: []shapeField{
			{key: "from", typ: "string"},
			{key: "to", typ: "string"},
			{key: "value", typ: "string"},
			{key: "validAfter", typ: "string"},
			{key: "validBefore", typ: "string"},
			{key: "nonce", typ: "string"},
		}},
		{key: "signature", typ: "string"},
	}},
}

// DecodeHeader decodes the base64 JSON carried in the x-payment header.
// Numbers are kept as json.Number. Failures are ProtocolViolations whose
// message names the decoding problem.
func DecodeHeader(header string) (map[string]any, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, &ProtocolViolation{Message: "invalid base64 encoding", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ProtocolViolation{Message: fmt.Sprintf("invalid JSON: %v", err), Err: err}
	}
	if dec.More() {
		return nil, Reject("invalid JSON: unexpected data after payload")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, Reject("payment payload is not a JSON object")
	}
	return obj, nil
}

// ValidateShape checks that raw has every field of an x402 exact payment with
// the right JSON type. It returns ShapeValid or a "; "-joined list of
// problems, with nested fields reported by dotted path.
func ValidateShape(raw map[string]any) string {
	problems := checkShape(paymentShape, raw, "")
	if len(problems) == 0 {
		return ShapeValid
	}
	return strings.Join(problems, "; ")
}

func checkShape(expected []shapeField, actual map[string]any, path string) []string {
	var problems []string
	for _, f := range expected {
		current := f.key
		if path != "" {
			current = path + "." + f.key
		}

		val, ok := actual[f.key]
		if !ok {
			problems = append(problems, "Missing field: "+current)
			continue
		}

		if f.children != nil {
			switch obj := val.(type) {
			case map[string]any:
				problems = append(problems, checkShape(f.children, obj, current)...)
			case []any:
				// Arrays pass the object test but carry no named fields.
				problems = append(problems, checkShape(f.children, map[string]any{}, current)...)
			default:
				problems = append(problems, "Invalid type at "+current+": expected object")
			}
			continue
		}

		if got := typeOf(val); got != f.typ {
			problems = append(problems, fmt.Sprintf("Invalid type at %s: expected %s, got %s", current, f.typ, got))
		}
	}
	return problems
}

// typeOf names a decoded JSON value the way JavaScript's typeof does.
func typeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	default:
		// null, arrays and objects
		return "object"
	}
}

// ParsePayload converts a shape-checked raw payload into its typed form.
func ParsePayload(raw map[string]any) (*PaymentPayload, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, &ProtocolViolation{Message: "invalid payment payload", Err: err}
	}
	var p PaymentPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, &ProtocolViolation{Message: "invalid payment payload", Err: err}
	}
	return &p, nil
}

// EncodeHeader renders a payment payload as an x-payment header value.
func EncodeHeader(p *PaymentPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// EncodePaymentResponse renders the X-Payment-Response header value.
func EncodePaymentResponse(r PaymentResponse) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty header")
	}
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
