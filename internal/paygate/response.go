package paygate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattjoyce/paygate/internal/x402"
)

// Response modes.
const (
	ModeOnReceived = "onReceived"
	ModeStreaming  = "streaming"
)

// Response data options for buffered responses. Any other value is written
// as the literal body.
const (
	DataNone           = "noData"
	DataFirstEntryJSON = "firstEntryJson"
)

const (
	refundContactRel = "https://x402refunds.com/rel/refund-contact"
	refundRequestURL = "https://api.x402refunds.com/v1/refunds"
	refundRequestRel = "https://x402refunds.com/rel/refund-request"
)

// ResponseOptions shape the success response of a paid endpoint.
type ResponseOptions struct {
	Mode                string
	Code                int
	Data                string
	Headers             map[string]string
	RefundsContactEmail string
}

// Item is the workflow item produced by an accepted paid request. It is the
// job payload and, with DataFirstEntryJSON, the response body.
type Item struct {
	Headers             map[string]string         `json:"headers"`
	Params              map[string]string         `json:"params"`
	Query               map[string]any            `json:"query"`
	Body                json.RawMessage           `json:"body"`
	TxHash              string                    `json:"txHash"`
	PaymentRequirements []x402.PaymentRequirement `json:"paymentRequirements"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	WebhookURL          string                    `json:"webhookUrl"`
	ExecutionMode       string                    `json:"executionMode"`
	JobID               string                    `json:"job_id,omitempty"`
}

// WriteChallenge writes a 402 response advertising reqs.
func WriteChallenge(w http.ResponseWriter, message string, reqs []x402.PaymentRequirement) {
	if reqs == nil {
		reqs = []x402.PaymentRequirement{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(x402.ErrorResponse{
		X402Version: x402.Version,
		Error:       message,
		Accepts:     reqs,
	})
}

// RefundLink is the Link header value advertising refund contacts, or "" when
// email is empty.
func RefundLink(email string) string {
	if email == "" {
		return ""
	}
	return fmt.Sprintf(`<mailto:%s>; rel="%s", <%s>; rel="%s"; type="application/json"`,
		email, refundContactRel, refundRequestURL, refundRequestRel)
}

// ResponseHeaders merges the configured headers with the refund Link. An
// existing Link header, matched case-insensitively, gets the refund links
// appended.
func ResponseHeaders(configured map[string]string, refundsEmail string) http.Header {
	h := make(http.Header, len(configured)+1)
	for k, v := range configured {
		h.Set(k, v)
	}
	link := RefundLink(refundsEmail)
	if link == "" {
		return h
	}
	if existing := h.Get("Link"); existing != "" {
		h.Set("Link", existing+", "+link)
	} else {
		h.Set("Link", link)
	}
	return h
}

// WriteSuccess writes the response for an accepted payment.
func WriteSuccess(w http.ResponseWriter, opts ResponseOptions, item Item, out Outcome) error {
	if v, err := x402.EncodePaymentResponse(out.PaymentResponse()); err == nil {
		w.Header().Set(x402.HeaderPaymentResponse, v)
	}
	for k, vals := range ResponseHeaders(opts.Headers, opts.RefundsContactEmail) {
		w.Header()[k] = vals
	}

	if opts.Mode == ModeStreaming {
		return writeStream(w, item)
	}

	code := opts.Code
	if code == 0 {
		code = http.StatusOK
	}

	switch data := opts.Data; data {
	case DataNone:
		w.WriteHeader(code)
		return nil
	case "", DataFirstEntryJSON:
		b, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal workflow item: %w", err)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(code)
		_, err = w.Write(b)
		return err
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(code)
		_, err := w.Write([]byte(data))
		return err
	}
}

type streamChunk struct {
	JobID  string `json:"job_id"`
	TxHash string `json:"txHash"`
}

// writeStream opens a chunked response, flushes the headers straight away and
// emits one NDJSON line for the accepted job.
func writeStream(w http.ResponseWriter, item Item) error {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush stream headers: %w", err)
	}

	b, err := json.Marshal(streamChunk{JobID: item.JobID, TxHash: item.TxHash})
	if err != nil {
		return fmt.Errorf("marshal stream chunk: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	_ = rc.Flush()
	return nil
}
