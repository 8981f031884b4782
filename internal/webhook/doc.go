// Package webhook serves the gateway's inbound webhook endpoints.
//
// Every endpoint starts a workflow job on acceptance. There are two kinds:
//
//   - signed: the JSON body carries a base64 Ed25519 "signature" over the
//     canonical encoding of the rest of the body. Accepted requests get
//     202 {"job_id": ...}.
//   - x402: the request must carry an X-Payment header. The payment gate
//     verifies and settles it with the backend before the job is enqueued,
//     and the response follows the endpoint's response options.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  public_base_url: https://hooks.example.com
//	  endpoints:
//	    - name: premium
//	      path: /webhook/premium
//	      kind: x402
//	      workflow: premium-report
//	      tokens:
//	        - payment_token: base-sepolia:0x036CbD53842c5426634e7929541eC2318f3dCF7e
//	          pay_to_address: 0x...
//	          payment_amount: "10000"
//	    - name: callbacks
//	      path: /webhook/callbacks
//	      kind: signed
//	      workflow: on-transaction
//	      public_key: ${CALLBACK_PUBLIC_KEY}
//
// # Error Responses
//
//   - 402 Payment Required: missing or rejected payment, with the accepted
//     payment requirements
//   - 403 Forbidden: invalid signature, or caller not on the IP allowlist
//   - 404 Not Found: unknown webhook path
//   - 405 Method Not Allowed: method not configured for the endpoint
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: configuration error or job enqueue failure
//   - 502 Bad Gateway: payment backend unavailable
package webhook
