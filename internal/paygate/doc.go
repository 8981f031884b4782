// Package paygate is the x402 payment engine behind paid webhooks.
//
// A request moves through a fixed sequence: the endpoint's payment
// requirements are built from configuration and the backend's supported-token
// registry, the x-payment header is decoded and checked for shape and
// semantics, and the Coordinator has the backend verify and then settle the
// payment. Every rejection is a 402 carrying the requirements the client can
// pay with; see WriteChallenge.
//
// Settlement is never abandoned once issued. A settlement whose result is
// lost in transport is treated as a success with transaction hash "TBD" and
// recorded as unresolved in the settlement ledger.
package paygate
