// Package x402 holds the wire types and the pure validation steps of the
// x402 "exact" payment protocol as served by paygate.
//
// A paid request goes through these steps before any backend call:
//
//  1. BuildRequirements turns configured tokens into the accepts list
//  2. DecodeHeader decodes the base64 JSON x-payment header
//  3. ValidateShape checks every required field is present and typed
//  4. VerifyDetails matches network, amount, recipient and validity window
//
// Verification and settlement with the backend live in package paygate.
package x402
