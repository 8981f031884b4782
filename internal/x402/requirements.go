package x402

import "strings"

// ParseTokenID splits a "<network>:<contractAddress>" token id at its first
// colon.
func ParseTokenID(id string) (network, contractAddress string, err error) {
	network, contractAddress, ok := strings.Cut(id, ":")
	if !ok || network == "" || contractAddress == "" {
		return "", "", configErrorf("Payment token %q is not of the form <network>:<contractAddress>", id)
	}
	return network, contractAddress, nil
}

// CheckDuplicateNetworks fails when two configured tokens share a network.
// Payment matching is by network, so a duplicate would make the match
// ambiguous.
func CheckDuplicateNetworks(tokens []ConfiguredToken) error {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		network, _, err := ParseTokenID(t.PaymentToken)
		if err != nil {
			return err
		}
		if _, dup := seen[network]; dup {
			return configErrorf("Network %s has multiple configured tokens. Only one token per network is supported", network)
		}
		seen[network] = struct{}{}
	}
	return nil
}

// BuildRequirements turns the configured tokens into payment requirements,
// in configuration order, using registry to fill in scheme and token domain
// data. res.Description and res.MimeType fall back to the defaults when empty.
func BuildRequirements(tokens []ConfiguredToken, registry *SupportedResponse, res Resource) ([]PaymentRequirement, error) {
	if err := CheckDuplicateNetworks(tokens); err != nil {
		return nil, err
	}

	description := res.Description
	if description == "" {
		description = DefaultDescription
	}
	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	reqs := make([]PaymentRequirement, 0, len(tokens))
	for _, t := range tokens {
		network, contract, err := ParseTokenID(t.PaymentToken)
		if err != nil {
			return nil, err
		}

		kind, ok := registry.Kind(network)
		if !ok {
			return nil, configErrorf("Supported network %s not found", network)
		}
		token, ok := kind.Token(contract)
		if !ok {
			return nil, configErrorf("Supported token %s not found", t.PaymentToken)
		}

		reqs = append(reqs, PaymentRequirement{
			Scheme:            kind.Scheme,
			Network:           kind.Network,
			MaxAmountRequired: t.PaymentAmount,
			Resource:          res.URL,
			Description:       description,
			MimeType:          mimeType,
			OutputSchema:      res.OutputSchema,
			PayTo:             t.PayToAddress,
			MaxTimeoutSeconds: MaxTimeoutSeconds,
			Asset:             token.ContractAddress,
			Extra: Extra{
				Name:    token.Name,
				Version: token.Version,
			},
		})
	}
	return reqs, nil
}
