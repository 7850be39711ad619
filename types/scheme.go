package types

// SchemeKey is the sole identity used for scheme registry lookup. Network is
// the wire name of the network for the given version.
type SchemeKey struct {
	Network string `json:"network"`
	Scheme  string `json:"scheme"`
	Version int    `json:"x402Version"`
}

// NewSchemeKey builds the key for a network, scheme and protocol version.
func NewSchemeKey(network Network, scheme string, version int) SchemeKey {
	return SchemeKey{Network: network.WireName(version), Scheme: scheme, Version: version}
}
