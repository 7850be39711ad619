package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "eip155"
	ChainSolana ChainFamily = "solana"
)

// Network identifies a chain by family and chain reference. The string form is
// CAIP-2, e.g. "eip155:84532" or "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1".
type Network struct {
	Family    ChainFamily
	Reference string
}

var (
	// EVM Networks
	NetworkBase          = Network{ChainEVM, "8453"}
	NetworkBaseSepolia   = Network{ChainEVM, "84532"} // testnet
	NetworkPolygon       = Network{ChainEVM, "137"}
	NetworkPolygonAmoy   = Network{ChainEVM, "80002"} // testnet
	NetworkAvalanche     = Network{ChainEVM, "43114"}
	NetworkAvalancheFuji = Network{ChainEVM, "43113"} // testnet

	// Solana Networks
	NetworkSolanaMainnet = Network{ChainSolana, "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"}
	NetworkSolanaDevnet  = Network{ChainSolana, "EtWTRABZaYq6iMfeYKouRu166VU2xqa1"} // testnet
)

// legacyNames maps networks to the names used by protocol version 1.
var legacyNames = map[Network]string{
	NetworkBase:          "base",
	NetworkBaseSepolia:   "base-sepolia",
	NetworkPolygon:       "polygon",
	NetworkPolygonAmoy:   "polygon-amoy",
	NetworkAvalanche:     "avalanche",
	NetworkAvalancheFuji: "avalanche-fuji",
	NetworkSolanaMainnet: "solana",
	NetworkSolanaDevnet:  "solana-devnet",
}

var testnets = map[Network]bool{
	NetworkBaseSepolia:   true,
	NetworkPolygonAmoy:   true,
	NetworkAvalancheFuji: true,
	NetworkSolanaDevnet:  true,
}

// KnownNetworks returns every network with a built-in legacy name.
func KnownNetworks() []Network {
	return []Network{
		NetworkBase, NetworkBaseSepolia,
		NetworkPolygon, NetworkPolygonAmoy,
		NetworkAvalanche, NetworkAvalancheFuji,
		NetworkSolanaMainnet, NetworkSolanaDevnet,
	}
}

// ParseNetwork accepts either a CAIP-2 identifier or a known v1 network name.
func ParseNetwork(s string) (Network, error) {
	s = strings.TrimSpace(s)
	for n, name := range legacyNames {
		if name == s {
			return n, nil
		}
	}

	family, ref, ok := strings.Cut(s, ":")
	if !ok || ref == "" {
		return Network{}, &X402Error{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %q", s),
		}
	}

	switch ChainFamily(family) {
	case ChainEVM:
		if _, ok := new(big.Int).SetString(ref, 10); !ok {
			return Network{}, &X402Error{
				Code:    ErrCodeUnsupportedNetwork,
				Message: fmt.Sprintf("invalid eip155 chain id: %q", ref),
			}
		}
	case ChainSolana:
	default:
		return Network{}, &X402Error{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported chain family: %q", family),
		}
	}

	return Network{Family: ChainFamily(family), Reference: ref}, nil
}

// MustParseNetwork is ParseNetwork for static configuration; it panics on error.
func MustParseNetwork(s string) Network {
	n, err := ParseNetwork(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Network) String() string {
	return string(n.Family) + ":" + n.Reference
}

// WireName returns the network identifier used on the wire for a protocol
// version: the legacy name for version 1 when one exists, CAIP-2 otherwise.
func (n Network) WireName(version int) string {
	if version == 1 {
		if name, ok := legacyNames[n]; ok {
			return name
		}
	}
	return n.String()
}

func (n Network) IsZero() bool { return n.Family == "" && n.Reference == "" }

func (n Network) IsEVM() bool { return n.Family == ChainEVM }

func (n Network) IsSolana() bool { return n.Family == ChainSolana }

func (n Network) IsTestnet() bool { return testnets[n] }

// ChainID returns the EIP-155 chain id. It is nil for non-EVM networks.
func (n Network) ChainID() *big.Int {
	if !n.IsEVM() {
		return nil
	}
	id, ok := new(big.Int).SetString(n.Reference, 10)
	if !ok {
		return nil
	}
	return id
}

// ValidateAddress checks that addr is well-formed for the network's family.
func (n Network) ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch n.Family {
	case ChainEVM:
		if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
			return fmt.Errorf("invalid EVM address: %q", addr)
		}
	case ChainSolana:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return fmt.Errorf("invalid Solana address %q: %w", addr, err)
		}
	default:
		return fmt.Errorf("unsupported network for address validation: %s", n)
	}

	return nil
}

// SameAddress compares two addresses using the family's equality rules.
func (n Network) SameAddress(a, b string) bool {
	if n.IsEVM() {
		return strings.EqualFold(a, b)
	}
	return a == b
}
