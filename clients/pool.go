// Package clients caches chain RPC connections so every scheme handler for a
// network shares one client.
package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/awesome402/types"
)

// Pool hands out one RPC client per network, dialled on first use.
// It is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	endpoints map[types.Network]string
	evm       map[types.Network]*ethclient.Client
	svm       map[types.Network]*rpc.Client
	closed    bool
}

// DefaultEndpoints returns the public Solana endpoints. EVM networks have no
// default and must be configured.
func DefaultEndpoints() map[types.Network]string {
	return map[types.Network]string{
		types.NetworkSolanaMainnet: rpc.MainNetBeta_RPC,
		types.NetworkSolanaDevnet:  rpc.DevNet_RPC,
	}
}

// NewPool builds a pool over endpoints, which override DefaultEndpoints.
func NewPool(endpoints map[types.Network]string) *Pool {
	merged := DefaultEndpoints()
	for n, url := range endpoints {
		merged[n] = url
	}
	return &Pool{
		endpoints: merged,
		evm:       make(map[types.Network]*ethclient.Client),
		svm:       make(map[types.Network]*rpc.Client),
	}
}

func (p *Pool) endpoint(network types.Network) (string, error) {
	if p.closed {
		return "", fmt.Errorf("client pool is closed")
	}
	url, ok := p.endpoints[network]
	if !ok || url == "" {
		return "", types.ErrUnsupportedNetwork.WithMessage("no RPC endpoint configured for %s", network)
	}
	return url, nil
}

// Ethereum returns the cached client for an EIP-155 network.
func (p *Pool) Ethereum(ctx context.Context, network types.Network) (*ethclient.Client, error) {
	if !network.IsEVM() {
		return nil, types.ErrUnsupportedNetwork.WithMessage("%s is not an EVM network", network)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.evm[network]; ok {
		return c, nil
	}
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}

	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC for %s: %w", network, err)
	}
	p.evm[network] = c
	return c, nil
}

// Solana returns the cached client for a Solana network.
func (p *Pool) Solana(network types.Network) (*rpc.Client, error) {
	if !network.IsSolana() {
		return nil, types.ErrUnsupportedNetwork.WithMessage("%s is not a Solana network", network)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.svm[network]; ok {
		return c, nil
	}
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}

	c := rpc.New(url)
	p.svm[network] = c
	return c, nil
}

// Networks lists the networks with a configured endpoint.
func (p *Pool) Networks() []types.Network {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Network, 0, len(p.endpoints))
	for n := range p.endpoints {
		out = append(out, n)
	}
	return out
}

// Close releases every connection. Later lookups fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n, c := range p.evm {
		c.Close()
		delete(p.evm, n)
	}
	for n, c := range p.svm {
		_ = c.Close()
		delete(p.svm, n)
	}
	p.closed = true
	return nil
}
