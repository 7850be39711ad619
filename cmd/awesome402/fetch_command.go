package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/vitwit/awesome402/client"
	"github.com/vitwit/awesome402/clients"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/scheme/evm"
	"github.com/vitwit/awesome402/scheme/svm"
	"github.com/vitwit/awesome402/types"
)

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Request a resource, paying for it when the server answers 402",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Value:   http.MethodGet,
				Usage:   "HTTP method",
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Request body",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "Extra request header as 'Name: value' (repeatable)",
			},
			&cli.StringFlag{
				Name:    "evm-key",
				Usage:   "Hex private key paying on EVM networks",
				EnvVars: []string{"AWESOME402_EVM_KEY"},
			},
			&cli.StringFlag{
				Name:    "solana-key",
				Usage:   "Base58 private key paying on Solana",
				EnvVars: []string{"AWESOME402_SOLANA_KEY"},
			},
			&cli.StringFlag{
				Name:  "solana-network",
				Value: "solana-devnet",
				Usage: "Solana network the key pays on",
			},
			&cli.StringFlag{
				Name:    "solana-rpc",
				Usage:   "Solana RPC endpoint (defaults to the public one)",
				EnvVars: []string{"AWESOME402_SOLANA_RPC"},
			},
			&cli.StringFlag{
				Name:  "max-amount",
				Usage: "Refuse requirements above this amount in base units",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to a JSON response body",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 2 * time.Minute,
				Usage: "Overall request timeout, payment included",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log payment events to stderr",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("URL is required")
			}

			var code *gojq.Code
			if filter := c.String("jq"); filter != "" {
				var err error
				if code, err = compileJQ(filter); err != nil {
					return err
				}
			}

			endpoints := make(map[types.Network]string)
			if url := c.String("solana-rpc"); url != "" {
				n, err := types.ParseNetwork(c.String("solana-network"))
				if err != nil {
					return err
				}
				endpoints[n] = url
			}
			pool := clients.NewPool(endpoints)
			defer pool.Close()

			registry, err := buyerRegistry(c, pool)
			if err != nil {
				return err
			}

			opts := []client.Option{client.WithHTTPClient(&http.Client{Timeout: c.Duration("timeout")})}
			if limit := c.String("max-amount"); limit != "" {
				amount, ok := new(big.Int).SetString(limit, 10)
				if !ok || amount.Sign() <= 0 {
					return fmt.Errorf("invalid --max-amount %q", limit)
				}
				opts = append(opts, client.WithMaxAmount(amount))
			}
			if c.Bool("verbose") {
				zl, err := logger.NewZapLogger("debug", true)
				if err != nil {
					return err
				}
				defer zl.Sync() //nolint:errcheck
				opts = append(opts, client.WithLogger(zl), client.WithEventHandler(printEvent(c.App.ErrWriter)))
			}

			buyer, err := client.New(registry, opts...)
			if err != nil {
				return err
			}

			req, err := newFetchRequest(c)
			if err != nil {
				return err
			}

			resp, err := buyer.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if settlement, err := client.SettlementFromResponse(resp); err == nil {
				fmt.Fprintf(c.App.ErrWriter, "paid: transaction %s on %s (payer %s)\n",
					settlement.Transaction, settlement.Network, settlement.Payer)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode >= 400 {
				c.App.Writer.Write(body) //nolint:errcheck
				return cli.Exit(fmt.Sprintf("request failed with status %d", resp.StatusCode), 1)
			}

			if code == nil {
				_, err = c.App.Writer.Write(body)
				return err
			}
			return runJQ(code, body, c.App.Writer)
		},
	}
}

// buyerRegistry registers exact clients for every key given on the command
// line: all known EVM networks for --evm-key, one Solana network for
// --solana-key.
func buyerRegistry(c *cli.Context, pool *clients.Pool) (*scheme.Registry[scheme.Client], error) {
	var handlers []scheme.Client

	if key := c.String("evm-key"); key != "" {
		signer, err := evm.NewPrivateKeySignerFromHex(key)
		if err != nil {
			return nil, err
		}
		var networks []types.Network
		for _, n := range types.KnownNetworks() {
			if n.IsEVM() {
				networks = append(networks, n)
			}
		}
		handlers = append(handlers, evm.ExactClients(signer, networks...)...)
	}

	if key := c.String("solana-key"); key != "" {
		signer, err := svm.NewPrivateKeySignerFromBase58(key)
		if err != nil {
			return nil, err
		}
		network, err := types.ParseNetwork(c.String("solana-network"))
		if err != nil {
			return nil, err
		}
		rpcClient, err := pool.Solana(network)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, svm.ExactClients(signer, rpcClient, network)...)
	}

	if len(handlers) == 0 {
		return nil, fmt.Errorf("a paying key is required: set --evm-key or --solana-key")
	}
	return scheme.NewRegistry(handlers...)
}

func newFetchRequest(c *cli.Context) (*http.Request, error) {
	var body io.Reader
	if data := c.String("data"); data != "" {
		body = strings.NewReader(data)
	}

	req, err := http.NewRequestWithContext(c.Context, strings.ToUpper(c.String("method")), c.Args().Get(0), body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for _, h := range c.StringSlice("header") {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// runJQ writes every result of code over the JSON body, one per line.
func runJQ(code *gojq.Code, body []byte, w io.Writer) error {
	var input interface{}
	if err := json.Unmarshal(body, &input); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}

	enc := json.NewEncoder(w)
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
}

func printEvent(w io.Writer) client.EventHandler {
	return func(e client.Event) {
		line := fmt.Sprintf("%s %s %s", e.Type, e.Method, e.URL)
		if e.Requirement != nil {
			line += fmt.Sprintf(" amount=%s network=%s", e.Requirement.MaxAmountRequired, e.Requirement.Network)
		}
		if e.Err != nil {
			line += fmt.Sprintf(" error=%q", e.Err.Error())
		}
		fmt.Fprintln(w, line)
	}
}
