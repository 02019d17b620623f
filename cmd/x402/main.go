// x402 - a wallet CLI that pays for HTTP 402 resources with Stellar
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"

	"github.com/FrankiePower/stellar-x402/internal/config"
	"github.com/FrankiePower/stellar-x402/internal/logger"
	"github.com/FrankiePower/stellar-x402/pkg/facilitator"
	"github.com/FrankiePower/stellar-x402/pkg/mcp"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

const usage = `Usage: x402 <command> [flags]

Commands:
  keygen                 Generate a new Stellar keypair
  address                Print the wallet address
  balance [asset]        Show the wallet balance (native or CODE:ISSUER)
  fund                   Fund the wallet with friendbot (testnet only)
  pay <url>              Request url, paying a 402 challenge if needed
  escrow <action> ...    Manage escrows on a facilitator
  mcp                    Serve the paying MCP tools over stdio or HTTP

Environment:
  STELLAR_SECRET, STELLAR_NETWORK, HORIZON_URL, MAX_AMOUNT
`

type wallet struct {
	cfg     *config.Wallet
	network stellar.NetworkConfig
	horizon *horizonclient.Client
	kp      *keypair.Full
	log     zerolog.Logger
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	if cmd == "keygen" {
		kp, err := stellar.GenerateKeypair()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Address: %s\nSecret:  %s\n", kp.Address(), kp.Seed())
		return nil
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}

	w, err := openWallet()
	if err != nil {
		return err
	}

	switch cmd {
	case "address":
		fmt.Fprintln(out, w.kp.Address())
		return nil
	case "balance":
		return w.balance(args, out)
	case "fund":
		return w.fund(ctx, out)
	case "pay":
		return w.pay(ctx, args, out)
	case "escrow":
		return w.escrow(ctx, args, out)
	case "mcp":
		return w.serveMCP(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openWallet() (*wallet, error) {
	cfg, err := config.LoadWallet()
	if err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, errors.New("STELLAR_SECRET is not set; run `x402 keygen` to create one")
	}
	kp, err := stellar.KeypairFromSecret(cfg.Secret)
	if err != nil {
		return nil, err
	}
	network, err := stellar.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	network = network.WithHorizonURL(cfg.HorizonURL)

	// Logs go to stderr so command output stays pipeable.
	base, err := logger.New(cfg.App.Env, cfg.App.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	return &wallet{
		cfg:     cfg,
		network: network,
		horizon: stellar.NewHorizonClient(network),
		kp:      kp,
		log:     logger.Component(base, "wallet"),
	}, nil
}

func (w *wallet) balance(args []string, out io.Writer) error {
	assetStr := x402.NativeAsset
	if len(args) > 0 {
		assetStr = args[0]
	}
	asset, err := stellar.ParseAsset(assetStr)
	if err != nil {
		return err
	}
	bal, err := stellar.GetBalance(w.horizon, w.kp.Address(), asset)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", bal, x402.AssetCode(assetStr))
	return nil
}

func (w *wallet) fund(ctx context.Context, out io.Writer) error {
	if err := stellar.FundTestnetAccount(ctx, w.network, w.kp.Address()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Funded %s on %s\n", w.kp.Address(), w.network.Name)
	return nil
}

func (w *wallet) pay(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	maxAmount := fs.String("max", w.cfg.MaxAmount, "Maximum base units to pay per request")
	timeout := fs.Duration("timeout", 90*time.Second, "Overall request timeout")
	verbose := fs.Bool("v", false, "Print response headers and settlement details")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: x402 pay [-max units] [-timeout d] [-v] <url>")
	}

	opts := []x402.ClientOption{x402.WithLogger(w.log)}
	if *maxAmount != "" {
		opts = append(opts, x402.WithMaxAmount(*maxAmount))
	}
	client := x402.NewClient(stellar.NewExactSigner(w.kp, w.horizon, w.network), opts...)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	resp, err := client.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if *verbose {
		fmt.Fprintf(os.Stderr, "%s %s\n", resp.Proto, resp.Status)
		for k, v := range resp.Header {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, strings.Join(v, ", "))
		}
		fmt.Fprintln(os.Stderr)
	}

	settlement, err := x402.SettlementFromResponse(resp)
	if err != nil {
		w.log.Warn().Err(err).Msg("undecodable settlement header")
	}
	if settlement != nil {
		w.log.Info().
			Str("tx", settlement.Transaction).
			Str("network", string(settlement.Network)).
			Str("payer", settlement.Payer).
			Bool("success", settlement.Success).
			Msg("payment settled")
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (w *wallet) escrow(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("escrow", flag.ContinueOnError)
	url := fs.String("facilitator", envOr("FACILITATOR_URL", "http://localhost:4020"), "Facilitator base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: x402 escrow [-facilitator url] open|get|find|deposit|pay|settle|payment|close ...")
	}

	ec := facilitator.NewClient(*url).Escrow(w.kp)
	action, rest := fs.Arg(0), fs.Args()[1:]

	var (
		result interface{}
		err    error
	)
	switch action {
	case "open":
		// open <server> <amount>
		if len(rest) != 2 {
			return errors.New("usage: x402 escrow open <server> <amount>")
		}
		var amount int64
		if amount, err = parseStroops(rest[1]); err == nil {
			result, err = ec.Open(ctx, rest[0], amount)
		}
	case "get":
		var id uint64
		if id, err = parseID(rest); err == nil {
			result, err = ec.Get(ctx, id)
		}
	case "find":
		// find <client> <server>
		if len(rest) != 2 {
			return errors.New("usage: x402 escrow find <client> <server>")
		}
		result, err = ec.Find(ctx, rest[0], rest[1])
	case "deposit", "pay":
		if len(rest) != 2 {
			return fmt.Errorf("usage: x402 escrow %s <escrow-id> <amount>", action)
		}
		id, perr := parseID(rest[:1])
		if perr != nil {
			return perr
		}
		amount, perr := parseStroops(rest[1])
		if perr != nil {
			return perr
		}
		if action == "deposit" {
			result, err = ec.Deposit(ctx, id, amount)
		} else {
			result, err = ec.CreatePayment(ctx, id, amount)
		}
	case "settle":
		var id uint64
		if id, err = parseID(rest); err == nil {
			result, err = ec.SettlePayment(ctx, id)
		}
	case "payment":
		var id uint64
		if id, err = parseID(rest); err == nil {
			result, err = ec.Payment(ctx, id)
		}
	case "close":
		var id uint64
		if id, err = parseID(rest); err == nil {
			result, err = ec.Close(ctx, id)
		}
	default:
		return fmt.Errorf("unknown escrow action %q", action)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%+v\n", result)
	return nil
}

func (w *wallet) serveMCP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	httpAddr := fs.String("http", "", "Serve HTTP on this address instead of stdio")
	budget := fs.String("budget", "0.1", "Default spending budget in XLM")
	if err := fs.Parse(args); err != nil {
		return err
	}
	units, err := parseStroops(*budget)
	if err != nil {
		return err
	}

	server := mcp.NewServer(mcp.ServerConfig{
		Signer:        stellar.NewExactSigner(w.kp, w.horizon, w.network),
		Network:       w.network.Name,
		DefaultBudget: units,
		Logger:        w.log.With().Str("component", "mcp").Logger(),
	})

	if *httpAddr != "" {
		w.log.Info().Str("addr", *httpAddr).Str("payer", w.kp.Address()).Msg("mcp server listening")
		return server.ListenHTTP(ctx, *httpAddr)
	}
	return server.ListenStdio(ctx)
}

func parseID(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a single id")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

// parseStroops accepts a decimal XLM amount ("1.5") or raw stroops ("15000000s").
func parseStroops(s string) (int64, error) {
	if raw := strings.TrimSuffix(s, "s"); raw != s {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		return v, nil
	}
	v, err := stellar.ToStroops(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
