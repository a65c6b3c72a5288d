// rescuecli drives one-off rescues from the terminal without the daemon.
//
// Usage:
//
//	rescuecli once    -network bsc -dest 0x... [-rescuer-key]
//	rescuecli bundle  -network ethereum -token 0x... -amount 1000 -dest 0x...
//	rescuecli batch   -network ethereum -pairs pairs.csv
//	rescuecli solana  -dest <base58>
//
// Compromised keys are read from the terminal with echo off, never from argv.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/bundle"
	"github.com/dmtrko/chain-rescue/internal/chain"
	"github.com/dmtrko/chain-rescue/internal/config"
	"github.com/dmtrko/chain-rescue/internal/session"
	"github.com/dmtrko/chain-rescue/internal/solrescue"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	if len(os.Args) < 2 {
		die("usage: rescuecli <once|bundle|batch|solana> [flags]")
	}

	settings, err := config.Load()
	if err != nil {
		die("load settings: " + err.Error())
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	app, err := newApp(settings, logger)
	if err != nil {
		die(err.Error())
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "once":
		err = app.runOnce(ctx, os.Args[2:])
	case "bundle":
		err = app.runBundle(ctx, os.Args[2:])
	case "batch":
		err = app.runBatch(ctx, os.Args[2:])
	case "solana":
		err = app.runSolana(ctx, os.Args[2:])
	default:
		die("unknown command: " + os.Args[1])
	}
	if err != nil {
		die(err.Error())
	}
}

func (a *app) runOnce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("once", flag.ExitOnError)
	network := fs.String("network", "ethereum", "network to rescue on")
	dest := fs.String("dest", "", "destination address")
	withRescuer := fs.Bool("rescuer-key", false, "also read a rescuer key for pull-path transfers")
	fs.Parse(args)

	destAddr, err := requireAddress(*dest, "dest")
	if err != nil {
		return err
	}
	key, err := crypto.HexToECDSA(strip0x(readSecret("Compromised account private key: ")))
	if err != nil {
		return fmt.Errorf("invalid compromised key: %w", err)
	}
	p := session.OnceParams{
		Network:        chain.Network(strings.ToLower(*network)),
		Destination:    destAddr,
		CompromisedKey: key,
	}
	if *withRescuer {
		rk, err := crypto.HexToECDSA(strip0x(readSecret("Rescuer private key: ")))
		if err != nil {
			return fmt.Errorf("invalid rescuer key: %w", err)
		}
		p.RescuerKey = rk
	}

	fmt.Printf("account %s on %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex(), *network)
	res, err := a.sessions.RescueOnce(ctx, p)
	if err != nil {
		return err
	}
	printOnce(res)
	return nil
}

func (a *app) runBundle(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	network := fs.String("network", "ethereum", "network to rescue on")
	token := fs.String("token", "", "ERC-20 token address")
	amount := fs.String("amount", "", "raw token amount (wei units)")
	dest := fs.String("dest", "", "destination address")
	blocks := fs.Int("blocks", 0, "consecutive target blocks to attempt")
	fs.Parse(args)

	tokenAddr, err := requireAddress(*token, "token")
	if err != nil {
		return err
	}
	destAddr, err := requireAddress(*dest, "dest")
	if err != nil {
		return err
	}
	amt, ok := new(big.Int).SetString(strings.TrimSpace(*amount), 10)
	if !ok || amt.Sign() <= 0 {
		return fmt.Errorf("invalid -amount %q", *amount)
	}
	key, err := crypto.HexToECDSA(strip0x(readSecret("Compromised account private key: ")))
	if err != nil {
		return fmt.Errorf("invalid compromised key: %w", err)
	}
	sponsor, err := crypto.HexToECDSA(strip0x(readSecret("Sponsor private key: ")))
	if err != nil {
		return fmt.Errorf("invalid sponsor key: %w", err)
	}
	authKey, err := a.settings.FlashbotsAuthKey()
	if err != nil {
		return err
	}

	res, err := a.bundles.Run(ctx, bundle.Params{
		Network:        chain.Network(strings.ToLower(*network)),
		Token:          tokenAddr,
		Amount:         amt,
		To:             destAddr,
		CompromisedKey: key,
		SponsorKey:     sponsor,
		AuthKey:        authKey,
		RelayURL:       a.settings.FlashbotsRelayURL,
		Blocks:         *blocks,
	})
	if err != nil {
		return err
	}
	if res.Included {
		fmt.Printf("included: tx %s\n", res.TxHash.Hex())
	} else {
		fmt.Printf("not included: %s\n", res.Reason)
	}
	return nil
}

// runBatch rescues many compromised accounts in one sitting. The pairs file
// holds one "privateKeyHex,destinationAddress" pair per line; # starts a
// comment.
func (a *app) runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	network := fs.String("network", "ethereum", "network to rescue on")
	pairsPath := fs.String("pairs", "", "path to the pairs file")
	fs.Parse(args)

	if *pairsPath == "" {
		return fmt.Errorf("-pairs is required")
	}
	f, err := os.Open(*pairsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var done, failed int
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyHex, destHex, ok := strings.Cut(line, ",")
		if !ok {
			fmt.Printf("line %d: want key,destination\n", lineNo)
			failed++
			continue
		}
		key, err := crypto.HexToECDSA(strip0x(strings.TrimSpace(keyHex)))
		if err != nil {
			fmt.Printf("line %d: bad key: %v\n", lineNo, err)
			failed++
			continue
		}
		destAddr, err := requireAddress(strings.TrimSpace(destHex), "destination")
		if err != nil {
			fmt.Printf("line %d: %v\n", lineNo, err)
			failed++
			continue
		}

		fmt.Printf("[%d] %s\n", lineNo, crypto.PubkeyToAddress(key.PublicKey).Hex())
		res, err := a.sessions.RescueOnce(ctx, session.OnceParams{
			Network:        chain.Network(strings.ToLower(*network)),
			Destination:    destAddr,
			CompromisedKey: key,
		})
		if err != nil {
			fmt.Printf("    error: %v\n", err)
			failed++
			continue
		}
		printOnce(res)
		done++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Printf("batch finished: %d processed, %d rejected\n", done, failed)
	return nil
}

func (a *app) runSolana(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("solana", flag.ExitOnError)
	dest := fs.String("dest", "", "destination wallet (base58)")
	fs.Parse(args)

	destPub, err := solana.PublicKeyFromBase58(strings.TrimSpace(*dest))
	if err != nil {
		return fmt.Errorf("invalid -dest: %w", err)
	}
	key, err := solana.PrivateKeyFromBase58(readSecret("Compromised wallet private key (base58): "))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	client, err := solrescue.Dial(ctx, a.settings.SolanaEndpoints)
	if err != nil {
		return err
	}
	summary, err := solrescue.NewRescuer(client, a.log).Rescue(ctx, key, destPub)
	if err != nil {
		return err
	}
	fmt.Printf("pre-swept %d lamports, %d tokens rescued, %d accounts closed, %d postponed, final sweep %d lamports\n",
		summary.PreSwept, summary.TokensRescued, summary.AccountsClosed, summary.TokensPostponed, summary.FinalSwept)
	for _, sig := range summary.Signatures {
		fmt.Println("  sig:", sig.String())
	}
	return nil
}

func printOnce(res session.OnceResult) {
	fmt.Printf("    discovered %d, transferred %d, skipped %d, failed %d\n",
		res.Discovered, res.Transferred, res.Skipped, res.Failed)
	if res.Warning != "" {
		fmt.Println("    warning:", res.Warning)
	}
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("    %-9s %s %s", o.Status, o.Kind, o.Asset)
		if o.TxHash != "" {
			line += " tx " + o.TxHash
		}
		if o.Detail != "" {
			line += " (" + o.Detail + ")"
		}
		fmt.Println(line)
	}
}

func requireAddress(s, name string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid -%s %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func strip0x(s string) string { return strings.TrimPrefix(strings.TrimSpace(s), "0x") }

func die(message string) {
	fmt.Fprintln(os.Stderr, "Error:", message)
	os.Exit(1)
}
