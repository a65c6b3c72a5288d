// Package solrescue drains a compromised Solana wallet: a pre-sweep of
// excess lamports, multiple passes over SPL token accounts, then a final
// sweep of whatever is left. The compromised wallet pays its own fees out of
// the lamports deliberately retained by the pre-sweep.
package solrescue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/rs/zerolog"

	"github.com/dmtrko/chain-rescue/internal/fees"
)

const (
	// lamports kept on the wallet by the pre-sweep to pay token-rescue fees
	retentionLamports = 10_000_000
	// head-room subtracted on top of the retention so the sweep itself
	// never fails on fee drift
	safetyBuffer = 500_000

	// simulation retry: shave this much off the amount per attempt
	stepDecrement  = 100_000
	maxSimAttempts = 5

	// token passes stop earlier when a full pass makes no progress
	maxTokenPasses = 4

	tokenAccountSize = 165
	rescueComputeCap = 200_000
)

// ErrAbandoned marks a transfer that still failed simulation after the
// amount was stepped down the maximum number of times.
var ErrAbandoned = errors.New("abandoned after repeated simulation failures")

// Summary is the terminal report of one wallet rescue.
type Summary struct {
	PreSwept        uint64
	TokensRescued   int
	AccountsClosed  int
	TokensPostponed int
	FinalSwept      uint64
	Signatures      []solana.Signature
}

// Rescuer drains compromised wallets through a single RPC client.
type Rescuer struct {
	c   Client
	log zerolog.Logger
}

func NewRescuer(c Client, log zerolog.Logger) *Rescuer {
	return &Rescuer{c: c, log: log.With().Str("component", "solrescue").Logger()}
}

// Rescue runs the full drain. It returns a summary of everything moved plus
// the first hard error; partial progress is kept, never rolled back.
func (r *Rescuer) Rescue(ctx context.Context, compromised solana.PrivateKey, dest solana.PublicKey) (Summary, error) {
	var sum Summary
	wallet := compromised.PublicKey()
	log := r.log.With().Str("wallet", wallet.String()).Logger()

	rate, err := r.priorityRate(ctx, wallet, dest)
	if err != nil {
		log.Warn().Err(err).Msg("priority fee probe failed, sending without priority budget")
		rate = 0
	}

	swept, sig, err := r.preSweep(ctx, compromised, dest, rate)
	if err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log.Warn().Err(err).Msg("pre-sweep failed, continuing with token rescue")
	} else if swept > 0 {
		sum.PreSwept = swept
		sum.Signatures = append(sum.Signatures, sig)
		log.Info().Uint64("lamports", swept).Msg("pre-sweep done")
	}

	if err := r.rescueTokens(ctx, compromised, dest, rate, &sum); err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log.Warn().Err(err).Msg("token rescue incomplete")
	}

	swept, sig, err = r.finalSweep(ctx, compromised, dest, rate)
	if err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log.Warn().Err(err).Msg("final sweep failed")
	} else if swept > 0 {
		sum.FinalSwept = swept
		sum.Signatures = append(sum.Signatures, sig)
	}

	log.Info().
		Uint64("preSwept", sum.PreSwept).
		Int("tokens", sum.TokensRescued).
		Int("closed", sum.AccountsClosed).
		Uint64("finalSwept", sum.FinalSwept).
		Msg("rescue complete")
	return sum, nil
}

// priorityRate derives a per-compute-unit price from the fee of a plain
// transfer, so the rescue outbids the fee floor without overpaying.
func (r *Rescuer) priorityRate(ctx context.Context, wallet, dest solana.PublicKey) (uint64, error) {
	blockhash, err := r.c.LatestBlockhash(ctx)
	if err != nil {
		return 0, err
	}
	probe, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, wallet, dest).Build()},
		blockhash,
		solana.TransactionPayer(wallet),
	)
	if err != nil {
		return 0, err
	}
	baseline, err := r.c.FeeForMessage(ctx, &probe.Message)
	if err != nil {
		return 0, err
	}
	return fees.PriorityFeeRate(baseline, rescueComputeCap), nil
}

// preSweep moves everything above the retention floor to the destination
// before any slower token work gives a sweeper bot time to react. The
// amount is balance minus retention, minus the fee of the sweep itself,
// minus the safety buffer.
func (r *Rescuer) preSweep(ctx context.Context, compromised solana.PrivateKey, dest solana.PublicKey, rate uint64) (uint64, solana.Signature, error) {
	wallet := compromised.PublicKey()
	balance, err := r.c.Balance(ctx, wallet)
	if err != nil {
		return 0, solana.Signature{}, err
	}
	fee, err := r.sweepFee(ctx, compromised, dest, rate)
	if err != nil {
		return 0, solana.Signature{}, err
	}
	if balance <= retentionLamports+fee+safetyBuffer {
		return 0, solana.Signature{}, nil
	}
	amount := balance - retentionLamports - fee - safetyBuffer

	return r.sendLamports(ctx, compromised, dest, amount, rate)
}

// finalSweep empties the wallet down to the fee of the sweep itself plus
// the safety buffer.
func (r *Rescuer) finalSweep(ctx context.Context, compromised solana.PrivateKey, dest solana.PublicKey, rate uint64) (uint64, solana.Signature, error) {
	wallet := compromised.PublicKey()
	balance, err := r.c.Balance(ctx, wallet)
	if err != nil {
		return 0, solana.Signature{}, err
	}
	fee, err := r.sweepFee(ctx, compromised, dest, rate)
	if err != nil {
		return 0, solana.Signature{}, err
	}
	if balance <= fee+safetyBuffer {
		return 0, solana.Signature{}, nil
	}
	return r.sendLamports(ctx, compromised, dest, balance-fee-safetyBuffer, rate)
}

// sweepFee estimates the fee of a sweep by pricing a one-lamport transfer
// with the same instruction shape; the amount does not change the fee.
func (r *Rescuer) sweepFee(ctx context.Context, from solana.PrivateKey, dest solana.PublicKey, rate uint64) (uint64, error) {
	tx, err := r.buildTx(ctx, from, rate,
		system.NewTransferInstruction(1, from.PublicKey(), dest).Build(),
	)
	if err != nil {
		return 0, err
	}
	return r.c.FeeForMessage(ctx, &tx.Message)
}

// sendLamports simulates before broadcasting and steps the amount down on
// each simulation failure. After maxSimAttempts the transfer is abandoned:
// a wallet that cannot pass simulation at a reduced amount has a problem a
// smaller number will not fix.
func (r *Rescuer) sendLamports(ctx context.Context, from solana.PrivateKey, dest solana.PublicKey, amount uint64, rate uint64) (uint64, solana.Signature, error) {
	wallet := from.PublicKey()

	for attempt := 0; attempt < maxSimAttempts; attempt++ {
		if ctx.Err() != nil {
			return 0, solana.Signature{}, ctx.Err()
		}
		if amount == 0 {
			return 0, solana.Signature{}, ErrAbandoned
		}
		tx, err := r.buildTx(ctx, from, rate,
			system.NewTransferInstruction(amount, wallet, dest).Build(),
		)
		if err != nil {
			return 0, solana.Signature{}, err
		}
		if err := r.c.Simulate(ctx, tx); err != nil {
			r.log.Debug().Int("attempt", attempt+1).Uint64("amount", amount).Err(err).Msg("sweep simulation failed, stepping down")
			if amount <= stepDecrement {
				amount = 0
			} else {
				amount -= stepDecrement
			}
			continue
		}
		sig, err := r.c.Send(ctx, tx)
		if err != nil {
			return 0, solana.Signature{}, err
		}
		return amount, sig, nil
	}
	return 0, solana.Signature{}, ErrAbandoned
}

// rescueTokens walks the wallet's SPL accounts in passes. An account is
// postponed when the wallet cannot yet pay the destination ATA's rent; each
// sweep or close frees lamports, so later passes may succeed. A pass that
// moves nothing ends the loop.
func (r *Rescuer) rescueTokens(ctx context.Context, compromised solana.PrivateKey, dest solana.PublicKey, rate uint64, sum *Summary) error {
	wallet := compromised.PublicKey()

	rent, err := r.c.RentExemptBalance(ctx, tokenAccountSize)
	if err != nil {
		return fmt.Errorf("rent exemption: %w", err)
	}

	done := map[solana.PublicKey]bool{}
	for pass := 0; pass < maxTokenPasses; pass++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		accounts, err := r.c.TokenAccounts(ctx, wallet)
		if err != nil {
			return fmt.Errorf("token accounts: %w", err)
		}

		progress := 0
		postponed := 0
		for _, acct := range accounts {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if done[acct.Address] || acct.Amount == 0 {
				continue
			}
			moved, err := r.rescueOneToken(ctx, compromised, dest, acct, rent, rate, sum)
			switch {
			case errors.Is(err, errPostponed):
				postponed++
			case err != nil:
				r.log.Warn().Str("mint", acct.Mint.String()).Err(err).Msg("token rescue failed")
				done[acct.Address] = true
			case moved:
				done[acct.Address] = true
				progress++
			}
		}
		sum.TokensPostponed = postponed
		if progress == 0 {
			break
		}
	}
	return nil
}

var errPostponed = errors.New("postponed: wallet cannot fund destination account yet")

// rescueOneToken moves one SPL balance and closes the source account to
// reclaim its rent. Creating the destination ATA is gated on the wallet
// holding rent plus fee head-room.
func (r *Rescuer) rescueOneToken(ctx context.Context, compromised solana.PrivateKey, dest solana.PublicKey, acct TokenAccount, rent, rate uint64, sum *Summary) (bool, error) {
	wallet := compromised.PublicKey()

	destATA, _, err := solana.FindAssociatedTokenAddress(dest, acct.Mint)
	if err != nil {
		return false, err
	}
	exists, err := r.c.AccountExists(ctx, destATA)
	if err != nil {
		return false, err
	}

	var instrs []solana.Instruction
	if !exists {
		balance, err := r.c.Balance(ctx, wallet)
		if err != nil {
			return false, err
		}
		if balance < rent+safetyBuffer {
			return false, errPostponed
		}
		instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(wallet, dest, acct.Mint).Build())
	}
	instrs = append(instrs,
		token.NewTransferInstruction(acct.Amount, acct.Address, destATA, wallet, nil).Build(),
		// closing reclaims the source account's rent into the wallet
		token.NewCloseAccountInstruction(acct.Address, wallet, wallet, nil).Build(),
	)

	tx, err := r.buildTx(ctx, compromised, rate, instrs...)
	if err != nil {
		return false, err
	}
	if err := r.c.Simulate(ctx, tx); err != nil {
		return false, err
	}
	sig, err := r.c.Send(ctx, tx)
	if err != nil {
		return false, err
	}

	sum.TokensRescued++
	sum.AccountsClosed++
	sum.Signatures = append(sum.Signatures, sig)
	r.log.Info().Str("mint", acct.Mint.String()).Uint64("amount", acct.Amount).Str("sig", sig.String()).Msg("token rescued")
	return true, nil
}

// buildTx assembles and signs one transaction paid by the compromised
// wallet, prepending the compute-unit price when a rate is set.
func (r *Rescuer) buildTx(ctx context.Context, signer solana.PrivateKey, rate uint64, instrs ...solana.Instruction) (*solana.Transaction, error) {
	blockhash, err := r.c.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	all := instrs
	if rate > 0 {
		all = append([]solana.Instruction{
			computebudget.NewSetComputeUnitPriceInstruction(rate).Build(),
		}, instrs...)
	}
	tx, err := solana.NewTransaction(all, blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, err
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}
