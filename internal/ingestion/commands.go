package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CauldronLedger/internal/core"
	"CauldronLedger/internal/ledger"
	"CauldronLedger/internal/market"
)

// Command is the wire shape accepted on cauldron.ledger.commands.{op}.
// Fields are a union across operations; each op reads the subset it
// needs and ignores the rest. Identity fields are UUID strings, assets
// are symbols ("MIM", "SOL").
type Command struct {
	Op string `json:"op"`

	Asset           string `json:"asset,omitempty"`
	CollateralAsset string `json:"collateral_asset,omitempty"`
	Market          string `json:"market,omitempty"`

	Caller     string `json:"caller,omitempty"`
	Signer     string `json:"signer,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	User       string `json:"user,omitempty"`
	Payer      string `json:"payer,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Contract   string `json:"contract,omitempty"`
	Borrower   string `json:"borrower,omitempty"`
	Liquidator string `json:"liquidator,omitempty"`

	VaultID      string `json:"vault_id,omitempty"`
	VaultProgram string `json:"vault_program,omitempty"`

	Amount      uint64 `json:"amount,omitempty"`
	Share       uint64 `json:"share,omitempty"`
	Part        uint64 `json:"part,omitempty"`
	Rate        uint64 `json:"rate,omitempty"`
	Skim        bool   `json:"skim,omitempty"`
	Approved    bool   `json:"approved,omitempty"`
	Whitelisted bool   `json:"whitelisted,omitempty"`
	Rebalance   bool   `json:"rebalance,omitempty"`
}

// CommandConsumer drives the engine from JetStream. Commands are acked
// after processing regardless of outcome: an engine rejection is a
// final verdict, not a transient failure, so redelivery would only
// repeat it.
type CommandConsumer struct {
	js     jetstream.JetStream
	engine *core.Engine
	cc     jetstream.ConsumeContext
	log    zerolog.Logger
}

func NewCommandConsumer(js jetstream.JetStream, engine *core.Engine, log zerolog.Logger) *CommandConsumer {
	return &CommandConsumer{js: js, engine: engine, log: log}
}

// EnsureCommandStream creates or updates the inbound command stream.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CAULDRON_LEDGER_COMMANDS",
		Subjects:  []string{"cauldron.ledger.commands.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create command stream: %w", err)
	}
	return nil
}

// Subscribe starts the durable consumer. Processing is single-threaded
// through the engine mutex anyway, so one consume loop is enough.
func (c *CommandConsumer) Subscribe(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, "CAULDRON_LEDGER_COMMANDS", jetstream.ConsumerConfig{
		Durable:       "cauldron-ledger",
		FilterSubject: "cauldron.ledger.commands.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create command consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var cmd Command
		if err := json.Unmarshal(msg.Data(), &cmd); err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("bad command payload")
			msg.Ack()
			return
		}

		if err := c.dispatch(context.Background(), cmd); err != nil {
			c.log.Warn().Err(err).Str("op", cmd.Op).Msg("command rejected")
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume commands: %w", err)
	}

	c.cc = cc
	c.log.Info().Msg("command consumer subscribed")
	return nil
}

// Stop drains the consume loop.
func (c *CommandConsumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

func (c *CommandConsumer) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case "vault.deposit":
		asset, err := assetOf(cmd.Asset)
		if err != nil {
			return err
		}
		caller, from, to, err := parseIDs(cmd.Caller, cmd.From, cmd.To)
		if err != nil {
			return err
		}
		_, _, err = c.engine.Deposit(caller, asset, from, to, cmd.Amount, cmd.Share, nil)
		return err

	case "vault.withdraw":
		asset, err := assetOf(cmd.Asset)
		if err != nil {
			return err
		}
		caller, from, to, err := parseIDs(cmd.Caller, cmd.From, cmd.To)
		if err != nil {
			return err
		}
		_, _, err = c.engine.Withdraw(caller, asset, from, to, cmd.Amount, cmd.Share, nil)
		return err

	case "vault.transfer":
		asset, err := assetOf(cmd.Asset)
		if err != nil {
			return err
		}
		caller, from, to, err := parseIDs(cmd.Caller, cmd.From, cmd.To)
		if err != nil {
			return err
		}
		return c.engine.Transfer(caller, asset, from, to, cmd.Share, nil)

	case "vault.harvest":
		asset, err := assetOf(cmd.Asset)
		if err != nil {
			return err
		}
		return c.engine.Harvest(asset, cmd.Rebalance, cmd.Amount)

	case "vault.strategy_exit":
		asset, err := assetOf(cmd.Asset)
		if err != nil {
			return err
		}
		signer, err := uuid.Parse(cmd.Signer)
		if err != nil {
			return fmt.Errorf("signer: %w", err)
		}
		return c.engine.StrategyExit(signer, asset)

	case "market.add_collateral":
		marketID, user, to, err := parseIDs(cmd.Market, cmd.User, cmd.To)
		if err != nil {
			return err
		}
		return c.engine.AddCollateral(marketID, user, to, cmd.Share, cmd.Skim)

	case "market.remove_collateral":
		marketID, user, to, err := parseIDs(cmd.Market, cmd.User, cmd.To)
		if err != nil {
			return err
		}
		refs, err := referencesFor(cmd)
		if err != nil {
			return err
		}
		return c.engine.RemoveCollateral(ctx, marketID, user, to, cmd.Share, refs)

	case "market.borrow":
		marketID, user, to, err := parseIDs(cmd.Market, cmd.User, cmd.To)
		if err != nil {
			return err
		}
		_, _, err = c.engine.Borrow(ctx, marketID, user, to, cmd.Amount)
		return err

	case "market.repay":
		marketID, payer, user, err := parseIDs(cmd.Market, cmd.Payer, cmd.User)
		if err != nil {
			return err
		}
		_, err = c.engine.Repay(marketID, payer, user, cmd.Part, cmd.Skim)
		return err

	case "market.accrue":
		marketID, err := uuid.Parse(cmd.Market)
		if err != nil {
			return fmt.Errorf("market: %w", err)
		}
		return c.engine.Accrue(marketID)

	case "market.change_interest_rate":
		marketID, signer, err := parseTwo(cmd.Market, cmd.Signer)
		if err != nil {
			return err
		}
		return c.engine.ChangeInterestRate(marketID, signer, cmd.Rate)

	case "market.withdraw_fees":
		marketID, to, err := parseTwo(cmd.Market, cmd.To)
		if err != nil {
			return err
		}
		_, err = c.engine.WithdrawFees(marketID, to)
		return err

	case "liquidation.begin":
		marketID, liquidator, borrower, err := parseIDs(cmd.Market, cmd.Liquidator, cmd.Borrower)
		if err != nil {
			return err
		}
		_, err = c.engine.BeginLiquidate(ctx, marketID, liquidator, borrower, cmd.Part)
		return err

	case "liquidation.swap":
		marketID, liquidator, caller, err := parseIDs(cmd.Market, cmd.Liquidator, cmd.Caller)
		if err != nil {
			return err
		}
		return c.engine.LiquidateSwap(ctx, marketID, liquidator, caller)

	case "liquidation.complete":
		marketID, liquidator, caller, err := parseIDs(cmd.Market, cmd.Liquidator, cmd.Caller)
		if err != nil {
			return err
		}
		_, err = c.engine.CompleteLiquidate(ctx, marketID, liquidator, caller)
		return err

	case "liquidation.direct":
		marketID, caller, borrower, err := parseIDs(cmd.Market, cmd.Caller, cmd.Borrower)
		if err != nil {
			return err
		}
		_, err = c.engine.Liquidate(ctx, marketID, caller, borrower, cmd.Part)
		return err

	case "auth.whitelist":
		signer, contract, err := parseTwo(cmd.Signer, cmd.Contract)
		if err != nil {
			return err
		}
		return c.engine.Gate().Whitelist(signer, contract, cmd.Whitelisted)

	case "auth.approve":
		signer, owner, contract, err := parseIDs(cmd.Signer, cmd.Owner, cmd.Contract)
		if err != nil {
			return err
		}
		return c.engine.Gate().SetApproval(signer, owner, contract, cmd.Approved)

	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

// referencesFor rebuilds the account references exactly as the caller
// supplied them. The market validates every field against its own
// configuration, so a substituted collateral asset, vault, or program
// rejects the command the same way the original transaction would fail.
func referencesFor(cmd Command) (market.References, error) {
	collateral, err := assetOf(cmd.CollateralAsset)
	if err != nil {
		return market.References{}, fmt.Errorf("collateral_asset: %w", err)
	}
	vaultID, err := uuid.Parse(cmd.VaultID)
	if err != nil {
		return market.References{}, fmt.Errorf("vault_id: %w", err)
	}
	vaultProgram, err := uuid.Parse(cmd.VaultProgram)
	if err != nil {
		return market.References{}, fmt.Errorf("vault_program: %w", err)
	}
	return market.References{
		CollateralAsset: collateral,
		VaultID:         vaultID,
		VaultProgram:    vaultProgram,
	}, nil
}

func assetOf(symbol string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", symbol)
	}
	return id, nil
}

func parseTwo(a, b string) (uuid.UUID, uuid.UUID, error) {
	ua, err := uuid.Parse(a)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	ub, err := uuid.Parse(b)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return ua, ub, nil
}

func parseIDs(a, b, c string) (uuid.UUID, uuid.UUID, uuid.UUID, error) {
	ua, ub, err := parseTwo(a, b)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	uc, err := uuid.Parse(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	return ua, ub, uc, nil
}
