package command

import (
	"fmt"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
)

type QuoteReader interface {
	Get(symbol string) (entity.Snapshot, bool)
}

// validate returns the snapshot the command will be filled against.
func (c *Channel) validate(cmd entity.TradeCommand) (entity.Snapshot, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Snapshot{}, err
	}

	symbol := entity.SymbolKey(cmd.Symbol)
	if active := entity.SymbolKey(c.cfg.ActiveSymbol); active != "" && symbol != active {
		return entity.Snapshot{}, fmt.Errorf("%w: symbol %s is not the active symbol %s", entity.ErrCommandRejected, symbol, active)
	}
	if cmd.Quantity > c.cfg.MaxQuantity {
		return entity.Snapshot{}, fmt.Errorf("%w: quantity %d exceeds maximum %d", entity.ErrCommandRejected, cmd.Quantity, c.cfg.MaxQuantity)
	}

	snapshot, ok := c.store.Get(symbol)
	if !ok {
		return entity.Snapshot{}, fmt.Errorf("%w: no market data for %s", entity.ErrCommandRejected, symbol)
	}
	if !snapshot.HasQuote() {
		return entity.Snapshot{}, fmt.Errorf("%w: bid/ask unavailable for %s", entity.ErrCommandRejected, symbol)
	}

	return snapshot, nil
}

// fillPrice is the ask for a market buy, the bid for a market sell and the
// limit price otherwise.
func fillPrice(cmd entity.TradeCommand, snapshot entity.Snapshot) decimal.Decimal {
	if cmd.OrderType == entity.OrderTypeLimit {
		return cmd.Price.Decimal
	}
	if cmd.Action == entity.OrderSideBuy {
		return snapshot.Ask.Decimal
	}
	return snapshot.Bid.Decimal
}
