package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type OrderType string
type OrderSide string
type TradeStatus string
type CommandSource string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"

	TradeStatusFilled   TradeStatus = "FILLED"
	TradeStatusRejected TradeStatus = "REJECTED"

	CommandSourceFile CommandSource = "file"
	CommandSourceHTTP CommandSource = "http"
	CommandSourceNats CommandSource = "nats"
)

// UnknownCommandID answers a command whose id could not be parsed.
const UnknownCommandID = "unknown"

type TradeCommand struct {
	CommandID string              `json:"command_id"`
	Action    OrderSide           `json:"action"`
	Symbol    string              `json:"symbol"`
	Quantity  int64               `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	OrderType OrderType           `json:"order_type"`
	Source    CommandSource       `json:"source,omitempty"`
}

// DecodeTradeCommand parses a command payload. When the payload is malformed
// but still carries a command_id, the returned command keeps that id so the
// caller can answer it instead of the sentinel.
func DecodeTradeCommand(data []byte) (TradeCommand, error) {
	var cmd TradeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		var idOnly struct {
			CommandID string `json:"command_id"`
		}
		_ = json.Unmarshal(data, &idOnly)
		return TradeCommand{CommandID: strings.TrimSpace(idOnly.CommandID)}, fmt.Errorf("%w: invalid command format: %v", ErrCommandRejected, err)
	}

	cmd.Normalize()
	return cmd, nil
}

func (c *TradeCommand) Normalize() {
	c.CommandID = strings.TrimSpace(c.CommandID)
	c.Action = OrderSide(strings.ToUpper(strings.TrimSpace(string(c.Action))))
	c.Symbol = strings.TrimSpace(c.Symbol)
	c.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(c.OrderType))))
	if c.OrderType == "" {
		c.OrderType = OrderTypeMarket
	}
}

// Validate checks the invariants that hold regardless of market state.
func (c TradeCommand) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("%w: command_id is required", ErrCommandRejected)
	}
	switch c.Action {
	case OrderSideBuy, OrderSideSell:
	case "":
		return fmt.Errorf("%w: action is required", ErrCommandRejected)
	default:
		return fmt.Errorf("%w: unsupported action %q", ErrCommandRejected, c.Action)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrCommandRejected)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrCommandRejected)
	}
	switch c.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !c.Price.Valid || !c.Price.Decimal.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive price", ErrCommandRejected)
		}
	default:
		return fmt.Errorf("%w: unsupported order_type %q", ErrCommandRejected, c.OrderType)
	}
	return nil
}

type TradeResponse struct {
	CommandID string              `json:"command_id"`
	Status    TradeStatus         `json:"status"`
	Message   string              `json:"message"`
	FillPrice decimal.NullDecimal `json:"fill_price"`
	OrderID   null.Int            `json:"order_id"`
	Timestamp time.Time           `json:"timestamp"`
}

func NewRejectedResponse(commandID, message string, at time.Time) TradeResponse {
	if commandID == "" {
		commandID = UnknownCommandID
	}
	return TradeResponse{
		CommandID: commandID,
		Status:    TradeStatusRejected,
		Message:   message,
		Timestamp: at.UTC(),
	}
}

func NewFilledResponse(commandID string, orderID int64, fillPrice decimal.Decimal, at time.Time) TradeResponse {
	return TradeResponse{
		CommandID: commandID,
		Status:    TradeStatusFilled,
		Message:   "order filled",
		FillPrice: decimal.NewNullDecimal(fillPrice),
		OrderID:   null.IntFrom(orderID),
		Timestamp: at.UTC(),
	}
}

// OrderRequest is what the bridge hands to the upstream order entry.
type OrderRequest struct {
	CommandID string              `json:"command_id"`
	Symbol    string              `json:"symbol"`
	Side      OrderSide           `json:"side"`
	Type      OrderType           `json:"type"`
	Quantity  int64               `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
}

// OrderEntry submits orders to the trading platform. A returned id <= 0
// means the platform declined the order.
type OrderEntry interface {
	Name() string
	PlaceOrder(ctx context.Context, order OrderRequest) (int64, error)
}

type JournalState string

const (
	JournalStateClaimed   JournalState = "CLAIMED"
	JournalStateExecuting JournalState = "EXECUTING"
	JournalStateAnswered  JournalState = "ANSWERED"
)

// JournalEntry is the write-ahead record of a claimed command.
type JournalEntry struct {
	CommandID string         `json:"command_id" db:"command_id"`
	State     JournalState   `json:"state" db:"state"`
	Command   TradeCommand   `json:"command"`
	Response  *TradeResponse `json:"response,omitempty"`
	ClaimedAt time.Time      `json:"claimed_at" db:"claimed_at"`
	UpdatedAt null.Time      `json:"updated_at" db:"updated_at"`
}

func (e JournalEntry) Answered() bool {
	return e.State == JournalStateAnswered && e.Response != nil
}
