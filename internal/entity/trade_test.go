package entity

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTradeCommand(t *testing.T) {
	t.Run("normalizes fields", func(t *testing.T) {
		cmd, err := DecodeTradeCommand([]byte(`{"command_id":" c1 ","action":"buy","symbol":"NQU25","quantity":2}`))
		require.NoError(t, err)
		assert.Equal(t, "c1", cmd.CommandID)
		assert.Equal(t, OrderSideBuy, cmd.Action)
		assert.Equal(t, OrderTypeMarket, cmd.OrderType)
		require.NoError(t, cmd.Validate())
	})

	t.Run("malformed payload keeps a readable id", func(t *testing.T) {
		cmd, err := DecodeTradeCommand([]byte(`{"command_id":"c2","quantity":"lots"}`))
		require.ErrorIs(t, err, ErrCommandRejected)
		assert.Equal(t, "c2", cmd.CommandID)
	})

	t.Run("garbage has no id", func(t *testing.T) {
		cmd, err := DecodeTradeCommand([]byte(`{not json`))
		require.Error(t, err)
		assert.Empty(t, cmd.CommandID)
	})
}

func TestTradeCommandValidate(t *testing.T) {
	base := TradeCommand{CommandID: "c1", Action: OrderSideSell, Symbol: "X", Quantity: 1, OrderType: OrderTypeMarket}
	require.NoError(t, base.Validate())

	cases := map[string]func(c *TradeCommand){
		"missing id":        func(c *TradeCommand) { c.CommandID = "" },
		"missing action":    func(c *TradeCommand) { c.Action = "" },
		"bad action":        func(c *TradeCommand) { c.Action = "HOLD" },
		"zero quantity":     func(c *TradeCommand) { c.Quantity = 0 },
		"limit no price":    func(c *TradeCommand) { c.OrderType = OrderTypeLimit },
		"bad order type":    func(c *TradeCommand) { c.OrderType = "STOP" },
		"missing symbol":    func(c *TradeCommand) { c.Symbol = "" },
		"negative quantity": func(c *TradeCommand) { c.Quantity = -3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrCommandRejected)
		})
	}
}

func TestRejectedResponseEncodesNullFillPrice(t *testing.T) {
	resp := NewRejectedResponse("", "invalid command format", time.Unix(0, 0))
	assert.Equal(t, UnknownCommandID, resp.CommandID)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fill_price":null`)
	assert.Contains(t, string(raw), `"status":"REJECTED"`)
}
