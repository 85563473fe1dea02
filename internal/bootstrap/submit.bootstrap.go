package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const responsePollInterval = 100 * time.Millisecond

// StartSubmit drops one trade command and waits for its response.
func StartSubmit(cmd *cobra.Command, args []string) {
	symbol, _ := cmd.Flags().GetString("symbol")
	action, _ := cmd.Flags().GetString("action")
	quantity, _ := cmd.Flags().GetInt64("quantity")
	price, _ := cmd.Flags().GetString("price")
	orderType, _ := cmd.Flags().GetString("type")
	commandID, _ := cmd.Flags().GetString("id")
	via, _ := cmd.Flags().GetString("via")
	bridgeURL, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if commandID == "" {
		commandID = uuid.NewString()
	}
	if symbol == "" {
		symbol = config.Env.Command.ActiveSymbol
	}

	tradeCommand := entity.TradeCommand{
		CommandID: commandID,
		Action:    entity.OrderSide(action),
		Symbol:    symbol,
		Quantity:  quantity,
		OrderType: entity.OrderType(orderType),
	}
	if price != "" {
		parsed, err := decimal.NewFromString(price)
		util.ContinueOrFatal(err)
		tradeCommand.Price = decimal.NewNullDecimal(parsed)
	}
	tradeCommand.Normalize()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		resp entity.TradeResponse
		err  error
	)
	switch via {
	case "http":
		resp, err = submitHTTP(ctx, bridgeURL, tradeCommand)
	case "", "file":
		resp, err = submitFile(ctx, config.Env.Command.CommandDir, config.Env.Command.ResponseDir, tradeCommand)
	default:
		err = fmt.Errorf("unknown submit transport %q", via)
	}
	util.ContinueOrFatal(err)

	logrus.WithFields(logrus.Fields{
		"command_id": resp.CommandID,
		"status":     resp.Status,
		"fill_price": resp.FillPrice,
		"order_id":   resp.OrderID,
	}).Info(resp.Message)
}

func submitFile(ctx context.Context, commandDir, responseDir string, tradeCommand entity.TradeCommand) (entity.TradeResponse, error) {
	payload, err := json.Marshal(tradeCommand)
	if err != nil {
		return entity.TradeResponse{}, err
	}

	name := util.SafeFileName(tradeCommand.CommandID) + ".json"
	if err := util.WriteFileAtomic(filepath.Join(commandDir, name), payload, 0o644); err != nil {
		return entity.TradeResponse{}, err
	}
	logrus.WithField("command_id", tradeCommand.CommandID).Info("command submitted, waiting for response")

	responsePath := filepath.Join(responseDir, name)
	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return entity.TradeResponse{}, fmt.Errorf("no response for %s: %w", tradeCommand.CommandID, ctx.Err())
		case <-ticker.C:
			data, err := os.ReadFile(responsePath)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return entity.TradeResponse{}, err
			}

			var resp entity.TradeResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return entity.TradeResponse{}, err
			}
			return resp, nil
		}
	}
}

func submitHTTP(ctx context.Context, bridgeURL string, tradeCommand entity.TradeCommand) (entity.TradeResponse, error) {
	payload, err := json.Marshal(tradeCommand)
	if err != nil {
		return entity.TradeResponse{}, err
	}

	endpoint := strings.TrimRight(bridgeURL, "/") + "/api/trade/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return entity.TradeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return entity.TradeResponse{}, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return entity.TradeResponse{}, err
	}

	var resp entity.TradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return entity.TradeResponse{}, fmt.Errorf("unexpected response (status %d): %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
