package bootstrap

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// StartTail follows the bridge websocket feed and logs every message.
func StartTail(cmd *cobra.Command, args []string) {
	bridgeURL, _ := cmd.Flags().GetString("url")
	symbols, _ := cmd.Flags().GetStringSlice("symbols")

	wsURL, err := url.Parse(bridgeURL)
	util.ContinueOrFatal(err)
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	case "http", "":
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws/market_data"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var initSub any
	if len(symbols) > 0 {
		initSub = map[string]any{"type": "subscribe", "symbols": symbols}
	}

	err = runWS(ctx, *wsURL, initSub, config.Env.Distribution.HeartbeatInterval, logFeedMessage)
	util.ContinueOrFatal(err)
}

func logFeedMessage(_ context.Context, message []byte) error {
	var d entity.Delta
	if err := json.Unmarshal(message, &d); err != nil {
		return err
	}

	if d.Symbol == "" {
		logrus.WithField("message", string(message)).Info("control message")
		return nil
	}

	fields := logrus.Fields{
		"type":    d.Type,
		"symbol":  d.Symbol,
		"version": d.Version,
		"changed": d.ChangedFields(),
	}
	if d.Bid != nil {
		fields["bid"] = d.Bid
	}
	if d.Ask != nil {
		fields["ask"] = d.Ask
	}
	if d.LastPrice != nil {
		fields["last_price"] = d.LastPrice
	}
	logrus.WithFields(fields).Info("market update")
	return nil
}
