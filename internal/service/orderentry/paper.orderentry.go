package orderentry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

// PaperOrderEntry fills every order locally with increasing ids.
type PaperOrderEntry struct {
	lastID atomic.Int64
}

func NewPaperOrderEntry() *PaperOrderEntry {
	p := &PaperOrderEntry{}
	// Seed from the clock so ids stay increasing across restarts.
	p.lastID.Store(time.Now().Unix())
	return p
}

func (p *PaperOrderEntry) Name() string {
	return constant.OrderEntryPaper
}

func (p *PaperOrderEntry) PlaceOrder(ctx context.Context, order entity.OrderRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	id := p.lastID.Add(1)
	logrus.WithFields(logrus.Fields{
		"component":  "paper_order_entry",
		"command_id": order.CommandID,
		"symbol":     order.Symbol,
		"side":       order.Side,
		"type":       order.Type,
		"quantity":   order.Quantity,
		"order_id":   id,
	}).Info("paper order placed")

	return id, nil
}
