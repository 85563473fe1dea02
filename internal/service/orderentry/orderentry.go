package orderentry

import (
	"fmt"
	"time"

	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
)

// New builds the order entry named in config.
func New(kind, url string, timeout time.Duration) (entity.OrderEntry, error) {
	switch kind {
	case "", constant.OrderEntryPaper:
		return NewPaperOrderEntry(), nil
	case constant.OrderEntryHTTP:
		if url == "" {
			return nil, fmt.Errorf("order entry %s requires command.order_entry_url", kind)
		}
		return NewHTTPOrderEntry(url, timeout), nil
	default:
		return nil, fmt.Errorf("unknown order entry %q", kind)
	}
}
