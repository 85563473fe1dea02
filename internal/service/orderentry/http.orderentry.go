package orderentry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPOrderEntry posts orders as JSON to a platform gateway.
type HTTPOrderEntry struct {
	url        string
	httpClient *http.Client
}

func NewHTTPOrderEntry(url string, timeout time.Duration) *HTTPOrderEntry {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPOrderEntry{
		url:        strings.TrimRight(strings.TrimSpace(url), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPOrderEntry) Name() string {
	return constant.OrderEntryHTTP
}

// PlaceOrder maps transport failures and 5xx answers to
// ErrUpstreamUnavailable, explicit declines to ErrCommandRejected.
func (e *HTTPOrderEntry) PlaceOrder(ctx context.Context, order entity.OrderRequest) (int64, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Command-ID", order.CommandID)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", entity.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", entity.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("%w: status=%d body=%s", entity.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	var apiResp struct {
		OrderID int64  `json:"order_id"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return 0, fmt.Errorf("%w: order parse failed: status=%d body=%s", entity.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	if resp.StatusCode >= http.StatusBadRequest || apiResp.Code != 0 || (apiResp.Success != nil && !*apiResp.Success) {
		errMsg := apiResp.Message
		if errMsg == "" {
			errMsg = apiResp.Msg
		}
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return 0, fmt.Errorf("%w: status=%d code=%d message=%s", entity.ErrCommandRejected, resp.StatusCode, apiResp.Code, errMsg)
	}

	logrus.WithFields(logrus.Fields{
		"component":  "http_order_entry",
		"command_id": order.CommandID,
		"order_id":   apiResp.OrderID,
	}).Info("order placed")

	return apiResp.OrderID, nil
}
