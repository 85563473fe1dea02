package changesource

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Decoder turns the current content of a watch target into records.
// ErrStaleRead means the file is mid-write and should be retried.
type Decoder func(path string, opts DecodeOptions) ([]entity.MarketRecord, error)

type DecodeOptions struct {
	// Symbol overrides whatever the file carries.
	Symbol string
	// ModTime stamps records that carry no timestamp of their own.
	ModTime time.Time

	fallbackOnly bool
}

func decoderFor(format string) (Decoder, error) {
	switch strings.ToLower(format) {
	case "", constant.TargetFormatJSON:
		return DecodeJSONFile, nil
	case constant.TargetFormatSCID:
		return DecodeSCIDFile, nil
	default:
		return nil, fmt.Errorf("unknown market data format %q", format)
	}
}

type jsonMarketRecord struct {
	Symbol    string              `json:"symbol"`
	Timestamp json.RawMessage     `json:"timestamp"`
	Price     decimal.NullDecimal `json:"price"`
	LastPrice decimal.NullDecimal `json:"last_price"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Open      decimal.NullDecimal `json:"open"`
	Volume    decimal.NullDecimal `json:"volume"`
}

// DecodeJSONFile reads a market data file holding one object or an array of
// objects. Zero prices are treated as absent.
func DecodeJSONFile(path string, opts DecodeOptions) ([]entity.MarketRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(content, defaultSymbol(path, opts))
}

func DecodeJSON(content []byte, opts DecodeOptions) ([]entity.MarketRecord, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty file", entity.ErrStaleRead)
	}

	var raws []jsonMarketRecord
	if content[0] == '[' {
		if err := json.Unmarshal(content, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", entity.ErrStaleRead, err)
		}
	} else {
		var raw jsonMarketRecord
		if err := json.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", entity.ErrStaleRead, err)
		}
		raws = append(raws, raw)
	}

	records := make([]entity.MarketRecord, 0, len(raws))
	var firstErr error
	for i, raw := range raws {
		record, err := raw.toRecord(opts)
		if err != nil {
			undecodableRecords.WithLabelValues(constant.TargetFormatJSON).Inc()
			logrus.WithFields(logrus.Fields{
				"component": "change_source",
				"symbol":    raw.Symbol,
				"index":     i,
			}).Warnf("skipping undecodable record: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, record)
	}
	// One bad entry never hides the other symbols in the file.
	if len(records) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func (r jsonMarketRecord) toRecord(opts DecodeOptions) (entity.MarketRecord, error) {
	symbol := r.Symbol
	if opts.Symbol != "" && (symbol == "" || opts.forced()) {
		symbol = opts.Symbol
	}

	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return entity.MarketRecord{}, fmt.Errorf("%w: %v", entity.ErrInvalidRecord, err)
	}
	if ts.IsZero() {
		ts = opts.ModTime
	}

	last := r.LastPrice
	if !present(last) {
		last = r.Price
	}

	return entity.MarketRecord{
		Symbol:    entity.SymbolKey(symbol),
		Timestamp: ts.UTC(),
		LastPrice: nonZero(last),
		Bid:       nonZero(r.Bid),
		Ask:       nonZero(r.Ask),
		High:      nonZero(r.High),
		Low:       nonZero(r.Low),
		Open:      nonZero(r.Open),
		Volume:    r.Volume.Decimal.IntPart(),
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts the string layouts above or unix seconds (with a
// fraction). Values too large to be seconds are read as milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, nil
			}
		}
		raw = []byte(s)
	}

	seconds, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
	}
	if seconds > 1e12 {
		return time.UnixMilli(int64(seconds)).UTC(), nil
	}
	whole := int64(seconds)
	nanos := int64((seconds - float64(whole)) * 1e9)
	return time.Unix(whole, nanos).UTC(), nil
}

func present(v decimal.NullDecimal) bool {
	return v.Valid && !v.Decimal.IsZero()
}

func nonZero(v decimal.NullDecimal) decimal.NullDecimal {
	if !present(v) {
		return decimal.NullDecimal{}
	}
	return v
}

// defaultSymbol falls back to the file name when the target has no symbol
// override, so a per-symbol file without a symbol field still decodes.
func defaultSymbol(path string, opts DecodeOptions) DecodeOptions {
	if opts.Symbol == "" {
		base := filepath.Base(path)
		opts.Symbol = strings.TrimSuffix(base, filepath.Ext(base))
		opts.fallbackOnly = true
	}
	return opts
}

func (o DecodeOptions) forced() bool {
	return !o.fallbackOnly
}
