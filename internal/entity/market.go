package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketRecord is one upstream quote/trade observation for a symbol.
type MarketRecord struct {
	Symbol    string              `json:"symbol"`
	Timestamp time.Time           `json:"timestamp"`
	LastPrice decimal.NullDecimal `json:"last_price"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	Volume    int64               `json:"volume"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Open      decimal.NullDecimal `json:"open"`
}

// SymbolKey normalizes a symbol for lookups.
func SymbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Validate checks the record invariants. Every present price must be at
// least minPrice (or strictly positive when minPrice is zero).
func (r MarketRecord) Validate(minPrice decimal.Decimal) error {
	if SymbolKey(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if r.Volume < 0 {
		return fmt.Errorf("%w: negative volume %d", ErrInvalidRecord, r.Volume)
	}

	for _, field := range r.prices() {
		if !field.value.Valid {
			continue
		}
		if !field.value.Decimal.IsPositive() || field.value.Decimal.LessThan(minPrice) {
			return fmt.Errorf("%w: %s %s below minimum price", ErrInvalidRecord, field.name, field.value.Decimal)
		}
	}

	if r.Bid.Valid && r.Ask.Valid && r.Bid.Decimal.GreaterThan(r.Ask.Decimal) {
		return fmt.Errorf("%w: bid %s above ask %s", ErrInvalidRecord, r.Bid.Decimal, r.Ask.Decimal)
	}
	if r.High.Valid && r.Low.Valid && r.High.Decimal.LessThan(r.Low.Decimal) {
		return fmt.Errorf("%w: high %s below low %s", ErrInvalidRecord, r.High.Decimal, r.Low.Decimal)
	}

	return nil
}

type namedPrice struct {
	name  string
	value decimal.NullDecimal
}

func (r MarketRecord) prices() []namedPrice {
	return []namedPrice{
		{name: FieldLastPrice, value: r.LastPrice},
		{name: FieldBid, value: r.Bid},
		{name: FieldAsk, value: r.Ask},
		{name: FieldHigh, value: r.High},
		{name: FieldLow, value: r.Low},
		{name: FieldOpen, value: r.Open},
	}
}

// Snapshot is the last accepted state of a symbol.
type Snapshot struct {
	MarketRecord
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Snapshot) HasQuote() bool {
	return s.Bid.Valid && s.Ask.Valid && s.Bid.Decimal.IsPositive() && s.Ask.Decimal.IsPositive()
}

const (
	FieldLastPrice = "last_price"
	FieldBid       = "bid"
	FieldAsk       = "ask"
	FieldVolume    = "volume"
	FieldHigh      = "high"
	FieldLow       = "low"
	FieldOpen      = "open"
)

type UpdateType string

const (
	UpdateTypeSnapshot UpdateType = "snapshot"
	UpdateTypeDelta    UpdateType = "delta"
)

// Delta carries only the fields that changed since the previous version.
// A nil field is unchanged; a non-nil invalid NullDecimal means the field
// became absent and is encoded as null.
type Delta struct {
	Type      UpdateType           `json:"type"`
	Symbol    string               `json:"symbol"`
	Version   uint64               `json:"version"`
	Timestamp time.Time            `json:"timestamp"`
	LastPrice *decimal.NullDecimal `json:"last_price,omitempty"`
	Bid       *decimal.NullDecimal `json:"bid,omitempty"`
	Ask       *decimal.NullDecimal `json:"ask,omitempty"`
	Volume    *int64               `json:"volume,omitempty"`
	High      *decimal.NullDecimal `json:"high,omitempty"`
	Low       *decimal.NullDecimal `json:"low,omitempty"`
	Open      *decimal.NullDecimal `json:"open,omitempty"`
}

func (d Delta) IsEmpty() bool {
	return len(d.ChangedFields()) == 0
}

func (d Delta) ChangedFields() []string {
	fields := make([]string, 0, 7)
	if d.LastPrice != nil {
		fields = append(fields, FieldLastPrice)
	}
	if d.Bid != nil {
		fields = append(fields, FieldBid)
	}
	if d.Ask != nil {
		fields = append(fields, FieldAsk)
	}
	if d.Volume != nil {
		fields = append(fields, FieldVolume)
	}
	if d.High != nil {
		fields = append(fields, FieldHigh)
	}
	if d.Low != nil {
		fields = append(fields, FieldLow)
	}
	if d.Open != nil {
		fields = append(fields, FieldOpen)
	}
	return fields
}

// Apply returns base with every changed field of d written over it.
func (d Delta) Apply(base MarketRecord) MarketRecord {
	out := base
	out.Symbol = d.Symbol
	out.Timestamp = d.Timestamp
	if d.LastPrice != nil {
		out.LastPrice = *d.LastPrice
	}
	if d.Bid != nil {
		out.Bid = *d.Bid
	}
	if d.Ask != nil {
		out.Ask = *d.Ask
	}
	if d.Volume != nil {
		out.Volume = *d.Volume
	}
	if d.High != nil {
		out.High = *d.High
	}
	if d.Low != nil {
		out.Low = *d.Low
	}
	if d.Open != nil {
		out.Open = *d.Open
	}
	return out
}

// FullDelta renders a snapshot as a self-contained snapshot message.
func FullDelta(s Snapshot) Delta {
	lastPrice, bid, ask := s.LastPrice, s.Bid, s.Ask
	high, low, open := s.High, s.Low, s.Open
	volume := s.Volume

	return Delta{
		Type:      UpdateTypeSnapshot,
		Symbol:    s.Symbol,
		Version:   s.Version,
		Timestamp: s.Timestamp,
		LastPrice: &lastPrice,
		Bid:       &bid,
		Ask:       &ask,
		Volume:    &volume,
		High:      &high,
		Low:       &low,
		Open:      &open,
	}
}

// MarketUpdate pairs an emitted delta with the snapshot it produced.
type MarketUpdate struct {
	Delta    Delta
	Snapshot Snapshot
}
