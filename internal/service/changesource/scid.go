package changesource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
)

// Intraday data file layout: a header starting with the "SCID" magic, the
// header size and record size, followed by fixed size records.
const (
	scidMagic             = "SCID"
	scidPrefixSize        = 12
	scidDefaultHeaderSize = 56
	scidDefaultRecordSize = 40
	scidMinRecordSize     = 32

	// Tick records written by newer platform versions mark Open with this
	// sentinel instead of zero.
	scidSingleTradeOpen = -1.99900095e+37
)

// Record timestamps are microseconds since 1899-12-30 UTC.
var scidEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

type scidRecord struct {
	DateTime    int64
	Open        float32
	High        float32
	Low         float32
	Close       float32
	NumTrades   uint32
	TotalVolume uint32
}

// DecodeSCIDFile reads only the last complete record of an intraday file.
func DecodeSCIDFile(path string, opts DecodeOptions) ([]entity.MarketRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	record, ok, err := readLastSCIDRecord(f, info.Size())
	if err != nil || !ok {
		return nil, err
	}

	opts = defaultSymbol(path, opts)
	return []entity.MarketRecord{record.toMarketRecord(opts.Symbol)}, nil
}

// readLastSCIDRecord reports ok=false for a valid file with no records yet.
func readLastSCIDRecord(r io.ReaderAt, size int64) (scidRecord, bool, error) {
	if size < scidPrefixSize {
		return scidRecord{}, false, fmt.Errorf("%w: header incomplete", entity.ErrStaleRead)
	}

	prefix := make([]byte, scidPrefixSize)
	if _, err := r.ReadAt(prefix, 0); err != nil {
		return scidRecord{}, false, fmt.Errorf("%w: %v", entity.ErrStaleRead, err)
	}
	if string(prefix[:4]) != scidMagic {
		return scidRecord{}, false, fmt.Errorf("%w: bad magic %q", entity.ErrInvalidRecord, prefix[:4])
	}

	headerSize := int64(binary.LittleEndian.Uint32(prefix[4:8]))
	if headerSize < scidPrefixSize {
		headerSize = scidDefaultHeaderSize
	}
	recordSize := int64(binary.LittleEndian.Uint32(prefix[8:12]))
	if recordSize == 0 {
		recordSize = scidDefaultRecordSize
	}
	if recordSize < scidMinRecordSize {
		return scidRecord{}, false, fmt.Errorf("%w: record size %d", entity.ErrInvalidRecord, recordSize)
	}

	if size < headerSize {
		return scidRecord{}, false, fmt.Errorf("%w: header incomplete", entity.ErrStaleRead)
	}

	count := (size - headerSize) / recordSize
	if count == 0 {
		return scidRecord{}, false, nil
	}

	buf := make([]byte, scidMinRecordSize)
	offset := headerSize + (count-1)*recordSize
	if _, err := r.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return scidRecord{}, false, fmt.Errorf("%w: record truncated", entity.ErrStaleRead)
		}
		return scidRecord{}, false, err
	}

	return scidRecord{
		DateTime:    int64(binary.LittleEndian.Uint64(buf[0:8])),
		Open:        math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
		High:        math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16])),
		Low:         math.Float32frombits(binary.LittleEndian.Uint32(buf[16:20])),
		Close:       math.Float32frombits(binary.LittleEndian.Uint32(buf[20:24])),
		NumTrades:   binary.LittleEndian.Uint32(buf[24:28]),
		TotalVolume: binary.LittleEndian.Uint32(buf[28:32]),
	}, true, nil
}

func (r scidRecord) isTick() bool {
	return r.Open == 0 || r.Open <= scidSingleTradeOpen
}

func (r scidRecord) timestamp() time.Time {
	return scidEpoch.Add(time.Duration(r.DateTime) * time.Microsecond)
}

// toMarketRecord maps a tick to last/bid/ask and a bar to OHLC with the close
// standing in for both sides of the quote.
func (r scidRecord) toMarketRecord(symbol string) entity.MarketRecord {
	out := entity.MarketRecord{
		Symbol:    entity.SymbolKey(symbol),
		Timestamp: r.timestamp(),
		LastPrice: scidPrice(r.Close),
		Volume:    int64(r.TotalVolume),
	}

	if r.isTick() {
		out.Ask = scidPrice(r.High)
		out.Bid = scidPrice(r.Low)
		return out
	}

	out.Open = scidPrice(r.Open)
	out.High = scidPrice(r.High)
	out.Low = scidPrice(r.Low)
	out.Bid = out.LastPrice
	out.Ask = out.LastPrice
	return out
}

func scidPrice(v float32) decimal.NullDecimal {
	if v <= 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat32(v))
}
