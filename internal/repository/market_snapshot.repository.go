package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-bridge/internal/entity"
)

const marketSnapshotTable = "market_snapshots"

type MarketSnapshotRepository struct {
	db *sqlx.DB
}

func NewMarketSnapshotRepository(db *sqlx.DB) *MarketSnapshotRepository {
	return &MarketSnapshotRepository{db: db}
}

// CreateBatch inserts every snapshot in a single statement.
func (r *MarketSnapshotRepository) CreateBatch(ctx context.Context, snapshots []entity.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(marketSnapshotTable).
		Columns(
			"symbol",
			"version",
			`"timestamp"`,
			"last_price",
			"bid",
			"ask",
			"high",
			"low",
			"open",
			"volume",
			"created_at",
		)

	now := time.Now().UTC()
	for _, s := range snapshots {
		queryBuilder = queryBuilder.Values(
			s.Symbol,
			s.Version,
			s.Timestamp,
			s.LastPrice,
			s.Bid,
			s.Ask,
			s.High,
			s.Low,
			s.Open,
			s.Volume,
			now,
		)
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// Latest returns the most recent persisted rows for a symbol.
func (r *MarketSnapshotRepository) Latest(ctx context.Context, symbol string, limit uint64) ([]entity.Snapshot, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("symbol", "version", `"timestamp"`, "last_price", "bid", "ask", "high", "low", "open", "volume", "created_at").
		From(marketSnapshotTable).
		Where(sq.Eq{"symbol": entity.SymbolKey(symbol)}).
		OrderBy(`"timestamp" desc`).
		Limit(limit)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Snapshot
	for rows.Next() {
		var s entity.Snapshot
		var version int64
		err := rows.Scan(&s.Symbol, &version, &s.Timestamp, &s.LastPrice, &s.Bid, &s.Ask, &s.High, &s.Low, &s.Open, &s.Volume, &s.UpdatedAt)
		if err != nil {
			return nil, err
		}
		s.Version = uint64(version)
		out = append(out, s)
	}
	return out, rows.Err()
}
