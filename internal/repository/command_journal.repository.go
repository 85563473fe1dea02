package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-bridge/internal/entity"
)

const commandJournalTable = "command_journal"

type CommandJournalRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewCommandJournalRepository(db *sqlx.DB) *CommandJournalRepository {
	return &CommandJournalRepository{db: db, now: time.Now}
}

type commandJournalRow struct {
	CommandID string    `db:"command_id"`
	State     string    `db:"state"`
	Command   []byte    `db:"command"`
	Response  []byte    `db:"response"`
	ClaimedAt time.Time `db:"claimed_at"`
	UpdatedAt null.Time `db:"updated_at"`
}

func (row commandJournalRow) toEntity() (entity.JournalEntry, error) {
	entry := entity.JournalEntry{
		CommandID: row.CommandID,
		State:     entity.JournalState(row.State),
		ClaimedAt: row.ClaimedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Command, &entry.Command); err != nil {
		return entity.JournalEntry{}, err
	}
	if len(row.Response) > 0 {
		var resp entity.TradeResponse
		if err := json.Unmarshal(row.Response, &resp); err != nil {
			return entity.JournalEntry{}, err
		}
		entry.Response = &resp
	}
	return entry, nil
}

// Claim inserts a CLAIMED row. An existing row is returned with
// ErrDuplicateCommand.
func (r *CommandJournalRepository) Claim(ctx context.Context, cmd entity.TradeCommand) (entity.JournalEntry, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return entity.JournalEntry{}, err
	}

	entry := entity.JournalEntry{
		CommandID: cmd.CommandID,
		State:     entity.JournalStateClaimed,
		Command:   cmd,
		ClaimedAt: r.now().UTC(),
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(commandJournalTable).
		Columns(
			"command_id",
			"state",
			"command",
			"claimed_at",
		).
		Values(
			entry.CommandID,
			entry.State,
			payload,
			entry.ClaimedAt,
		).
		Suffix("ON CONFLICT (command_id) DO NOTHING RETURNING command_id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return entity.JournalEntry{}, err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, cmd.CommandID)
		if getErr != nil {
			return entity.JournalEntry{}, getErr
		}
		return existing, entity.ErrDuplicateCommand
	}
	if err != nil {
		return entity.JournalEntry{}, err
	}

	return entry, nil
}

// MarkExecuting only moves a CLAIMED row forward.
func (r *CommandJournalRepository) MarkExecuting(ctx context.Context, commandID string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(commandJournalTable).
		Set("state", entity.JournalStateExecuting).
		Set("updated_at", r.now().UTC()).
		Where(sq.Eq{"command_id": commandID}).
		Where(sq.Eq{"state": entity.JournalStateClaimed})

	return r.execForward(ctx, commandID, queryBuilder)
}

// Complete stores the first response only; an answered row is left as is.
func (r *CommandJournalRepository) Complete(ctx context.Context, resp entity.TradeResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(commandJournalTable).
		Set("state", entity.JournalStateAnswered).
		Set("response", payload).
		Set("updated_at", r.now().UTC()).
		Where(sq.Eq{"command_id": resp.CommandID}).
		Where(sq.NotEq{"state": entity.JournalStateAnswered})

	return r.execForward(ctx, resp.CommandID, queryBuilder)
}

// execForward runs a state transition. When no row matched, the command
// either does not exist or is already past that state; only the first is an
// error.
func (r *CommandJournalRepository) execForward(ctx context.Context, commandID string, queryBuilder sq.UpdateBuilder) error {
	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = r.Get(ctx, commandID)
	return err
}

func (r *CommandJournalRepository) Get(ctx context.Context, commandID string) (entity.JournalEntry, error) {
	var row commandJournalRow
	err := r.db.GetContext(ctx, &row, "SELECT command_id, state, command, response, claimed_at, updated_at FROM command_journal WHERE command_id = $1", commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.JournalEntry{}, entity.ErrCommandNotFound
	}
	if err != nil {
		return entity.JournalEntry{}, err
	}
	return row.toEntity()
}

func (r *CommandJournalRepository) Pending(ctx context.Context) ([]entity.JournalEntry, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("command_id", "state", "command", "response", "claimed_at", "updated_at").
		From(commandJournalTable).
		Where(sq.NotEq{"state": entity.JournalStateAnswered}).
		OrderBy("claimed_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []commandJournalRow
	err = r.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}

	entries := make([]entity.JournalEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close is a no-op; the connection belongs to the bootstrap.
func (r *CommandJournalRepository) Close() error {
	return nil
}
