package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/sirupsen/logrus"
)

// Journal is the write-ahead log of claimed commands. Claim returns the
// existing entry together with ErrDuplicateCommand when the id is known.
type Journal interface {
	Claim(ctx context.Context, cmd entity.TradeCommand) (entity.JournalEntry, error)
	MarkExecuting(ctx context.Context, commandID string) error
	Complete(ctx context.Context, resp entity.TradeResponse) error
	Get(ctx context.Context, commandID string) (entity.JournalEntry, error)
	Pending(ctx context.Context) ([]entity.JournalEntry, error)
	Close() error
}

const (
	defaultJournalRetention = 24 * time.Hour
	maxJournalPruneInterval = time.Minute
)

// FileJournal appends one JSON line per state change and fsyncs every
// write. Opening it replays and compacts the file. Answered entries older
// than the retention window are forgotten, after which their command ids
// can be claimed again.
type FileJournal struct {
	path      string
	retention time.Duration
	now       func() time.Time

	mu         sync.Mutex
	file       *os.File
	entries    map[string]entity.JournalEntry
	lastPruned time.Time
}

func OpenFileJournal(path string, retention time.Duration) (*FileJournal, error) {
	if retention <= 0 {
		retention = defaultJournalRetention
	}
	j := &FileJournal{
		path:      path,
		retention: retention,
		now:       time.Now,
		entries:   make(map[string]entity.JournalEntry),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create command journal dir: %w", err)
	}
	if err := j.replay(); err != nil {
		return nil, err
	}
	j.pruneLocked(j.now())
	if err := j.compact(); err != nil {
		return nil, err
	}
	if err := j.openAppend(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "command_journal",
		"path":      path,
		"entries":   len(j.entries),
		"retention": retention.String(),
	}).Info("command journal opened")

	return j, nil
}

func (j *FileJournal) replay() error {
	content, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read command journal: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry entity.JournalEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.CommandID == "" {
			// A torn last line from a crash mid-append.
			logrus.WithField("line", line).Warn("skipping unreadable command journal line")
			continue
		}
		j.entries[entry.CommandID] = entry
	}
	return scanner.Err()
}

// compact rewrites the file with one line per command, which also drops a
// torn tail before new lines are appended.
func (j *FileJournal) compact() error {
	entries := make([]entity.JournalEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].ClaimedAt.Before(entries[b].ClaimedAt)
	})

	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return util.WriteFileAtomic(j.path, buf.Bytes(), 0o644)
}

func (j *FileJournal) openAppend() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open command journal: %w", err)
	}
	j.file = file
	return nil
}

// pruneLocked drops answered entries that left the retention window.
func (j *FileJournal) pruneLocked(now time.Time) int {
	j.lastPruned = now
	cutoff := now.Add(-j.retention)
	pruned := 0
	for id, entry := range j.entries {
		if !entry.Answered() {
			continue
		}
		answeredAt := entry.ClaimedAt
		if entry.UpdatedAt.Valid {
			answeredAt = entry.UpdatedAt.Time
		}
		if answeredAt.Before(cutoff) {
			delete(j.entries, id)
			pruned++
		}
	}
	return pruned
}

// maybePruneLocked prunes at most once per interval and rewrites the file
// when something was dropped.
func (j *FileJournal) maybePruneLocked() error {
	now := j.now()
	interval := min(j.retention, maxJournalPruneInterval)
	if now.Sub(j.lastPruned) < interval {
		return nil
	}
	if j.pruneLocked(now) == 0 {
		return nil
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	j.file = nil
	if err := j.compact(); err != nil {
		return err
	}
	return j.openAppend()
}

func (j *FileJournal) appendLocked(entry entity.JournalEntry) error {
	if j.file == nil {
		return errors.New("command journal closed")
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}

	j.entries[entry.CommandID] = entry
	return nil
}

func (j *FileJournal) Claim(_ context.Context, cmd entity.TradeCommand) (entity.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return entity.JournalEntry{}, errors.New("command journal closed")
	}
	if err := j.maybePruneLocked(); err != nil {
		logrus.WithField("component", "command_journal").Errorf("failed to prune command journal: %v", err)
		if j.file == nil {
			if err := j.openAppend(); err != nil {
				return entity.JournalEntry{}, err
			}
		}
	}

	if existing, ok := j.entries[cmd.CommandID]; ok {
		return existing, entity.ErrDuplicateCommand
	}

	entry := entity.JournalEntry{
		CommandID: cmd.CommandID,
		State:     entity.JournalStateClaimed,
		Command:   cmd,
		ClaimedAt: j.now().UTC(),
	}
	if err := j.appendLocked(entry); err != nil {
		return entity.JournalEntry{}, err
	}
	return entry, nil
}

func (j *FileJournal) MarkExecuting(_ context.Context, commandID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[commandID]
	if !ok {
		return entity.ErrCommandNotFound
	}
	if entry.State != entity.JournalStateClaimed {
		return nil
	}
	entry.State = entity.JournalStateExecuting
	entry.UpdatedAt = null.TimeFrom(j.now().UTC())
	return j.appendLocked(entry)
}

func (j *FileJournal) Complete(_ context.Context, resp entity.TradeResponse) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[resp.CommandID]
	if !ok {
		return entity.ErrCommandNotFound
	}
	// The first answer is the one the caller received.
	if entry.Answered() {
		return nil
	}
	entry.State = entity.JournalStateAnswered
	entry.Response = &resp
	entry.UpdatedAt = null.TimeFrom(j.now().UTC())
	return j.appendLocked(entry)
}

func (j *FileJournal) Get(_ context.Context, commandID string) (entity.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[commandID]
	if !ok {
		return entity.JournalEntry{}, entity.ErrCommandNotFound
	}
	return entry, nil
}

func (j *FileJournal) Pending(_ context.Context) ([]entity.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var pending []entity.JournalEntry
	for _, entry := range j.entries {
		if entry.State != entity.JournalStateAnswered {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		return pending[a].ClaimedAt.Before(pending[b].ClaimedAt)
	})
	return pending, nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
