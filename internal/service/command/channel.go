package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/resilience"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval     = 500 * time.Millisecond
	defaultMaxQuantity      = 10
	defaultExecutionTimeout = 5 * time.Second
	defaultQueueSize        = 64

	claimedSuffix = ".claimed"
)

const (
	MessageInvalidFormat   = "invalid command format"
	MessageCircuitOpen     = "command execution temporarily degraded: circuit open"
	MessageOrderRejected   = "order rejected by platform"
	MessageShuttingDown    = "bridge shutting down"
	MessageQueueFull       = "command queue full"
	MessageNotExecuted     = "bridge restarted before execution; command not executed"
	MessageOutcomeUnknown  = "bridge restarted during execution; outcome unknown"
	MessageJournalDown     = "command journal unavailable"
	MessageDuplicateActive = "duplicate command still in progress"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Trade commands answered by source and status",
		},
		[]string{"source", "status"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_command_duration_seconds",
			Help:    "Time from claim to response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, commandDuration)
}

type Config struct {
	CommandDir       string
	ResponseDir      string
	PollInterval     time.Duration
	ActiveSymbol     string
	MaxQuantity      int64
	ExecutionTimeout time.Duration
	QueueSize        int
}

// HealthRecorder receives one request per command and one error per
// rejection.
type HealthRecorder interface {
	RecordRequest()
	RecordError()
}

type request struct {
	cmd   entity.TradeCommand
	reply chan entity.TradeResponse
}

// Channel owns the single loop that turns commands into responses. File
// drops and submitted commands are serialized through it.
type Channel struct {
	cfg     Config
	store   QuoteReader
	entry   entity.OrderEntry
	breaker *resilience.Breaker
	journal Journal
	health  HealthRecorder
	now     func() time.Time
	log     *logrus.Entry

	queue chan *request

	mu     sync.Mutex
	closed bool
}

func NewChannel(cfg Config, store QuoteReader, entry entity.OrderEntry, breaker *resilience.Breaker, journal Journal, health HealthRecorder) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = defaultMaxQuantity
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &Channel{
		cfg:     cfg,
		store:   store,
		entry:   entry,
		breaker: breaker,
		journal: journal,
		health:  health,
		now:     time.Now,
		log:     logrus.WithField("component", "command_channel"),
		queue:   make(chan *request, cfg.QueueSize),
	}
}

// Run recovers the journal, then serves file drops and submitted commands
// until ctx ends. Queued commands left at shutdown are answered REJECTED.
func (c *Channel) Run(ctx context.Context) error {
	for _, dir := range []string{c.cfg.CommandDir, c.cfg.ResponseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create command dir: %w", err)
		}
	}

	c.recover(ctx)
	c.reclaimLeftovers(ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.log.WithFields(logrus.Fields{
		"command_dir":  c.cfg.CommandDir,
		"response_dir": c.cfg.ResponseDir,
		"order_entry":  c.entry.Name(),
	}).Info("command channel started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case req := <-c.queue:
			req.reply <- c.handle(ctx, req.cmd, nil)
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// Submit hands a command to the loop and waits for its response. A full
// queue or a closing channel answers immediately.
func (c *Channel) Submit(ctx context.Context, cmd entity.TradeCommand) (entity.TradeResponse, error) {
	cmd.Normalize()
	if cmd.Source == "" {
		cmd.Source = entity.CommandSourceHTTP
	}
	req := &request{cmd: cmd, reply: make(chan entity.TradeResponse, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.answerUnqueued(cmd, MessageShuttingDown), nil
	}
	select {
	case c.queue <- req:
	default:
		c.mu.Unlock()
		return c.answerUnqueued(cmd, MessageQueueFull), nil
	}
	c.mu.Unlock()

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return entity.TradeResponse{}, ctx.Err()
	}
}

func (c *Channel) answerUnqueued(cmd entity.TradeCommand, message string) entity.TradeResponse {
	resp := entity.NewRejectedResponse(cmd.CommandID, message, c.now())
	c.observe(cmd.Source, resp, c.now())
	return resp
}

// Status returns the journal entry for a command id.
func (c *Channel) Status(ctx context.Context, commandID string) (entity.JournalEntry, error) {
	return c.journal.Get(ctx, strings.TrimSpace(commandID))
}

func (c *Channel) QueueDepth() int {
	return len(c.queue)
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	drained := 0
	for {
		select {
		case req := <-c.queue:
			req.reply <- c.answerUnqueued(req.cmd, MessageShuttingDown)
			drained++
		default:
			c.log.WithField("drained", drained).Info("command channel stopped")
			return
		}
	}
}

// recover answers every journaled command that never got a response. None
// of them is executed again.
func (c *Channel) recover(ctx context.Context) {
	pending, err := c.journal.Pending(ctx)
	if err != nil {
		c.log.Errorf("failed to load pending commands: %v", err)
		return
	}

	for _, entry := range pending {
		message := MessageNotExecuted
		if entry.State == entity.JournalStateExecuting {
			message = MessageOutcomeUnknown
		}
		resp := entity.NewRejectedResponse(entry.CommandID, message, c.now())
		if err := c.journal.Complete(ctx, resp); err != nil {
			c.log.WithField("command_id", entry.CommandID).Errorf("failed to answer recovered command: %v", err)
			continue
		}
		if entry.Command.Source == entity.CommandSourceFile {
			c.writeResponse(util.SafeFileName(resp.CommandID)+".json", resp)
		}
		c.log.WithFields(logrus.Fields{
			"command_id": entry.CommandID,
			"state":      entry.State,
		}).Warn("recovered unanswered command")
	}
}

// reclaimLeftovers processes artifacts this process claimed but never
// finished before a crash.
func (c *Channel) reclaimLeftovers(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(c.cfg.CommandDir, "*.json"+claimedSuffix))
	if err != nil {
		c.log.Errorf("failed to list claimed commands: %v", err)
		return
	}
	sort.Strings(matches)
	for _, claimed := range matches {
		c.processClaimed(ctx, claimed)
	}
}

type artifact struct {
	path    string
	name    string
	modTime time.Time
}

// scan processes every artifact in discovery order: modification time,
// then name.
func (c *Channel) scan(ctx context.Context) {
	entries, err := os.ReadDir(c.cfg.CommandDir)
	if err != nil {
		c.log.Errorf("failed to read command dir: %v", err)
		return
	}

	artifacts := make([]artifact, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact{
			path:    filepath.Join(c.cfg.CommandDir, name),
			name:    name,
			modTime: info.ModTime(),
		})
	}
	sort.Slice(artifacts, func(a, b int) bool {
		if !artifacts[a].modTime.Equal(artifacts[b].modTime) {
			return artifacts[a].modTime.Before(artifacts[b].modTime)
		}
		return artifacts[a].name < artifacts[b].name
	})

	for _, a := range artifacts {
		if ctx.Err() != nil {
			return
		}
		claimed := a.path + claimedSuffix
		// Only one reader wins the rename.
		if err := os.Rename(a.path, claimed); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.log.WithField("artifact", a.name).Warnf("failed to claim command: %v", err)
			}
			continue
		}
		c.processClaimed(ctx, claimed)
	}
}

func (c *Channel) processClaimed(ctx context.Context, claimed string) {
	name := strings.TrimSuffix(filepath.Base(claimed), claimedSuffix)
	log := c.log.WithField("artifact", name)
	removeClaimed := func() {
		if err := os.Remove(claimed); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("failed to remove claimed command: %v", err)
		}
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		log.Errorf("failed to read claimed command: %v", err)
		return
	}

	cmd, err := entity.DecodeTradeCommand(data)
	if err != nil || cmd.CommandID == "" {
		resp := entity.NewRejectedResponse(cmd.CommandID, MessageInvalidFormat, c.now())
		if err == nil {
			resp.Message = "command_id is required"
		}
		c.observe(entity.CommandSourceFile, resp, c.now())
		responseName := util.SafeFileName(resp.CommandID) + ".json"
		if cmd.CommandID == "" || c.journaled(ctx, cmd.CommandID) {
			responseName = "unknown-" + util.SafeFileName(name)
		}
		c.writeResponse(responseName, resp)
		removeClaimed()
		log.Warnf("rejected unparseable command: %v", err)
		return
	}
	cmd.Source = entity.CommandSourceFile

	resp := c.handle(ctx, cmd, removeClaimed)
	c.writeResponse(util.SafeFileName(resp.CommandID)+".json", resp)
	removeClaimed()
}

// journaled reports whether commandID already owns a response file. Lookup
// failures count as owned so a bad artifact never overwrites a real answer.
func (c *Channel) journaled(ctx context.Context, commandID string) bool {
	_, err := c.journal.Get(ctx, commandID)
	return !errors.Is(err, entity.ErrCommandNotFound)
}

// handle journals, validates and executes one command. onClaimed runs once
// the command is durably journaled.
func (c *Channel) handle(ctx context.Context, cmd entity.TradeCommand, onClaimed func()) entity.TradeResponse {
	start := c.now()
	log := c.log.WithFields(logrus.Fields{
		"command_id": cmd.CommandID,
		"source":     cmd.Source,
	})

	if cmd.CommandID == "" {
		resp := entity.NewRejectedResponse("", "command_id is required", c.now())
		c.observe(cmd.Source, resp, start)
		return resp
	}

	entry, err := c.journal.Claim(ctx, cmd)
	switch {
	case errors.Is(err, entity.ErrDuplicateCommand):
		if entry.Answered() {
			log.Info("duplicate command, replaying stored response")
			return *entry.Response
		}
		return entity.NewRejectedResponse(cmd.CommandID, MessageDuplicateActive, c.now())
	case err != nil:
		log.Errorf("failed to journal command: %v", err)
		resp := entity.NewRejectedResponse(cmd.CommandID, MessageJournalDown, c.now())
		c.observe(cmd.Source, resp, start)
		return resp
	}
	if onClaimed != nil {
		onClaimed()
	}

	resp := c.execute(ctx, cmd)
	if err := c.journal.Complete(ctx, resp); err != nil {
		log.Errorf("failed to journal response: %v", err)
	}

	c.observe(cmd.Source, resp, start)
	log.WithFields(logrus.Fields{
		"status":  resp.Status,
		"message": resp.Message,
	}).Info("command answered")
	return resp
}

func (c *Channel) execute(ctx context.Context, cmd entity.TradeCommand) entity.TradeResponse {
	snapshot, err := c.validate(cmd)
	if err != nil {
		return entity.NewRejectedResponse(cmd.CommandID, rejectionMessage(err), c.now())
	}

	order := entity.OrderRequest{
		CommandID: cmd.CommandID,
		Symbol:    entity.SymbolKey(cmd.Symbol),
		Side:      cmd.Action,
		Type:      cmd.OrderType,
		Quantity:  cmd.Quantity,
		Price:     cmd.Price,
	}

	// In-flight orders outlive a shutdown signal; only the timeout bounds
	// them.
	execCtx := context.WithoutCancel(ctx)
	if err := c.journal.MarkExecuting(execCtx, cmd.CommandID); err != nil {
		c.log.WithField("command_id", cmd.CommandID).Errorf("failed to journal execution: %v", err)
		return entity.NewRejectedResponse(cmd.CommandID, MessageJournalDown, c.now())
	}

	var (
		orderID  int64
		declined error
	)
	err = c.breaker.Execute(execCtx, c.cfg.ExecutionTimeout, func(ctx context.Context) error {
		id, err := c.entry.PlaceOrder(ctx, order)
		if errors.Is(err, entity.ErrCommandRejected) {
			declined = err
			return nil
		}
		orderID = id
		return err
	})

	switch {
	case errors.Is(err, entity.ErrCircuitOpen):
		return entity.NewRejectedResponse(cmd.CommandID, MessageCircuitOpen, c.now())
	case err != nil:
		return entity.NewRejectedResponse(cmd.CommandID, fmt.Sprintf("order entry failed: %v", err), c.now())
	case declined != nil:
		c.log.WithField("command_id", cmd.CommandID).Warnf("order declined: %v", declined)
		return entity.NewRejectedResponse(cmd.CommandID, MessageOrderRejected, c.now())
	case orderID <= 0:
		return entity.NewRejectedResponse(cmd.CommandID, MessageOrderRejected, c.now())
	}

	return entity.NewFilledResponse(cmd.CommandID, orderID, fillPrice(cmd, snapshot), c.now())
}

func (c *Channel) observe(source entity.CommandSource, resp entity.TradeResponse, start time.Time) {
	commandsTotal.WithLabelValues(string(source), string(resp.Status)).Inc()
	commandDuration.WithLabelValues(string(source)).Observe(c.now().Sub(start).Seconds())

	if c.health == nil {
		return
	}
	c.health.RecordRequest()
	if resp.Status == entity.TradeStatusRejected {
		c.health.RecordError()
	}
}

func (c *Channel) writeResponse(name string, resp entity.TradeResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.log.WithField("command_id", resp.CommandID).Errorf("failed to encode response: %v", err)
		return
	}
	path := filepath.Join(c.cfg.ResponseDir, name)
	if err := util.WriteFileAtomic(path, payload, 0o644); err != nil {
		c.log.WithField("command_id", resp.CommandID).Errorf("failed to write response: %v", err)
	}
}

func rejectionMessage(err error) string {
	return strings.TrimPrefix(err.Error(), entity.ErrCommandRejected.Error()+": ")
}
