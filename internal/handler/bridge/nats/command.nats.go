package nats

import (
	"context"
	"time"

	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/service/command"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultSubmitTimeout = 30 * time.Second

type CommandSubmitter interface {
	Submit(ctx context.Context, cmd entity.TradeCommand) (entity.TradeResponse, error)
}

// CommandHandler feeds bridge_command.submit into the command channel and
// publishes every answer on bridge_command.response. A message is acked
// only after its response is published; a redelivered command replays its
// journaled response instead of executing twice.
type CommandHandler struct {
	js       nats.JetStreamContext
	commands CommandSubmitter
	timeout  time.Duration
	respond  func(resp entity.TradeResponse) error
	sub      *nats.Subscription
	log      *logrus.Entry
}

func NewCommandHandler(js nats.JetStreamContext, commands CommandSubmitter, timeout time.Duration) *CommandHandler {
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	h := &CommandHandler{
		js:       js,
		commands: commands,
		timeout:  timeout,
		log:      logrus.WithField("component", "command_nats"),
	}
	h.respond = func(resp entity.TradeResponse) error {
		return util.PublishEvent(h.js, constant.CommandStreamSubjectResponse, resp)
	}
	return h
}

func (h *CommandHandler) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.CommandStreamName,
		Subjects:  []string{constant.CommandStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	}

	err := infrastructure.EnsureStream(ctx, h.js, streamConfig)
	if err != nil {
		h.log.Error(err)
		return err
	}

	h.log.Infof("stream %s is ready", constant.CommandStreamName)
	return nil
}

func (h *CommandHandler) JetstreamEventSubscribe(ctx context.Context) error {
	sub, err := h.js.QueueSubscribe(
		constant.CommandStreamSubjectSubmit,
		constant.CommandQueueName,
		func(msg *nats.Msg) {
			err := h.handleMessage(ctx, msg.Data)
			if err != nil {
				h.log.Errorf("error processing command message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				h.log.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.CommandQueueGroup),
		nats.AckWait(h.timeout+5*time.Second),
	)
	if err != nil {
		return err
	}

	h.sub = sub
	return nil
}

// Unsubscribe stops intake. Messages already being handled finish first.
func (h *CommandHandler) Unsubscribe() error {
	if h.sub == nil {
		return nil
	}
	return h.sub.Drain()
}

func (h *CommandHandler) handleMessage(ctx context.Context, data []byte) error {
	cmd, err := entity.DecodeTradeCommand(data)
	if err != nil {
		h.log.WithField("payload", string(data)).Warnf("rejecting malformed command: %v", err)
		return h.respond(entity.NewRejectedResponse(cmd.CommandID, command.MessageInvalidFormat, time.Now()))
	}
	cmd.Source = entity.CommandSourceNats

	var resp entity.TradeResponse
	err = util.RunWithTimeout(ctx, h.timeout, func(ctx context.Context) error {
		var submitErr error
		resp, submitErr = h.commands.Submit(ctx, cmd)
		return submitErr
	})
	if err != nil {
		return err
	}

	return h.respond(resp)
}
