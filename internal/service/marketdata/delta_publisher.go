package marketdata

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// StreamPublisher is the subset of nats.JetStreamContext used to mirror
// deltas.
type StreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// DeltaPublisher mirrors every emitted delta onto JetStream under
// bridge_market.delta.<SYMBOL>.
type DeltaPublisher struct {
	js    nats.JetStreamContext
	pub   StreamPublisher
	queue sinkQueue[entity.Delta]
	log   *logrus.Entry
}

func NewDeltaPublisher(js nats.JetStreamContext, bufferSize int) *DeltaPublisher {
	p := newDeltaPublisher(js, bufferSize)
	p.js = js
	return p
}

func newDeltaPublisher(pub StreamPublisher, bufferSize int) *DeltaPublisher {
	return &DeltaPublisher{
		pub:   pub,
		queue: newSinkQueue[entity.Delta]("nats_delta", bufferSize),
		log:   logrus.WithField("component", "delta_publisher"),
	}
}

func (p *DeltaPublisher) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.MarketStreamName,
		Subjects:  []string{constant.MarketStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    5 * time.Minute,
		Replicas:  1,
	}

	err := infrastructure.EnsureStream(ctx, p.js, streamConfig)
	if err != nil {
		p.log.Error(err)
		return err
	}

	p.log.Infof("stream %s is ready", constant.MarketStreamName)
	return nil
}

func (p *DeltaPublisher) Publish(update entity.MarketUpdate) {
	p.queue.offer(update.Delta)
}

// Run publishes queued deltas until ctx ends, then flushes what is left.
func (p *DeltaPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case d := <-p.queue.items:
					p.publish(d)
				default:
					return
				}
			}
		case d := <-p.queue.items:
			p.publish(d)
		}
	}
}

func (p *DeltaPublisher) publish(d entity.Delta) {
	payload, err := json.Marshal(d)
	if err != nil {
		sinkFailures.WithLabelValues(p.queue.name).Inc()
		p.log.WithField("symbol", d.Symbol).Errorf("encode delta: %v", err)
		return
	}

	_, err = p.pub.Publish(constant.MarketStreamSubjectPrefix+d.Symbol, payload)
	if err != nil {
		sinkFailures.WithLabelValues(p.queue.name).Inc()
		p.log.WithFields(logrus.Fields{
			"symbol":  d.Symbol,
			"version": d.Version,
		}).Warnf("publish delta: %v", err)
	}
}
