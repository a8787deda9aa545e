package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Publisher accepts events for asynchronous delivery.
type Publisher interface {
	Publish(ctx context.Context, e schemas.Event)
}

// DispatcherConfig holds configuration options needed to instantiate a new Dispatcher.
type DispatcherConfig struct {
	MaxConcurrentDeliveries int
	QueueSize               int
	Timeout                 time.Duration
}

// DeliveryStats counts delivery outcomes per channel.
type DeliveryStats struct {
	Success uint64
	Failure uint64
}

// Dispatcher renders events and delivers them to every recipient on every
// enabled channel.
type Dispatcher struct {
	resolver  *Resolver
	dir       Directory
	templates Templates
	channels  map[schemas.Channel]Channel
	cfg       DispatcherConfig
	logger    log.FieldLogger

	queue     chan queuedEvent
	Published atomic.Uint64
	Dropped   atomic.Uint64

	statsMutex sync.Mutex
	stats      map[schemas.Channel]DeliveryStats

	Now func() time.Time
}

type queuedEvent struct {
	ctx context.Context
	e   schemas.Event
}

// NewDispatcher returns a Dispatcher delivering on the given channels.
func NewDispatcher(
	r *Resolver,
	dir Directory,
	t Templates,
	cfg DispatcherConfig,
	logger log.FieldLogger,
	channels ...Channel,
) *Dispatcher {
	if cfg.MaxConcurrentDeliveries < 1 {
		cfg.MaxConcurrentDeliveries = 1
	}

	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	d := &Dispatcher{
		resolver:  r,
		dir:       dir,
		templates: t,
		channels:  make(map[schemas.Channel]Channel, len(channels)),
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan queuedEvent, cfg.QueueSize),
		stats:     make(map[schemas.Channel]DeliveryStats),
		Now:       time.Now,
	}

	for _, c := range channels {
		d.channels[c.Name()] = c
	}

	return d
}

// Dispatch delivers e synchronously and returns one record per
// (recipient, channel) attempt. It never fails: delivery errors are recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, e schemas.Event) []schemas.DeliveryRecord {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify:Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("event_kind", string(e.Kind)))
	span.SetAttributes(attribute.String("resource_id", e.ResourceID))

	logger := d.logger.WithFields(log.Fields{
		"event-id":   e.ID,
		"event-kind": e.Kind,
	})

	tpl, ok := d.templates[e.Kind]
	if !ok {
		logger.Error("no template for event kind, skipping")
		return nil
	}

	title, body, err := tpl.Render(e)
	if err != nil {
		logger.WithError(err).Error("rendering notification, skipping")
		return nil
	}

	type delivery struct {
		channel Channel
		message Message
	}

	var deliveries []delivery

	for _, id := range d.resolver.Resolve(ctx, e) {
		recipient, err := d.dir.GetUser(ctx, id)
		if err != nil {
			logger.WithField("user-id", id).WithError(err).Debug("unknown recipient, delivering in-app only")

			recipient = schemas.User{}
			recipient.ID = id
		}

		for _, name := range tpl.Channels {
			c, ok := d.channels[name]
			if !ok || !c.Accepts(recipient) {
				continue
			}

			deliveries = append(deliveries, delivery{
				channel: c,
				message: Message{
					Event:     e,
					Recipient: recipient,
					Title:     title,
					Body:      body,
					Expiry:    tpl.Expiry,
				},
			})
		}
	}

	records := make([]schemas.DeliveryRecord, len(deliveries))

	g := errgroup.Group{}
	g.SetLimit(d.cfg.MaxConcurrentDeliveries)

	for i, dl := range deliveries {
		g.Go(func() error {
			records[i] = d.deliver(ctx, dl.channel, dl.message)
			return nil
		})
	}

	_ = g.Wait()

	for _, r := range records {
		if !r.Success {
			logger.
				WithFields(log.Fields{
					"recipient-id": r.RecipientID,
					"channel":      r.Channel,
				}).
				Warn(r.Error)
		}
	}

	return records
}

func (d *Dispatcher) deliver(ctx context.Context, c Channel, m Message) (r schemas.DeliveryRecord) {
	r = schemas.DeliveryRecord{
		EventID:     m.Event.ID,
		Kind:        m.Event.Kind,
		RecipientID: m.Recipient.ID,
		Channel:     c.Name(),
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	err := c.Deliver(ctx, m)
	r.SentAt = d.Now()
	r.Success = err == nil

	if err != nil {
		r.Error = err.Error()
	}

	d.statsMutex.Lock()
	s := d.stats[r.Channel]
	if r.Success {
		s.Success++
	} else {
		s.Failure++
	}
	d.stats[r.Channel] = s
	d.statsMutex.Unlock()

	return
}

// Publish queues e for delivery by Start. Events are dropped when the queue is full.
func (d *Dispatcher) Publish(ctx context.Context, e schemas.Event) {
	select {
	case d.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), e: e}:
		d.Published.Add(1)
	default:
		d.Dropped.Add(1)
		d.logger.
			WithFields(log.Fields{
				"event-id":   e.ID,
				"event-kind": e.Kind,
			}).
			Warn("notification queue is full, dropping event")
	}
}

// Start delivers queued events until ctx is done, then drains what is left.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case q := <-d.queue:
			d.Dispatch(q.ctx, q.e)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.queue:
			d.Dispatch(q.ctx, q.e)
		default:
			return
		}
	}
}

// QueueLength returns the number of events waiting for delivery.
func (d *Dispatcher) QueueLength() int {
	return len(d.queue)
}

// Stats returns the delivery outcomes per channel.
func (d *Dispatcher) Stats() map[schemas.Channel]DeliveryStats {
	d.statsMutex.Lock()
	defer d.statsMutex.Unlock()

	out := make(map[schemas.Channel]DeliveryStats, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}

	return out
}
