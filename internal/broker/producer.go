package broker

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plantd/jobbroker/internal/admission"
	"github.com/plantd/jobbroker/internal/queueitem"
)

// Producer is the separate goroutine that polls the queue store, runs
// the admission filter, and feeds accepted items into the broker's
// per-service request buffers. It is the direct Go translation of the
// original's ZMQProducer.read_items loop, narrowed to this core's
// CREATED/PROCESSING handling.
type Producer struct {
	broker *Broker
	tick   time.Duration
}

// NewProducer builds a Producer polling once per ProducerTick.
func NewProducer(b *Broker) *Producer {
	return &Producer{broker: b, tick: ProducerTick}
}

// Run polls once per tick until stop is closed.
func (p *Producer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	log.Debug("producer loop starting")
	for {
		select {
		case <-stop:
			log.Debug("producer loop stopping")
			return
		case <-ticker.C:
			p.tickOnce(context.Background())
		}
	}
}

// tickOnce runs a single polling pass: every CREATED item is considered
// for admission and dispatch; PROCESSING items are read and left as they
// are, with no retry or timeout handling applied to them.
func (p *Producer) tickOnce(ctx context.Context) {
	created, err := p.broker.Queue.GetByStatus(ctx, queueitem.StatusCreated)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to read CREATED items, skipping this tick")
	}
	processing, err := p.broker.Queue.GetByStatus(ctx, queueitem.StatusProcessing)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to read PROCESSING items")
	}

	for i := range created {
		p.processCreatedItem(ctx, created[i])
	}

	for i := range processing {
		// Retry/timeout re-evaluation is an explicit extension point the
		// original leaves unimplemented; nothing to do here yet.
		_ = processing[i]
	}
}

// processCreatedItem runs admission on one CREATED item and either
// leaves it CREATED (deferred), dispatches it and marks it PROCESSING,
// or marks it ERRORED. item is bound to a local before any admission
// work runs, so a panic recovered below always has a concrete item to
// report against — the original's equivalent handler can reference an
// unbound loop variable if the exception fires before this point.
func (p *Producer) processCreatedItem(ctx context.Context, item queueitem.QueueItem) {
	failing := item

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"item": failing.ID, "panic": r}).Error("producer loop panic, marking item ERRORED")
			failing.Status = queueitem.StatusErrored
			if err := p.broker.Queue.Update(ctx, failing.OwnerKey, failing); err != nil {
				log.WithFields(log.Fields{"item": failing.ID, "error": err}).Error("failed to persist ERRORED status after panic")
			}
		}
	}()

	if item.HasAction() {
		outcome, err := admission.Decide(ctx, p.broker.Objects, item.OwnerKey, admission.ActionPayload{
			ActionID: item.Action.ActionID,
			Args:     item.Action.Args,
			Kwargs:   item.Action.Kwargs,
		}, func(objectID string, err error) {
			log.WithFields(log.Fields{"item": item.ID, "object": objectID, "error": err}).Warn("admission store lookup failed, argument left unchanged")
		})
		if err != nil {
			log.WithFields(log.Fields{"item": item.ID, "error": err}).Error("admission rewrite failed, marking item ERRORED")
			item.Status = queueitem.StatusErrored
			if uerr := p.broker.Queue.Update(ctx, item.OwnerKey, item); uerr != nil {
				log.WithFields(log.Fields{"item": item.ID, "error": uerr}).Error("failed to persist ERRORED status")
			}
			return
		}
		if outcome == admission.OutcomeDefer {
			log.WithFields(log.Fields{"item": item.ID}).Debug("deferring item, unresolved reference")
			return
		}
	}

	svc, known := p.broker.serviceKnown(item.PoolName)
	if !known {
		log.WithFields(log.Fields{"item": item.ID, "pool": item.PoolName}).Debug("pool has no registered workers yet, leaving item CREATED")
		return
	}

	payload, err := p.serialize(item)
	if err != nil {
		log.WithFields(log.Fields{"item": item.ID, "error": err}).Error("failed to serialize item, marking ERRORED")
		item.Status = queueitem.StatusErrored
		if uerr := p.broker.Queue.Update(ctx, item.OwnerKey, item); uerr != nil {
			log.WithFields(log.Fields{"item": item.ID, "error": uerr}).Error("failed to persist ERRORED status")
		}
		return
	}

	p.broker.Dispatch(svc, payload)

	item.Status = queueitem.StatusProcessing
	if err := p.broker.Queue.Update(ctx, item.OwnerKey, item); err != nil {
		log.WithFields(log.Fields{"item": item.ID, "error": err}).Error("failed to persist PROCESSING status")
	}
}

// serialize produces the bytes handed to a worker: the item's opaque
// payload as-is, or its ActionPayload JSON-encoded when no opaque
// payload was supplied.
func (p *Producer) serialize(item queueitem.QueueItem) ([]byte, error) {
	if item.Payload != nil {
		return item.Payload, nil
	}
	return json.Marshal(item.Action)
}
