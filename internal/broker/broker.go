// Package broker implements the duplex router socket at the center of
// the dispatch core: the Worker Table, Service Table, Waiting List, the
// router control loop, and the producer loop that feeds it from the
// queue store. This is the worker-only half of the Majordomo protocol —
// there is no client/MMI surface here, since dispatch is driven by the
// queue store rather than by an inbound client request.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq/v4"

	"github.com/plantd/jobbroker/internal/object"
	"github.com/plantd/jobbroker/internal/queueitem"
	"github.com/plantd/jobbroker/internal/worker"
)

// TeardownNotifier is called whenever the broker removes a worker (purge,
// DISCONNECT, re-registration), so an external worker-management service
// can tear down the underlying process. It is a collaborator the core only
// calls, never owns.
type TeardownNotifier func(workerID string)

// Worker is the broker's in-memory record for one connected worker,
// keyed by socket identity in Broker.workers.
type Worker struct {
	Identity       string
	Address        []byte
	Service        *Service
	SyftWorkerID   string
	ExpiryDeadline time.Time

	broker *Broker
}

// Service is the broker's in-memory registry for one named worker pool.
type Service struct {
	Name     string
	Requests [][]byte
	Waiting  []*Worker
}

// Broker owns the router socket, the Worker/Service tables, and the
// global waiting list. Exactly two goroutines touch it: the router loop
// (sole socket owner) and the producer loop (sole writer into
// Service.Requests via the queue store); mu guards the four shared
// structures spec'd in the concurrency model, sendMu guards socket
// sends specifically since both dispatch and purge/heartbeat call Send
// from the router loop.
type Broker struct {
	Socket   *czmq.Sock
	endpoint string

	mu       sync.Mutex
	services map[string]*Service
	workers  map[string]*Worker
	waiting  []*Worker

	sendMu sync.Mutex

	heartbeatAt time.Time
	isBound     bool

	Queue    queueitem.Store
	Objects  object.Store
	Registry worker.Registry

	PollerTimeoutMS   int
	HeartbeatInterval time.Duration
	HeartbeatLiveness int

	Teardown TeardownNotifier

	ErrorChannel chan error

	metrics *Metrics
}

// NewBroker constructs a Broker bound to no socket yet; call Bind to
// start listening.
func NewBroker(endpoint string, queue queueitem.Store, objects object.Store, registry worker.Registry, metrics *Metrics) *Broker {
	return &Broker{
		endpoint:          endpoint,
		services:          make(map[string]*Service),
		workers:           make(map[string]*Worker),
		waiting:           make([]*Worker, 0),
		heartbeatAt:       time.Now().Add(HeartbeatInterval),
		Queue:             queue,
		Objects:           objects,
		Registry:          registry,
		PollerTimeoutMS:   250,
		HeartbeatInterval: HeartbeatInterval,
		HeartbeatLiveness: HeartbeatLiveness,
		ErrorChannel:      make(chan error, 16),
		metrics:           metrics,
	}
}

// Bind creates and binds the router socket. Can only be called once per
// Broker instance.
func (b *Broker) Bind() error {
	sock, err := czmq.NewRouter(b.endpoint)
	if err != nil {
		log.WithFields(log.Fields{"endpoint": b.endpoint, "error": err}).Error("broker failed to bind")
		return newError(ErrCodeSocketSend, "failed to bind router socket", err).WithContext("endpoint", b.endpoint)
	}
	sock.SetOption(czmq.SockSetRcvhwm(500000))
	b.Socket = sock
	b.isBound = true
	log.WithFields(log.Fields{"endpoint": b.endpoint}).Info("broker bound and listening")
	return nil
}

// Close unbinds and releases the router socket.
func (b *Broker) Close() error {
	if b.isBound && b.Socket != nil {
		err := b.Socket.Unbind(b.endpoint)
		b.Socket.Destroy()
		b.Socket = nil
		b.isBound = false
		return err
	}
	return nil
}

// Run is the router control loop. It exits when stop is closed.
func (b *Broker) Run(stop <-chan struct{}) {
	poller, err := czmq.NewPoller(b.Socket)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to create poller")
		return
	}
	defer poller.Destroy()

	log.Debug("router loop starting")
	for {
		select {
		case <-stop:
			log.Debug("router loop stopping")
			return
		default:
		}

		// Step 1: drain any service whose workers are already waiting,
		// with no new message, before polling for one.
		b.mu.Lock()
		for _, svc := range b.services {
			b.dispatchLocked(svc, nil)
		}
		b.mu.Unlock()

		sock, err := poller.Wait(b.PollerTimeoutMS)
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("poller wait failed")
			continue
		}
		if sock != nil {
			recv, err := sock.RecvMessage()
			if err != nil {
				log.WithFields(log.Fields{"error": err}).Warn("failed to receive message")
			} else {
				b.handleFrame(framesToStrings(recv))
			}
		}

		if time.Now().After(b.heartbeatAt) {
			b.sendHeartbeats()
			b.heartbeatAt = time.Now().Add(b.HeartbeatInterval)
		}

		b.Purge()
	}
}

// handleFrame validates and routes one raw inbound multipart message.
func (b *Broker) handleFrame(msg []string) {
	if len(msg) < 3 {
		log.WithFields(log.Fields{"frames": len(msg)}).Warn("dropping undersized frame")
		return
	}

	address, rest := popStr(msg)
	header, rest := popStr(rest)
	if header != WorkerProtocol {
		log.WithFields(log.Fields{"header": header, "address": address}).Warn("dropping frame with unknown header")
		return
	}

	b.processWorker(address, rest)
}

// processWorker handles one READY, HEARTBEAT, or DISCONNECT frame sent
// by a worker.
func (b *Broker) processWorker(address string, msg []string) {
	if len(msg) == 0 {
		log.Warn("dropping worker frame with no command")
		return
	}
	command, msg := popStr(msg)

	b.mu.Lock()
	_, alreadyKnown := b.workers[address]
	w := b.workerRequireLocked(address)
	b.mu.Unlock()

	switch command {
	case CmdReady:
		if alreadyKnown {
			// Re-registration: disconnect and drop the old entry; the
			// worker is expected to resend READY.
			b.deleteWorker(w, true)
			return
		}
		if len(msg) < 2 {
			log.WithFields(log.Fields{"address": address}).Warn("READY frame missing service name or worker id")
			b.deleteWorker(w, true)
			return
		}
		serviceName, syftWorkerID := msg[0], msg[1]

		b.mu.Lock()
		w.Service = b.serviceRequireLocked(serviceName)
		w.SyftWorkerID = syftWorkerID
		b.mu.Unlock()

		b.markWaiting(w)
	case CmdHeartbeat:
		if !alreadyKnown {
			log.WithFields(log.Fields{"address": address}).Warn("HEARTBEAT from unknown worker")
			b.deleteWorker(w, true)
			return
		}
		b.mu.Lock()
		w.ExpiryDeadline = time.Now().Add(time.Duration(b.HeartbeatLiveness) * b.HeartbeatInterval)
		b.mu.Unlock()
		b.markWaiting(w)
	case CmdDisconnect:
		b.deleteWorker(w, false)
	default:
		log.WithFields(log.Fields{"command": command, "address": address}).Error("invalid worker command")
	}
}

// serviceRequireLocked locates or lazily creates a Service by name.
// Caller must hold b.mu.
func (b *Broker) serviceRequireLocked(name string) *Service {
	svc, ok := b.services[name]
	if !ok {
		svc = &Service{Name: name, Requests: make([][]byte, 0), Waiting: make([]*Worker, 0)}
		b.services[name] = svc
		log.WithFields(log.Fields{"service": name}).Debug("registered new service")
	}
	return svc
}

// ServiceRequire is the exported, locked form used by the producer loop.
func (b *Broker) ServiceRequire(name string) *Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceRequireLocked(name)
}

// serviceKnown reports whether name has an existing Service, without
// creating one — used by the producer loop, which must skip items whose
// pool has no registered workers rather than auto-creating a service.
func (b *Broker) serviceKnown(name string) (*Service, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc, ok := b.services[name]
	return svc, ok
}

func (b *Broker) workerRequireLocked(address string) *Worker {
	w, ok := b.workers[address]
	if !ok {
		w = &Worker{Identity: address, Address: []byte(address), broker: b}
		b.workers[address] = w
		log.WithFields(log.Fields{"worker": address}).Debug("registering new worker")
	}
	return w
}

// markWaiting appends w to the global and per-service waiting lists (if
// absent), resets its expiry, records IDLE in the registry, and attempts
// a dispatch on its service.
func (b *Broker) markWaiting(w *Worker) {
	b.mu.Lock()
	if !containsWorker(b.waiting, w) {
		b.waiting = append(b.waiting, w)
	}
	if w.Service != nil && !containsWorker(w.Service.Waiting, w) {
		w.Service.Waiting = append(w.Service.Waiting, w)
	}
	w.ExpiryDeadline = time.Now().Add(time.Duration(b.HeartbeatLiveness) * b.HeartbeatInterval)
	svc := w.Service
	b.mu.Unlock()

	if err := b.Registry.UpdateConsumerState(context.Background(), w.SyftWorkerID, worker.ConsumerIdle); err != nil {
		log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Warn("failed to persist IDLE consumer state")
	}

	if svc != nil {
		b.mu.Lock()
		b.dispatchLocked(svc, nil)
		b.mu.Unlock()
	}

	if b.metrics != nil {
		b.metrics.setWaitingWorkers(len(b.waiting))
	}
}

func containsWorker(list []*Worker, w *Worker) bool {
	for _, e := range list {
		if e == w {
			return true
		}
	}
	return false
}

// Dispatch appends msg (if non-nil) to svc.Requests and pairs as many
// waiting workers with queued requests as possible.
func (b *Broker) Dispatch(svc *Service, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchLocked(svc, msg)
}

// dispatchLocked is Dispatch's body; caller must hold b.mu.
func (b *Broker) dispatchLocked(svc *Service, msg []byte) {
	if msg != nil {
		svc.Requests = append(svc.Requests, msg)
	}

	for len(svc.Waiting) > 0 && len(svc.Requests) > 0 {
		var w *Worker
		w, svc.Waiting = popWorkerEntry(svc.Waiting)
		b.waiting = delWorkerEntry(b.waiting, w)

		var payload []byte
		payload, svc.Requests = svc.Requests[0], svc.Requests[1:]

		if err := b.send(w, CmdRequest, payload); err != nil {
			log.WithFields(log.Fields{"worker": w.Identity, "service": svc.Name, "error": err}).Error("failed to dispatch request to worker")
			continue
		}
		if err := b.Registry.UpdateConsumerState(context.Background(), w.SyftWorkerID, worker.ConsumerConsuming); err != nil {
			log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Warn("failed to persist CONSUMING consumer state")
		}
		if b.metrics != nil {
			b.metrics.incDispatched(svc.Name)
			b.metrics.setQueueDepth(svc.Name, len(svc.Requests))
		}
	}
}

// sendHeartbeats sends W_HEARTBEAT to every currently-waiting worker.
func (b *Broker) sendHeartbeats() {
	b.mu.Lock()
	targets := append([]*Worker(nil), b.waiting...)
	b.mu.Unlock()

	for _, w := range targets {
		if err := b.send(w, CmdHeartbeat, nil); err != nil {
			log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Error("failed to send heartbeat")
		}
	}
}

// Purge removes idle workers that have either expired or been flagged
// to_be_deleted by the registry. Workers are held oldest-first so
// iteration can stop at the first live worker; the full list is scanned
// for to_be_deleted flags regardless, per the "implementations may
// choose to scan the full list for safety" allowance.
func (b *Broker) Purge() {
	b.mu.Lock()
	snapshot := append([]*Worker(nil), b.waiting...)
	b.mu.Unlock()

	now := time.Now()
	for _, w := range snapshot {
		flags, err := b.Registry.GetFlags(context.Background(), w.SyftWorkerID)
		if err != nil {
			log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Warn("failed to read worker flags, skipping this tick")
			continue
		}

		expired := w.ExpiryDeadline.Before(now)
		if !expired && !flags.ToBeDeleted {
			continue
		}
		log.WithFields(log.Fields{"worker": w.Identity, "expired": expired, "to_be_deleted": flags.ToBeDeleted}).Debug("purging worker")
		b.deleteWorker(w, expired)
	}
}

// deleteWorker removes w from every table it's registered in, optionally
// notifying it with a DISCONNECT frame first, marks it DETACHED in the
// registry, and notifies the external worker-management collaborator.
func (b *Broker) deleteWorker(w *Worker, disconnect bool) {
	if disconnect {
		if err := b.send(w, CmdDisconnect, nil); err != nil {
			log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Error("failed to send disconnect")
		}
	}

	b.mu.Lock()
	if w.Service != nil {
		w.Service.Waiting = delWorkerEntry(w.Service.Waiting, w)
	}
	b.waiting = delWorkerEntry(b.waiting, w)
	delete(b.workers, w.Identity)
	b.mu.Unlock()

	if err := b.Registry.UpdateConsumerState(context.Background(), w.SyftWorkerID, worker.ConsumerDetached); err != nil {
		log.WithFields(log.Fields{"worker": w.Identity, "error": err}).Warn("failed to persist DETACHED consumer state")
	}

	if b.Teardown != nil {
		b.Teardown(w.SyftWorkerID)
	}

	if b.metrics != nil {
		b.mu.Lock()
		b.metrics.setWaitingWorkers(len(b.waiting))
		b.mu.Unlock()
	}
}

// send formats and sends one command frame to w, serialized under sendMu
// since dispatch, heartbeat, and purge paths all call it from the router
// loop.
func (b *Broker) send(w *Worker, command string, payload []byte) error {
	frames := []string{w.Identity, WorkerProtocol, command}
	if payload != nil {
		frames = append(frames, string(payload))
	}

	log.WithFields(log.Fields{"command": commandNames[command], "worker": w.Identity}).Trace("sending frame")

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := b.Socket.SendMessage(stringsToFrames(frames)); err != nil {
		return newError(ErrCodeSocketSend, fmt.Sprintf("send %s to %s", commandNames[command], w.Identity), err)
	}
	return nil
}
