package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/plantd/jobbroker/internal/object"
	"github.com/plantd/jobbroker/internal/queueitem"
	"github.com/plantd/jobbroker/internal/worker"
)

// TestErrorClassification covers retryable vs. permanent classification
// for every error code this package defines.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		expectRetryable bool
		expectPermanent bool
	}{
		{"socket send", newError(ErrCodeSocketSend, "send failed", nil), true, false},
		{"worker disconnected", newError(ErrCodeWorkerDisconnected, "gone", nil), true, false},
		{"no service registered", newError(ErrCodeNoServiceRegistered, "unknown pool", nil), true, false},
		{"store failure", newError(ErrCodeStoreFailure, "lookup failed", nil), true, false},
		{"invalid message", newError(ErrCodeInvalidMessage, "bad frame", nil), false, true},
		{"double nesting", newError(ErrCodeDoubleNesting, "nested ref", nil), false, true},
		{"plain sentinel", ErrSocketSend, true, false},
		{"plain invalid message sentinel", ErrInvalidMessage, false, true},
		{"nil error", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectRetryable, IsRetryableError(tt.err))
			assert.Equal(t, tt.expectPermanent, IsPermanentError(tt.err))
			if tt.err != nil {
				assert.False(t, IsRetryableError(tt.err) && IsPermanentError(tt.err), "an error cannot be both retryable and permanent")
			}
		})
	}
}

func TestBrokerErrorStructure(t *testing.T) {
	t.Run("basic creation", func(t *testing.T) {
		err := newError(ErrCodeSocketSend, "send failed", nil)
		assert.Equal(t, ErrCodeSocketSend, err.Code)
		assert.Equal(t, "send failed", err.Message)
		assert.Nil(t, err.Cause)
		assert.Equal(t, "broker SOCKET_SEND: send failed", err.Error())
	})

	t.Run("wraps a cause and supports errors.Is/Unwrap", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := newError(ErrCodeSocketSend, "send failed", cause)

		assert.Same(t, cause, err.Unwrap())
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithContext accumulates key/value pairs", func(t *testing.T) {
		err := newError(ErrCodeSocketSend, "send failed", nil).
			WithContext("worker", "w-1").
			WithContext("service", "echo")

		assert.Equal(t, "w-1", err.Context["worker"])
		assert.Equal(t, "echo", err.Context["service"])
	})
}

func TestBrokerErrorComparison(t *testing.T) {
	t.Run("same code compares equal via errors.Is", func(t *testing.T) {
		a := newError(ErrCodeSocketSend, "first", nil)
		b := newError(ErrCodeSocketSend, "second", nil)
		assert.True(t, errors.Is(a, b))
	})

	t.Run("different codes compare unequal", func(t *testing.T) {
		a := newError(ErrCodeSocketSend, "first", nil)
		b := newError(ErrCodeInvalidMessage, "second", nil)
		assert.False(t, errors.Is(a, b))
	})

	t.Run("wrapped standard error matches with errors.Is", func(t *testing.T) {
		err := newError(ErrCodeSocketSend, "send failed", ErrSocketSend)
		assert.True(t, errors.Is(err, ErrSocketSend))
	})
}

// TestHeartbeatReliability sanity-checks the heartbeat constants.
func TestHeartbeatReliability(t *testing.T) {
	assert.Greater(t, HeartbeatInterval, time.Duration(0))
	assert.Greater(t, HeartbeatLiveness, 0)

	maxSilence := HeartbeatInterval * time.Duration(HeartbeatLiveness)
	assert.GreaterOrEqual(t, maxSilence, HeartbeatInterval)
	assert.Equal(t, HeartbeatExpiry, maxSilence)
}

// --- property-based invariants (SPEC_FULL.md section 8, invariants 1 and 4) ---

// genIdentity generates short worker identities for rapid traces.
func genIdentity(t *rapid.T, label string) string {
	return rapid.StringMatching(`[a-z][a-z0-9]{1,6}`).Draw(t, label)
}

// TestProperty_WaitingListsStaySubsetConsistent exercises invariant 1:
// every worker present in a Service's Waiting list is also present in the
// broker's global waiting list, after any sequence of READY/HEARTBEAT
// arrivals and DISCONNECTs.
func TestProperty_WaitingListsStaySubsetConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBroker("inproc://unused", queueitem.NewMemoryStore(), object.NewMemoryStore(), worker.NewMemoryRegistry(), nil)

		n := rapid.IntRange(1, 8).Draw(t, "n")
		seen := map[string]*Worker{}

		for i := 0; i < n; i++ {
			identity := genIdentity(t, "identity")
			action := rapid.SampledFrom([]string{"ready", "heartbeat", "disconnect"}).Draw(t, "action")

			b.mu.Lock()
			w := b.workerRequireLocked(identity)
			b.mu.Unlock()

			switch action {
			case "ready":
				b.mu.Lock()
				w.Service = b.serviceRequireLocked("svc")
				w.SyftWorkerID = identity
				b.mu.Unlock()
				b.markWaiting(w)
				seen[identity] = w
			case "heartbeat":
				if _, ok := seen[identity]; ok {
					b.markWaiting(w)
				}
			case "disconnect":
				delete(seen, identity)
				b.deleteWorker(w, false)
			}

			b.mu.Lock()
			for _, svc := range b.services {
				for _, sw := range svc.Waiting {
					if !containsWorker(b.waiting, sw) {
						t.Fatalf("worker %s in service waiting list but not in global waiting list", sw.Identity)
					}
				}
			}
			b.mu.Unlock()
		}
	})
}

// TestProperty_DispatchIsFIFOPerService exercises the queueing half of
// invariant 4: requests dispatched to a service with no waiting worker are
// held in its request buffer in the order they were submitted.
func TestProperty_DispatchIsFIFOPerService(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBroker("inproc://unused", queueitem.NewMemoryStore(), object.NewMemoryStore(), worker.NewMemoryRegistry(), nil)

		n := rapid.IntRange(1, 6).Draw(t, "n")
		svc := b.ServiceRequire("fifo-svc")

		var order [][]byte
		for i := 0; i < n; i++ {
			payload := []byte(rapid.StringMatching(`req-[0-9]{1,4}`).Draw(t, "payload"))
			order = append(order, payload)
			b.Dispatch(svc, payload)
		}

		// No workers were ever registered waiting, so every request must
		// still be queued, in submission order.
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(svc.Requests) != len(order) {
			t.Fatalf("expected %d queued requests, got %d", len(order), len(svc.Requests))
		}
		for i := range order {
			if string(svc.Requests[i]) != string(order[i]) {
				t.Fatalf("FIFO violated at index %d: want %q got %q", i, order[i], svc.Requests[i])
			}
		}
	})
}
