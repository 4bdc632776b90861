package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tournevent/carrierlink/pkg/shipper"
)

// record is the dedupe entry of one idempotency key. The fields below done
// are written once by the claim owner before done is closed.
type record struct {
	fingerprint string
	done        chan struct{}

	result      *shipper.ShipmentResult
	err         error
	fromStore   bool
	completedAt time.Time
}

func (r *record) completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// dedupeTable maps idempotency keys to records. Claims are per key: callers
// with different keys never contend.
type dedupeTable struct {
	records   sync.Map // string -> *record
	ttl       time.Duration
	now       func() time.Time
	lastSweep atomic.Int64
}

func newDedupeTable(ttl time.Duration, now func() time.Time) *dedupeTable {
	t := &dedupeTable{ttl: ttl, now: now}
	t.lastSweep.Store(now().UnixNano())
	return t
}

// claim returns the record for key. owner is true when the caller created it
// and must perform the carrier call and complete it. A live record with a
// different fingerprint is a ValidationError.
func (t *dedupeTable) claim(key, fingerprint string) (rec *record, owner bool, err error) {
	t.maybeSweep()
	for {
		fresh := &record{fingerprint: fingerprint, done: make(chan struct{})}
		v, loaded := t.records.LoadOrStore(key, fresh)
		if !loaded {
			return fresh, true, nil
		}
		existing := v.(*record)
		if t.expired(existing) {
			t.records.CompareAndDelete(key, existing)
			continue
		}
		if existing.fingerprint != fingerprint {
			return nil, false, shipper.NewValidationError("idempotencyKey",
				"already used for a different shipment request")
		}
		return existing, false, nil
	}
}

// complete records the outcome and wakes every waiter.
func (t *dedupeTable) complete(rec *record, result *shipper.ShipmentResult, err error, fromStore bool) {
	rec.result = result
	rec.err = err
	rec.fromStore = fromStore
	rec.completedAt = t.now()
	close(rec.done)
}

// release completes the record and forgets the key, so a later call with the
// same key performs a fresh attempt. Current waiters still observe err.
func (t *dedupeTable) release(key string, rec *record, err error) {
	t.complete(rec, nil, err, false)
	t.records.CompareAndDelete(key, rec)
}

func (t *dedupeTable) expired(rec *record) bool {
	return rec.completed() && t.now().Sub(rec.completedAt) >= t.ttl
}

// maybeSweep drops expired records at most once per quarter TTL.
func (t *dedupeTable) maybeSweep() {
	now := t.now().UnixNano()
	last := t.lastSweep.Load()
	if time.Duration(now-last) < t.ttl/4 || !t.lastSweep.CompareAndSwap(last, now) {
		return
	}
	t.records.Range(func(key, v any) bool {
		if rec := v.(*record); t.expired(rec) {
			t.records.CompareAndDelete(key, rec)
		}
		return true
	})
}

// fingerprint hashes the canonical JSON form of a request.
func fingerprint(req *shipper.ShipmentRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
