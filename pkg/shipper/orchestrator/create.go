package orchestrator

import (
	"bytes"
	"context"
	"errors"

	"github.com/tournevent/carrierlink/pkg/shipper"
	"go.uber.org/zap"
)

// CreateShipment books a shipment with req.Carrier. Calls sharing an
// idempotency key and payload produce at most one carrier-side shipment:
// later or concurrent callers wait for the first call and receive its result
// with Replayed set. Failures are recorded against the key too, except
// authentication failures, which leave the key free for another attempt.
//
// The carrier call is not sent twice. It runs detached from ctx, so a caller
// that cancels or times out only stops waiting; the outcome is still recorded.
func (o *Orchestrator) CreateShipment(ctx context.Context, req *shipper.ShipmentRequest) (result *shipper.ShipmentResult, err error) {
	ctx, span := o.startSpan(ctx, OpCreateShipment, carrierOf(req))
	defer func() { shipper.EndSpan(span, err) }()

	if req == nil {
		return nil, shipper.NewValidationError("request", "is required")
	}
	if err := req.ValidateForCreate(); err != nil {
		return nil, err
	}
	s, err := o.registry.Get(req.Carrier)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(req)
	if err != nil {
		return nil, shipper.NewValidationError("request", "cannot be encoded: "+err.Error())
	}

	rec, owner, err := o.dedupe.claim(req.IdempotencyKey, fp)
	if err != nil {
		o.logger.Ctx(ctx).Warn("Idempotency key reused with a different request",
			zap.String("carrier", s.Name()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return nil, err
	}

	policy := o.policy(s.Name())
	if owner {
		go o.runCreate(context.WithoutCancel(ctx), s, req, rec, fp, policy)
	} else {
		o.logger.Ctx(ctx).Info("Joining existing shipment creation",
			zap.String("carrier", s.Name()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
	}

	waitCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	select {
	case <-rec.done:
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, shipper.NewShipperError(s.Name(), shipper.ErrTimeout, shipper.CodeDeadlineExceeded,
				"shipment creation did not finish within "+policy.Timeout.String()+"; retry with the same idempotency key")
		}
		return nil, shipper.NetworkError(s.Name(), waitCtx.Err())
	}

	if rec.err != nil {
		return nil, rec.err
	}

	res := *rec.result
	res.RawResponse = bytes.Clone(rec.result.RawResponse)
	res.Replayed = !owner || rec.fromStore
	if res.Replayed {
		o.metrics.ObserveReplay(s.Name())
		o.logger.Ctx(ctx).Info("Replayed shipment result",
			zap.String("carrier", s.Name()),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("tracking_number", res.TrackingNumber),
		)
	}
	return &res, nil
}

// runCreate performs the carrier call for a claimed key and completes its
// record. ctx must not carry the caller's cancellation.
func (o *Orchestrator) runCreate(ctx context.Context, s shipper.Shipper, req *shipper.ShipmentRequest, rec *record, fp string, policy CarrierPolicy) {
	carrier := s.Name()
	key := req.IdempotencyKey
	start := o.now()

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	if stored, err := o.loadStored(ctx, key, fp); err != nil {
		o.dedupe.release(key, rec, err)
		return
	} else if stored != nil {
		o.dedupe.complete(rec, stored, nil, true)
		return
	}

	result, err := withTokenRetry(ctx, func(ctx context.Context) (*shipper.ShipmentResult, error) {
		return s.CreateShipment(ctx, req)
	})
	err = deadlineError(ctx, carrier, policy.Timeout, err)
	o.metrics.ObserveRequest(OpCreateShipment, carrier, err, o.now().Sub(start))

	if err != nil {
		o.metrics.ObserveCarrierError(carrier, err)
		if errors.Is(err, shipper.ErrAuth) || errors.Is(err, shipper.ErrValidation) {
			o.logger.Ctx(ctx).Warn("Shipment creation refused before booking",
				zap.String("carrier", carrier),
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
			o.dedupe.release(key, rec, err)
			return
		}
		o.logger.Ctx(ctx).Error("Shipment creation failed",
			zap.String("carrier", carrier),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		o.dedupe.complete(rec, nil, err, false)
		return
	}

	o.logger.Ctx(ctx).Info("Shipment created",
		zap.String("carrier", carrier),
		zap.String("idempotency_key", key),
		zap.String("tracking_number", result.TrackingNumber),
	)
	o.saveStored(ctx, key, fp, result)
	o.dedupe.complete(rec, result, nil, false)
}

// loadStored returns a result persisted by another replica. A stored result
// for a different request is a ValidationError. Store failures are logged
// and treated as a miss.
func (o *Orchestrator) loadStored(ctx context.Context, key, fp string) (*shipper.ShipmentResult, error) {
	if o.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	result, storedFP, err := o.store.Load(ctx, key)
	if err != nil {
		o.logger.Ctx(ctx).Warn("Failed to read idempotency store", zap.String("idempotency_key", key), zap.Error(err))
		return nil, nil
	}
	if result == nil {
		return nil, nil
	}
	if storedFP != fp {
		return nil, shipper.NewValidationError("idempotencyKey", "already used for a different shipment request")
	}
	return result, nil
}

func (o *Orchestrator) saveStored(ctx context.Context, key, fp string, result *shipper.ShipmentResult) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := o.store.Save(ctx, key, fp, result, o.config.IdempotencyTTL); err != nil {
		o.logger.Ctx(ctx).Warn("Failed to write idempotency store", zap.String("idempotency_key", key), zap.Error(err))
	}
}
