// Package orchestrator is the public entry point to the registered carriers.
// It routes or fans out requests, retries transient read failures, retries
// once after a rejected token, bounds every operation by a deadline and
// guarantees at most one carrier-side shipment per idempotency key.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour

	storeTimeout = 2 * time.Second
)

// Operation names used in metrics and logs.
const (
	OpValidateAddress    = "validate_address"
	OpGetRates           = "get_rates"
	OpCreateShipment     = "create_shipment"
	OpTrackShipment      = "track_shipment"
	OpTestAuthentication = "test_authentication"
)

// CarrierPolicy overrides the global budget for one carrier. Zero fields
// inherit the global value.
type CarrierPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Config holds the orchestrator budgets.
type Config struct {
	// Timeout bounds one operation against one carrier, retries included.
	Timeout time.Duration
	// MaxAttempts counts every attempt of a read operation, the first included.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	IdempotencyTTL time.Duration
	Carriers       map[string]CarrierPolicy
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return c
}

// Metrics receives request outcomes.
type Metrics interface {
	ObserveRequest(operation, carrier string, err error, duration time.Duration)
	ObserveCarrierError(carrier string, err error)
	ObserveReplay(carrier string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, error, time.Duration) {}
func (nopMetrics) ObserveCarrierError(string, error)                   {}
func (nopMetrics) ObserveReplay(string)                                {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithResultStore shares successful shipment results with other replicas.
func WithResultStore(s ResultStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithTracer sets the tracer. The global tracer is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator coordinates the registered carriers.
type Orchestrator struct {
	config   Config
	registry *shipper.Registry
	logger   *otelzap.Logger
	tracer   trace.Tracer
	metrics  Metrics
	store    ResultStore
	now      func() time.Time
	dedupe   *dedupeTable
}

// New creates an Orchestrator over the carriers in registry.
func New(cfg Config, registry *shipper.Registry, logger *otelzap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   cfg.withDefaults(),
		registry: registry,
		logger:   logger,
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tracer = shipper.Tracer(o.tracer)
	o.dedupe = newDedupeTable(o.config.IdempotencyTTL, o.now)
	return o
}

// Carriers returns the registered carrier names in registration order.
func (o *Orchestrator) Carriers() []string {
	return o.registry.Names()
}

func (o *Orchestrator) policy(carrier string) CarrierPolicy {
	p := CarrierPolicy{Timeout: o.config.Timeout, MaxAttempts: o.config.MaxAttempts}
	if override, ok := o.config.Carriers[carrier]; ok {
		if override.Timeout > 0 {
			p.Timeout = override.Timeout
		}
		if override.MaxAttempts > 0 {
			p.MaxAttempts = override.MaxAttempts
		}
	}
	return p
}

func (o *Orchestrator) startSpan(ctx context.Context, operation, carrier string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "orchestrator."+operation,
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("carrier", carrier),
		),
	)
}

// targets returns the named carrier, or every carrier when name is empty.
func (o *Orchestrator) targets(name string) ([]shipper.Shipper, error) {
	if name != "" {
		s, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		return []shipper.Shipper{s}, nil
	}
	all := o.registry.All()
	if len(all) == 0 {
		return nil, shipper.NewShipperError("", shipper.ErrUnknownCarrier, "NO_CARRIERS", "no carriers are configured")
	}
	return all, nil
}

// ============================================================================
// Read operations
// ============================================================================

// ValidateAddress checks an address with one carrier, or with every carrier
// when carrier is empty. Carriers that fail are logged and left out unless
// all of them fail.
func (o *Orchestrator) ValidateAddress(ctx context.Context, carrier string, addr shipper.Address) (results []shipper.AddressValidation, err error) {
	ctx, span := o.startSpan(ctx, OpValidateAddress, carrier)
	defer func() { shipper.EndSpan(span, err) }()

	if err := addr.Validate(); err != nil {
		return nil, err
	}
	targets, err := o.targets(carrier)
	if err != nil {
		return nil, err
	}

	validations, errs := fanOut(ctx, o, targets, OpValidateAddress,
		func(ctx context.Context, s shipper.Shipper) (*shipper.AddressValidation, error) {
			return s.ValidateAddress(ctx, addr)
		})
	if err := o.fanOutError(ctx, OpValidateAddress, targets, errs); err != nil {
		return nil, err
	}

	results = make([]shipper.AddressValidation, 0, len(validations))
	for i, v := range validations {
		if errs[i] == nil && v != nil {
			results = append(results, *v)
		}
	}
	return results, nil
}

// GetRates returns the quotes of req.Carrier, or of every carrier when it is
// empty, sorted by cost, then transit days, then carrier name.
func (o *Orchestrator) GetRates(ctx context.Context, req *shipper.ShipmentRequest) (quotes []shipper.RateQuote, err error) {
	ctx, span := o.startSpan(ctx, OpGetRates, carrierOf(req))
	defer func() { shipper.EndSpan(span, err) }()

	if req == nil {
		return nil, shipper.NewValidationError("request", "is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	targets, err := o.targets(req.Carrier)
	if err != nil {
		return nil, err
	}

	perCarrier, errs := fanOut(ctx, o, targets, OpGetRates,
		func(ctx context.Context, s shipper.Shipper) ([]shipper.RateQuote, error) {
			return s.GetRates(ctx, req)
		})
	if err := o.fanOutError(ctx, OpGetRates, targets, errs); err != nil {
		return nil, err
	}

	quotes = []shipper.RateQuote{}
	for _, q := range perCarrier {
		quotes = append(quotes, q...)
	}
	sortQuotes(quotes)

	o.logger.Ctx(ctx).Info("Collected rate quotes",
		zap.Int("carrier_count", len(targets)),
		zap.Int("quote_count", len(quotes)),
	)
	return quotes, nil
}

func sortQuotes(quotes []shipper.RateQuote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i], quotes[j]
		if a.Cost.Amount != b.Cost.Amount {
			return a.Cost.Amount < b.Cost.Amount
		}
		if a.EstimatedDays != b.EstimatedDays {
			return a.EstimatedDays < b.EstimatedDays
		}
		return a.Carrier < b.Carrier
	})
}

// TrackShipment returns the events of a tracking number. Without a carrier,
// carriers recognizing the number are asked first, then the others. The
// first carrier in registration order that returns events wins. Both rounds
// share one deadline, the longest carrier timeout.
func (o *Orchestrator) TrackShipment(ctx context.Context, req *shipper.TrackingRequest) (result *shipper.TrackingResult, err error) {
	ctx, span := o.startSpan(ctx, OpTrackShipment, carrierOf(req))
	defer func() { shipper.EndSpan(span, err) }()

	if req == nil {
		return nil, shipper.NewValidationError("request", "is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	track := func(ctx context.Context, s shipper.Shipper) ([]shipper.TrackingEvent, error) {
		return s.TrackShipment(ctx, req)
	}

	if req.Carrier != "" {
		s, err := o.registry.Get(req.Carrier)
		if err != nil {
			return nil, err
		}
		events, err := retryRead(ctx, o, s.Name(), OpTrackShipment,
			func(ctx context.Context) ([]shipper.TrackingEvent, error) { return track(ctx, s) })
		if err != nil {
			return nil, err
		}
		return newTrackingResult(s.Name(), req.TrackingNumber, events), nil
	}

	all, err := o.targets("")
	if err != nil {
		return nil, err
	}
	candidates, rest := partitionByMatcher(all, req.TrackingNumber)

	timeout := o.longestTimeout(all)
	trackCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var empty *shipper.TrackingResult
	var firstErr error
	for _, group := range [][]shipper.Shipper{candidates, rest} {
		if len(group) == 0 || trackCtx.Err() != nil {
			continue
		}
		eventLists, errs := fanOut(trackCtx, o, group, OpTrackShipment, track)
		for i, s := range group {
			switch {
			case errs[i] == nil && len(eventLists[i]) > 0:
				return newTrackingResult(s.Name(), req.TrackingNumber, eventLists[i]), nil
			case errs[i] == nil:
				if empty == nil {
					empty = newTrackingResult(s.Name(), req.TrackingNumber, nil)
				}
			case shipper.IsNotFound(errs[i]):
			default:
				if firstErr == nil {
					firstErr = errs[i]
				}
			}
		}
	}

	switch {
	case empty != nil:
		return empty, nil
	case firstErr != nil:
		return nil, deadlineError(trackCtx, "", timeout, firstErr)
	case trackCtx.Err() != nil:
		return nil, deadlineError(trackCtx, "", timeout, trackCtx.Err())
	default:
		return nil, shipper.NewShipperError("", shipper.ErrCarrierRejected, shipper.CodeNotFound,
			"no carrier knows tracking number "+req.TrackingNumber).WithStatusCode(404)
	}
}

func (o *Orchestrator) longestTimeout(targets []shipper.Shipper) time.Duration {
	var longest time.Duration
	for _, s := range targets {
		longest = max(longest, o.policy(s.Name()).Timeout)
	}
	return longest
}

// partitionByMatcher splits carriers into those recognizing the number and
// the rest. When none recognizes it, every carrier is a candidate.
func partitionByMatcher(all []shipper.Shipper, trackingNumber string) (candidates, rest []shipper.Shipper) {
	for _, s := range all {
		if m, ok := s.(shipper.TrackingNumberMatcher); ok && m.MatchesTrackingNumber(trackingNumber) {
			candidates = append(candidates, s)
		} else {
			rest = append(rest, s)
		}
	}
	if len(candidates) == 0 {
		return all, nil
	}
	return candidates, rest
}

func newTrackingResult(carrier, trackingNumber string, events []shipper.TrackingEvent) *shipper.TrackingResult {
	if events == nil {
		events = []shipper.TrackingEvent{}
	}
	return &shipper.TrackingResult{
		Carrier:        carrier,
		TrackingNumber: trackingNumber,
		Status:         shipper.LatestStatus(events),
		Events:         events,
	}
}

// TestAuthentication checks the credentials of the named carriers, or of all
// of them. The map holds one entry per carrier; nil means the check passed.
func (o *Orchestrator) TestAuthentication(ctx context.Context, carriers ...string) map[string]error {
	ctx, span := o.startSpan(ctx, OpTestAuthentication, "")
	defer span.End()

	if len(carriers) == 0 {
		carriers = o.registry.Names()
	}

	errs := make([]error, len(carriers))
	var g errgroup.Group
	for i, name := range carriers {
		g.Go(func() error {
			errs[i] = o.testAuthentication(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]error, len(carriers))
	for i, name := range carriers {
		results[name] = errs[i]
	}
	return results
}

func (o *Orchestrator) testAuthentication(ctx context.Context, name string) error {
	s, err := o.registry.Get(name)
	if err != nil {
		return err
	}
	policy := o.policy(name)
	start := o.now()

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	_, err = withTokenRetry(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.TestAuthentication(ctx)
	})
	err = deadlineError(ctx, name, policy.Timeout, err)

	o.metrics.ObserveRequest(OpTestAuthentication, name, err, o.now().Sub(start))
	if err != nil {
		o.logger.Ctx(ctx).Warn("Carrier authentication check failed",
			zap.String("carrier", name),
			zap.Error(err),
		)
	}
	return err
}

// fanOut runs fn against every target concurrently with the read retry
// policy. Results and errors are indexed like targets.
func fanOut[T any](ctx context.Context, o *Orchestrator, targets []shipper.Shipper, operation string,
	fn func(context.Context, shipper.Shipper) (T, error)) ([]T, []error) {
	results := make([]T, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	for i, s := range targets {
		g.Go(func() error {
			results[i], errs[i] = retryRead(ctx, o, s.Name(), operation,
				func(ctx context.Context) (T, error) { return fn(ctx, s) })
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// fanOutError returns nil if at least one target succeeded. A single target's
// error is returned as is; several are joined.
func (o *Orchestrator) fanOutError(ctx context.Context, operation string, targets []shipper.Shipper, errs []error) error {
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if len(targets) > 1 {
			o.logger.Ctx(ctx).Warn("Carrier failed during fan-out",
				zap.String("operation", operation),
				zap.String("carrier", targets[i].Name()),
				zap.Error(err),
			)
		}
	}
	switch {
	case failed < len(errs):
		return nil
	case len(errs) == 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

func carrierOf[T *shipper.ShipmentRequest | *shipper.TrackingRequest](req T) string {
	switch r := any(req).(type) {
	case *shipper.ShipmentRequest:
		if r != nil {
			return r.Carrier
		}
	case *shipper.TrackingRequest:
		if r != nil {
			return r.Carrier
		}
	}
	return ""
}
