// Package ledger guards step computations so each (run, step, key) result is
// persisted at most once and replayed on every later call.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/canonical"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/resilience"
)

// Store is the durable record store behind the ledger.
type Store interface {
	// GetRecord returns the record for key, or nil when none exists.
	GetRecord(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
	// InsertRecord atomically inserts rec unless a record with the same key
	// exists. It reports false when another writer got there first.
	InsertRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error)
}

// Policy tunes ledger behavior for one step.
type Policy struct {
	// AlwaysRecompute skips the cached read so a stale stored result is never
	// trusted. The fresh result is still offered to the store.
	AlwaysRecompute bool
}

// Compute produces a step result: a status code and a JSON-encodable body.
type Compute func(ctx context.Context) (int, any, error)

// Response is what Execute hands back to the caller.
type Response struct {
	Body        json.RawMessage
	StatusCode  int
	ContentHash string
	// Replayed is true when Body came from the store instead of compute.
	Replayed bool
	// Persisted is true when this call inserted the record.
	Persisted bool
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return eris.Wrap(err, "ledger: decode body")
	}
	return nil
}

// Ledger is the execution guard. It holds no per-run state and is safe for
// concurrent use.
type Ledger struct {
	store    Store
	policies map[model.StepName]Policy
	retry    resilience.RetryConfig
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy sets the policy for one step.
func WithPolicy(step model.StepName, p Policy) Option {
	return func(l *Ledger) { l.policies[step] = p }
}

// WithAlwaysRecompute marks steps that bypass the cached read.
func WithAlwaysRecompute(steps ...model.StepName) Option {
	return func(l *Ledger) {
		for _, s := range steps {
			l.policies[s] = Policy{AlwaysRecompute: true}
		}
	}
}

// WithRetry sets the retry policy for transient store failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Ledger) { l.retry = cfg }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		policies: make(map[model.StepName]Policy),
		retry:    resilience.DefaultRetryConfig(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// PolicyFor returns the policy configured for step.
func (l *Ledger) PolicyFor(step model.StepName) Policy {
	return l.policies[step]
}

// Execute runs compute at most once per key when writeAllowed is set.
//
// A stored record is replayed verbatim without calling compute. With no
// record, compute runs and its canonicalized result is inserted; if a
// concurrent writer won the insert, the winner's record is returned and the
// local result is discarded. With writeAllowed false nothing is persisted. A
// compute failure persists nothing.
func (l *Ledger) Execute(ctx context.Context, key model.IdempotencyKey, writeAllowed bool, compute Compute) (*Response, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	step := string(key.Step)
	policy := l.policies[key.Step]
	log := zap.L().With(
		zap.String("run_id", key.RunID),
		zap.String("step", step),
		zap.String("key", key.Key),
	)

	if !policy.AlwaysRecompute {
		rec, err := l.get(ctx, key)
		if err != nil {
			return nil, fault.Execution(key.RunID, step, err)
		}
		if rec != nil {
			log.Debug("ledger: replaying stored result")
			return fromRecord(rec), nil
		}
	}

	status, result, err := compute(ctx)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe.WithRun(key.RunID, step)
		}
		return nil, fault.Execution(key.RunID, step, err)
	}
	if status == 0 {
		status = http.StatusOK
	}

	body, hash, err := canonical.MarshalHash(result)
	if err != nil {
		return nil, fault.Execution(key.RunID, step, err)
	}

	resp := &Response{Body: body, StatusCode: status, ContentHash: hash}
	if !writeAllowed {
		log.Debug("ledger: dry run, result not persisted")
		return resp, nil
	}

	rec := &model.IdempotencyRecord{
		IdempotencyKey: key,
		Body:           body,
		StatusCode:     status,
		ContentHash:    hash,
		CreatedAt:      l.now().UTC(),
	}

	inserted, err := resilience.DoVal(ctx, l.withLogger("insert_record"), func(ctx context.Context) (bool, error) {
		return l.store.InsertRecord(ctx, rec)
	})
	if err != nil {
		return nil, fault.Execution(key.RunID, step, eris.Wrap(err, "ledger: insert record"))
	}
	if inserted {
		resp.Persisted = true
		return resp, nil
	}

	if policy.AlwaysRecompute {
		log.Debug("ledger: record exists, returning recomputed result")
		return resp, nil
	}

	log.Debug("ledger: insert lost race, reading winner")
	winner, err := l.get(ctx, key)
	if err != nil {
		return nil, fault.Execution(key.RunID, step, err)
	}
	if winner == nil {
		return nil, fault.Execution(key.RunID, step, eris.New("ledger: record missing after insert conflict"))
	}
	return fromRecord(winner), nil
}

// Lookup returns the stored record for key, or nil.
func (l *Ledger) Lookup(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return l.get(ctx, key)
}

func (l *Ledger) get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	rec, err := resilience.DoVal(ctx, l.withLogger("get_record"), func(ctx context.Context) (*model.IdempotencyRecord, error) {
		return l.store.GetRecord(ctx, key)
	})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: get record")
	}
	return rec, nil
}

func (l *Ledger) withLogger(op string) resilience.RetryConfig {
	cfg := l.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("ledger", op)
	}
	return cfg
}

func fromRecord(rec *model.IdempotencyRecord) *Response {
	return &Response{
		Body:        rec.Body,
		StatusCode:  rec.StatusCode,
		ContentHash: rec.ContentHash,
		Replayed:    true,
	}
}

func validateKey(key model.IdempotencyKey) error {
	var missing []string
	if strings.TrimSpace(key.RunID) == "" {
		missing = append(missing, "run id")
	}
	if strings.TrimSpace(string(key.Step)) == "" {
		missing = append(missing, "step")
	}
	if strings.TrimSpace(key.Key) == "" {
		missing = append(missing, "idempotency key")
	}
	if len(missing) > 0 {
		return fault.Validation("ledger: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
