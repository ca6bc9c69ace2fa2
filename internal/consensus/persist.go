package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/canonical"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/store"
)

// DecisionStore appends and reads emitted decisions.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
}

// DecisionID derives the id of the decision for entityID persisted under
// key. The same key and entity always map to the same id.
func DecisionID(key, entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("pick-engine:consensus:"+key+":"+entityID)).String()
}

// BatchKey derives a persist key from the batch itself, for callers that
// supply no idempotency key. Resubmitting the same picks yields the same key.
func BatchKey(kind model.DecisionKind, picks []model.PickRecord) (string, error) {
	_, sum, err := canonical.MarshalHash(struct {
		Kind  model.DecisionKind `json:"kind"`
		Picks []model.PickRecord `json:"picks"`
	}{kind, picks})
	if err != nil {
		return "", eris.Wrap(err, "consensus: batch key")
	}
	return sum, nil
}

// Persist appends every emitted decision in results under an id derived from
// key and the entity. Decisions already stored under that id are kept as is,
// so persisting the same batch twice appends nothing the second time. It
// returns the ids in result order.
func Persist(ctx context.Context, ds DecisionStore, key string, results []Result, now time.Time) ([]string, error) {
	if key == "" {
		return nil, eris.New("consensus: persist key is required")
	}
	var ids []string
	for _, r := range results {
		if r.Decision == nil {
			continue
		}
		rec, err := r.Decision.Record(now)
		if err != nil {
			return nil, err
		}
		rec.ID = DecisionID(key, r.EntityID)
		if err := appendOnce(ctx, ds, rec); err != nil {
			return nil, eris.Wrapf(err, "consensus: append decision for %s", r.EntityID)
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func appendOnce(ctx context.Context, ds DecisionStore, rec *model.Decision) error {
	_, err := ds.GetDecision(ctx, rec.ID)
	switch {
	case err == nil:
		return nil
	case !store.IsNotFound(err):
		return err
	}
	if err := ds.AppendDecision(ctx, rec); err != nil {
		// Lost a race with a concurrent persist of the same batch.
		if _, getErr := ds.GetDecision(ctx, rec.ID); getErr == nil {
			return nil
		}
		return err
	}
	return nil
}
