package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyKey scopes a step computation to run-at-most-once semantics.
type IdempotencyKey struct {
	RunID string   `json:"run_id"`
	Step  StepName `json:"step"`
	Key   string   `json:"key"`
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RunID, k.Step, k.Key)
}

// IdempotencyRecord is the stored result of a step. The value never changes
// after the first successful write.
type IdempotencyRecord struct {
	IdempotencyKey
	Body        json.RawMessage `json:"body"`
	StatusCode  int             `json:"status_code"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}
