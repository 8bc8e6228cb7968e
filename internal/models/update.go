package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value is the payload of a milestone update: either a discrete done flag
// or a partial completion percentage in [0, 100].
type Value struct {
	discrete bool
	done     bool
	percent  int64
}

func DiscreteValue(done bool) Value {
	return Value{discrete: true, done: done}
}

func PartialValue(percent int64) (Value, error) {
	if percent < 0 || percent > 100 {
		return Value{}, fmt.Errorf("partial value %d out of range [0, 100]", percent)
	}
	return Value{percent: percent}, nil
}

// Numeric converts the value to the wire representation expected by the
// milestone service: discrete true/false becomes 1/0, partial percentages
// pass through unchanged.
func (v Value) Numeric() int64 {
	if v.discrete {
		if v.done {
			return 1
		}
		return 0
	}
	return v.percent
}

func (v Value) IsDiscrete() bool {
	return v.discrete
}

// MarshalJSON keeps the snapshot format close to the client's own: a bare
// boolean for discrete milestones, a bare number for partial ones.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.discrete {
		return json.Marshal(v.done)
	}
	return json.Marshal(v.percent)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var done bool
	if err := json.Unmarshal(data, &done); err == nil {
		*v = DiscreteValue(done)
		return nil
	}

	var percent int64
	if err := json.Unmarshal(data, &percent); err != nil {
		return fmt.Errorf("milestone value must be a boolean or an integer: %w", err)
	}

	parsed, err := PartialValue(percent)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// QueuedUpdate is one pending milestone write. The ID is client-generated
// and stable across retries; RetryCount increments only on transient
// failures and never exceeds MaxRetryCount while the update sits in the
// queue.
type QueuedUpdate struct {
	ID            string    `json:"id"`
	ComponentID   string    `json:"component_id"`
	MilestoneName string    `json:"milestone_name"`
	Value         Value     `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
	RetryCount    int       `json:"retry_count"`
	UserID        string    `json:"user_id"`
}

// FailedUpdate wraps a QueuedUpdate that exhausted its retries. It leaves
// the queue only through a manual retry, which re-enqueues the update with
// RetryCount reset to zero.
type FailedUpdate struct {
	Update       QueuedUpdate `json:"update"`
	ErrorMessage string       `json:"error_message"`
	FailedAt     time.Time    `json:"failed_at"`
}

// MaxRetryCount is the number of transient-failure retries an update gets
// before it is moved to the failed list.
const MaxRetryCount = 3

// MilestoneReceipt is the success response of the remote milestone service.
type MilestoneReceipt struct {
	Component     string `json:"component"`
	PreviousValue int64  `json:"previous_value"`
	AuditEventID  string `json:"audit_event_id"`
}
