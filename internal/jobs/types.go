package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/furnimove/availability"
)

const (
	TaskWarm      = "availability:warm"
	TaskReconnect = "availability:reconnect"
	TaskPrune     = "availability:prune"

	QueueAvailability = "availability"
)

// WarmPayload names the slots to pull into the cache. Cities are expanded
// against today's date when the task runs, so a periodic task never warms
// yesterday.
type WarmPayload struct {
	Requests  []availability.Slot `json:"requests,omitempty"`
	Cities    []string            `json:"cities,omitempty"`
	DaysAhead int                 `json:"days_ahead,omitempty"`
}

type PrunePayload struct {
	MaxAgeSeconds int64 `json:"maxAgeSeconds"`
}

func NewWarmTask(p WarmPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWarm, payload, asynq.Queue(QueueAvailability), asynq.MaxRetry(2), asynq.Timeout(30*time.Second)), nil
}

func NewReconnectTask() *asynq.Task {
	return asynq.NewTask(TaskReconnect, nil, asynq.Queue(QueueAvailability), asynq.MaxRetry(0), asynq.Timeout(10*time.Second))
}

func NewPruneTask(maxAge time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(PrunePayload{MaxAgeSeconds: int64(maxAge / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPrune, payload, asynq.Queue(QueueAvailability), asynq.MaxRetry(0)), nil
}

// ExpandSlots lists every city for today and the next daysAhead days.
func ExpandSlots(cities []string, daysAhead int, now time.Time) []availability.Slot {
	out := make([]availability.Slot, 0, len(cities)*(daysAhead+1))
	for d := 0; d <= daysAhead; d++ {
		date := now.AddDate(0, 0, d).Format(time.DateOnly)
		for _, city := range cities {
			out = append(out, availability.Slot{City: city, Date: date})
		}
	}
	return out
}
