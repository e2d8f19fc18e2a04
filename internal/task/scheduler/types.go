package scheduler

import (
	"errors"
	"time"

	"wakeworker/internal/task/pool"
)

type Config struct {
	Enabled bool
	// Schedule is any ParseSchedule form. Empty means "@every Interval".
	Schedule string
	Interval time.Duration
	// Target is the number of batch tasks the pool is topped up to on each wakeup.
	Target   int
	Timezone string
}

func (c Config) spec() (ParsedSpec, error) {
	if c.Schedule != "" {
		return ParseSchedule(c.Schedule)
	}
	if c.Interval <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: c.Interval, Source: "duration"}, nil
}

// Pool is the part of the worker pool the scheduler drives.
type Pool interface {
	Active() int
	Submit(name string, fn pool.Func) (pool.TaskID, error)
}

// WakeupEvent is the payload of scheduler.wakeup events.
type WakeupEvent struct {
	Target    int `json:"target"`
	Active    int `json:"active"`
	Submitted int `json:"submitted"`
}

type Snapshot struct {
	Enabled    bool      `json:"enabled"`
	Running    bool      `json:"running"`
	Schedule   string    `json:"schedule"`
	Target     int       `json:"target"`
	Wakeups    uint64    `json:"wakeups"`
	Submitted  uint64    `json:"submitted"`
	LastWakeup time.Time `json:"last_wakeup,omitempty"`
	NextWakeup time.Time `json:"next_wakeup,omitempty"`
}
