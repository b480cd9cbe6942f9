package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// ActionCompress runs memory compression, for one session when
// Payload.SessionID is set and for every session otherwise.
const ActionCompress = "compress"

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

type Payload struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
