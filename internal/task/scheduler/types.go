package scheduler

import (
	"context"
	"errors"
	"time"

	"taskd/internal/task/engine"
)

var (
	// ErrRejected means the scheduler has no capacity for another claim.
	ErrRejected = errors.New("scheduler: reservation rejected")
	ErrDisabled = errors.New("scheduler: disabled")
	// ErrCancelled is returned when arming a claim that was already cancelled.
	ErrCancelled = errors.New("scheduler: cancelled")
	ErrUsed      = errors.New("scheduler: reservation already used")
)

// Config controls admission and trigger behavior.
type Config struct {
	Enabled bool
	// ReserveRate is the sustained admissions per second; <=0 is unlimited.
	ReserveRate  float64
	ReserveBurst int
	// MaxReservations caps outstanding reservations and recurring handles;
	// 0 is unlimited.
	MaxReservations int
	// MinPeriod is the smallest recurring period; shorter periods are raised.
	MinPeriod time.Duration
}

const defaultMinPeriod = 10 * time.Millisecond

// Reservation is a claim on one future run.
type Reservation interface {
	// Use arms the reservation. It can be called once.
	Use() error
	// Cancel releases the claim and disarms it if it has not fired.
	Cancel()
}

// Recurring is a claim on a periodic run.
type Recurring interface {
	Start() error
	Cancel()
}

// Job carries the engine settings of a claim.
type Job struct {
	Name    string
	Run     func(ctx context.Context) error
	Timeout time.Duration
	Opt     engine.TaskOptions

	Priority engine.Priority
	bypass   bool
}

type JobOption func(*Job)

func WithPriority(p engine.Priority) JobOption { return func(j *Job) { j.Priority = p } }

func WithTaskOptions(opt engine.TaskOptions) JobOption { return func(j *Job) { j.Opt = opt } }

func WithTimeout(d time.Duration) JobOption { return func(j *Job) { j.Timeout = d } }

// WithoutAdmission skips the token bucket and the outstanding cap. It is
// meant for re-arming work that was already admitted before a restart.
func WithoutAdmission() JobOption { return func(j *Job) { j.bypass = true } }

// EntryInfo describes one armed claim.
type EntryInfo struct {
	Name   string
	Kind   string // "once" | "recurring"
	Next   time.Time
	Prev   time.Time
	Period time.Duration
}

type Snapshot struct {
	Enabled     bool
	Outstanding int
	Rejected    uint64
	Fired       uint64
	Entries     []EntryInfo
}
