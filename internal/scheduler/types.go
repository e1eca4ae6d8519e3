package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/bridge"
	"remindd/internal/eventbus"
	"remindd/internal/recurrence"
	"remindd/internal/slo"
	"remindd/internal/store"
	logx "remindd/pkg/logx"

	rtsup "remindd/internal/runtime/supervisor"
)

// Config tunes the fire path. Zero values pick conservative defaults.
type Config struct {
	Workers   int
	QueueSize int

	// Delivery retry policy: RetryMax additional attempts after the first,
	// exponential backoff between RetryBase and RetryMaxDelay. The due
	// instant is considered handled even when every attempt fails; failures
	// surface on the bus and in the delivery audit, never as a re-fire.
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	DeliverTimeout time.Duration

	// DispatchBatch bounds how many due entries one sweep claims before the
	// loop re-checks the registry head.
	DispatchBatch int

	// IdleWait caps a single sleep so registry writes that bypass Wake()
	// (another process sharing the database) are still picked up.
	IdleWait time.Duration

	// Housekeeping cron specs (robfig/cron syntax, "@every 1m" style).
	ReconcileSpec string
	ReportSpec    string
}

// Deps are the collaborators the core fires through.
type Deps struct {
	Store  store.Store
	Bridge bridge.Bridge
	Rules  *recurrence.Engine
	SLO    *slo.Tracker
	Bus    eventbus.Bus
	Clock  Clock
	Log    logx.Logger
}

// Core is the scheduling engine. Start/Stop follow the usual service
// lifecycle; both are idempotent and safe to call concurrently.
type Core struct {
	mu  sync.Mutex
	cfg Config

	st  store.Store
	br  bridge.Bridge
	rec *recurrence.Engine
	slo *slo.Tracker
	bus eventbus.Bus
	clk Clock
	log logx.Logger

	q    chan fireJob
	wake chan struct{}

	sup      *rtsup.Supervisor
	cr       *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}
}

type fireJob struct {
	entry store.Entry
}

// RuleFatalEvent is published on the bus when a stored recurrence rule
// that validated at creation time fails to expand at fire time.
type RuleFatalEvent struct {
	ReminderID string `json:"reminder_id"`
	Rule       string `json:"rule"`
	Error      string `json:"error"`
}

// BreachEvent is published when the observed p95 firing lag exceeds the
// configured target.
type BreachEvent struct {
	P95    time.Duration `json:"p95"`
	Target time.Duration `json:"target"`
	Fired  uint64        `json:"fired"`
}
