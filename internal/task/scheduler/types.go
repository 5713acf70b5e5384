package scheduler

import (
	"context"
	"sync"
	"time"

	"barkd/internal/eventbus"
	"barkd/internal/task/engine"
	logx "barkd/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

type Config struct {
	// Timezone is an IANA name cron expressions are evaluated in. Empty means Local.
	Timezone string

	// FireTimeout bounds one firing in the engine. 0 uses the engine default.
	FireTimeout time.Duration
}

// Fire is invoked once per trigger firing.
type Fire func(ctx context.Context) error

type Kind string

const (
	KindCron Kind = "cron"
	KindOnce Kind = "once"
)

// Trigger describes one armed or pending trigger.
type Trigger struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Status is what GET /scheduler reports about triggers.
type Status struct {
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Triggers []Trigger `json:"triggers"`
}

type cronEntry struct {
	spec string
	fire Fire
	eid  cron.EntryID
	gate engine.Gate
}

// onceEntry is identified by pointer: a timer whose entry was replaced or
// removed finds a different pointer in the map and does nothing.
type onceEntry struct {
	at    time.Time
	fire  Fire
	timer *time.Timer
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service

	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	c      *cron.Cron
	crons  map[string]*cronEntry
	ctx    context.Context
	cancel context.CancelFunc

	onceMu sync.Mutex
	once   map[string]*onceEntry

	warnMu sync.Mutex
	warn   map[string]*rate.Sometimes
}
