// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package flowcontrol implements the writer flow controllers: queues of
// pending samples drained by a delivery worker under a scheduling policy
// and an optional per-period byte budget.
package flowcontrol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/core/queue"
	"github.com/rtpsgo/rtps/core/worker"
	"github.com/rtpsgo/rtps/internal/instrument"
	"github.com/rtpsgo/rtps/rtps"
)

const (
	// PropPriority is the writer property holding its priority, lower
	// values first.
	PropPriority = "fastdds.sfc.priority"

	// PropBandwidthReservation is the writer property holding the
	// percentage of the period budget reserved for it.
	PropBandwidthReservation = "fastdds.sfc.bandwidth_reservation"

	// MinPriority and MaxPriority bound writer priorities. Writers without
	// a valid priority get MaxPriority.
	MinPriority = -10
	MaxPriority = 10

	// DefaultPeriod is the budget period used when none is configured.
	DefaultPeriod = 100 * time.Millisecond

	// oldSampleLifetime bounds how long a resent sample may stay queued.
	oldSampleLifetime = 24 * time.Hour

	notDeliveredBackoff = time.Millisecond
)

var (
	// ErrHalted is returned once the controller has been halted.
	ErrHalted = errors.New("flowcontrol: controller halted")

	// ErrUnknownWriter is returned for a writer never registered.
	ErrUnknownWriter = errors.New("flowcontrol: unknown writer")

	// ErrAlreadyRegistered is returned when registering a writer twice.
	ErrAlreadyRegistered = errors.New("flowcontrol: writer already registered")
)

// SchedulerPolicy selects which queued sample is delivered next.
type SchedulerPolicy int

const (
	// FIFO delivers samples in arrival order across all writers.
	FIFO SchedulerPolicy = iota
	// RoundRobin delivers one sample per writer in turn.
	RoundRobin
	// HighPriority drains lower priority values first.
	HighPriority
	// PriorityWithReservation serves writers within their reserved share of
	// the budget first, then falls back to HighPriority.
	PriorityWithReservation
)

var schedulerNames = map[SchedulerPolicy]string{
	FIFO:                    "FIFO",
	RoundRobin:              "ROUND_ROBIN",
	HighPriority:            "HIGH_PRIORITY",
	PriorityWithReservation: "PRIORITY_WITH_RESERVATION",
}

func (p SchedulerPolicy) String() string {
	if s, ok := schedulerNames[p]; ok {
		return s
	}
	return fmt.Sprintf("[unknown scheduler %d]", int(p))
}

// ParseSchedulerPolicy parses a scheduler name, case insensitively.
func ParseSchedulerPolicy(s string) (SchedulerPolicy, error) {
	for p, name := range schedulerNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return FIFO, fmt.Errorf("flowcontrol: unknown scheduler '%v'", s)
}

// PublishMode selects where samples are delivered.
type PublishMode int

const (
	// Async queues every sample for the delivery worker.
	Async PublishMode = iota
	// Sync delivers in the caller and queues what could not be delivered.
	Sync
	// PureSync delivers in the caller only.
	PureSync
	// LimitedAsync is Async under a per-period byte budget.
	LimitedAsync
)

var modeNames = map[PublishMode]string{
	Async:        "ASYNC",
	Sync:         "SYNC",
	PureSync:     "PURE_SYNC",
	LimitedAsync: "LIMITED_ASYNC",
}

func (m PublishMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("[unknown mode %d]", int(m))
}

// ParsePublishMode parses a publish mode name, case insensitively.
func ParsePublishMode(s string) (PublishMode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return Async, fmt.Errorf("flowcontrol: unknown publish mode '%v'", s)
}

// DeliveryResult is the outcome of a delivery attempt.
type DeliveryResult int

const (
	// Delivered means the sample was sent and leaves the queue.
	Delivered DeliveryResult = iota
	// NotDelivered means the writer could not send the sample now.
	NotDelivered
	// ExceededLimit means the writer hit the transport budget, the
	// controller waits for the next period.
	ExceededLimit
)

// Writer is a writer whose samples go through a controller.
type Writer interface {
	GUID() rtps.GUID
	Properties() rtps.PropertyPolicy

	// DeliverSample sends change, blocking no later than deadline. A zero
	// deadline means no limit.
	DeliverSample(change *rtps.CacheChange, deadline time.Time) DeliveryResult
}

// Descriptor configures a controller.
type Descriptor struct {
	Name      string
	Scheduler SchedulerPolicy
	Mode      PublishMode

	// MaxBytesPerPeriod and Period bound LimitedAsync controllers.
	MaxBytesPerPeriod int
	Period            time.Duration
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("flowcontrol: Name is not set")
	}
	if _, ok := schedulerNames[d.Scheduler]; !ok {
		return fmt.Errorf("flowcontrol: invalid scheduler %d", int(d.Scheduler))
	}
	if _, ok := modeNames[d.Mode]; !ok {
		return fmt.Errorf("flowcontrol: invalid publish mode %d", int(d.Mode))
	}
	if d.Period == 0 {
		d.Period = DefaultPeriod
	}
	if d.Period < 0 {
		return fmt.Errorf("flowcontrol: invalid period %v", d.Period)
	}
	if d.Mode == LimitedAsync && d.MaxBytesPerPeriod <= 0 {
		return fmt.Errorf("flowcontrol: %v requires MaxBytesPerPeriod", d.Mode)
	}
	return nil
}

type slot struct {
	w    Writer
	guid rtps.GUID

	priority    int
	reservation int
	reserved    int
	used        int

	q *queue.PriorityQueue
}

type sample struct {
	slot    *slot
	change  *rtps.CacheChange
	expires time.Time
	key     uint64
	removed bool
}

func (s *sample) size() int {
	return s.change.Size()
}

func (s *sample) expired(now time.Time) bool {
	return !s.expires.IsZero() && !now.Before(s.expires)
}

// Controller is a flow controller shared by any number of writers.
type Controller struct {
	worker.Worker
	sync.Mutex

	desc  Descriptor
	log   *logging.Logger
	sched scheduler

	slots    map[rtps.GUID]*slot
	samples  map[*rtps.CacheChange]*sample
	inFlight *sample
	seq      uint64

	sent        int
	periodStart time.Time
	forceWait   bool

	started bool
	halted  bool
	signal  chan struct{}
}

// New creates a controller. Start must be called before queued samples are
// delivered.
func New(desc Descriptor, logBackend *log.Backend) (*Controller, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		desc:    desc,
		log:     logBackend.GetLogger("flowcontrol/" + desc.Name),
		slots:   make(map[rtps.GUID]*slot),
		samples: make(map[*rtps.CacheChange]*sample),
		signal:  make(chan struct{}, 1),
	}
	limit := 0
	if c.limited() {
		limit = desc.MaxBytesPerPeriod
	}
	c.sched = newScheduler(desc.Scheduler, limit)
	return c, nil
}

// Name returns the controller name.
func (c *Controller) Name() string {
	return c.desc.Name
}

// Mode returns the controller publish mode.
func (c *Controller) Mode() PublishMode {
	return c.desc.Mode
}

// MaxPayload returns the largest sample the controller can ever deliver.
func (c *Controller) MaxPayload() int {
	if c.limited() {
		return c.desc.MaxBytesPerPeriod - 1
	}
	return math.MaxUint32
}

// Start launches the delivery worker. PureSync controllers have none.
func (c *Controller) Start() {
	c.Lock()
	defer c.Unlock()
	if c.started || c.halted || c.desc.Mode == PureSync {
		return
	}
	c.started = true
	c.periodStart = time.Now()
	c.Go(c.worker)
}

// Halt stops the delivery worker. Samples still queued are discarded.
func (c *Controller) Halt() {
	c.Lock()
	c.halted = true
	c.Unlock()

	c.Worker.Halt()

	c.Lock()
	defer c.Unlock()
	for change := range c.samples {
		delete(c.samples, change)
	}
	for _, s := range c.slots {
		c.sched.unregister(s)
	}
	c.updateQueued()
}

// RegisterWriter attaches w to the controller.
func (c *Controller) RegisterWriter(w Writer) error {
	c.Lock()
	defer c.Unlock()
	if c.halted {
		return ErrHalted
	}

	guid := w.GUID()
	if _, ok := c.slots[guid]; ok {
		return ErrAlreadyRegistered
	}
	s := &slot{
		w:        w,
		guid:     guid,
		priority: MaxPriority,
	}
	props := w.Properties()
	if v, ok := props.Find(PropPriority); ok {
		s.priority = c.parseBounded(guid, PropPriority, v, MinPriority, MaxPriority, MaxPriority)
	}
	if v, ok := props.Find(PropBandwidthReservation); ok {
		s.reservation = c.parseBounded(guid, PropBandwidthReservation, v, 0, 100, 0)
	}
	c.slots[guid] = s
	c.sched.register(s)
	c.log.Debugf("Registered writer %v (priority: %d, reservation: %d%%).", guid, s.priority, s.reservation)
	return nil
}

func (c *Controller) parseBounded(guid rtps.GUID, prop, v string, lo, hi, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < lo || n > hi {
		c.log.Warningf("Writer %v: invalid %v '%v', using %d.", guid, prop, v, def)
		return def
	}
	return n
}

// UnregisterWriter detaches w, dropping its queued samples.
func (c *Controller) UnregisterWriter(w Writer) error {
	c.Lock()
	defer c.Unlock()

	guid := w.GUID()
	s, ok := c.slots[guid]
	if !ok {
		return ErrUnknownWriter
	}
	c.sched.unregister(s)
	for change, smp := range c.samples {
		if smp.slot == s {
			smp.removed = true
			delete(c.samples, change)
		}
	}
	delete(c.slots, guid)
	c.updateQueued()
	c.log.Debugf("Unregistered writer %v.", guid)
	return nil
}

// AddNewSample hands a freshly written change to the controller. It
// returns false if the change was neither delivered nor queued. A zero
// expiration never expires. Under LimitedAsync a change larger than
// MaxPayload is refused.
//
// Sync and PureSync controllers try to deliver in the calling goroutine
// first, even when older samples of w are still queued, so a new sample may
// go out ahead of them.
func (c *Controller) AddNewSample(w Writer, change *rtps.CacheChange, expiration time.Time) bool {
	switch c.desc.Mode {
	case PureSync, Sync:
		if !c.isRegistered(w) {
			return false
		}
		if w.DeliverSample(change, expiration) == Delivered {
			instrument.SampleDelivered(c.desc.Name, change.Size())
			return true
		}
		if c.desc.Mode == PureSync {
			return false
		}
	}
	return c.enqueue(w, change, expiration, false)
}

// AddOldSample queues a resend of change. Changes already queued are not
// queued twice.
func (c *Controller) AddOldSample(w Writer, change *rtps.CacheChange) bool {
	if c.desc.Mode == PureSync {
		return false
	}
	return c.enqueue(w, change, time.Now().Add(oldSampleLifetime), true)
}

// RemoveChange drops change from the queue. It returns false if change
// was not queued.
func (c *Controller) RemoveChange(change *rtps.CacheChange) bool {
	c.Lock()
	defer c.Unlock()

	smp, ok := c.samples[change]
	if !ok {
		return false
	}
	delete(c.samples, change)
	smp.removed = true
	if smp != c.inFlight {
		c.sched.remove(smp)
	}
	c.updateQueued()
	return true
}

// ResetBudget starts a new budget period immediately.
func (c *Controller) ResetBudget() {
	c.Lock()
	c.resetPeriod(time.Now())
	c.Unlock()
	c.wakeup()
}

// Queued returns the number of samples waiting for delivery.
func (c *Controller) Queued() int {
	c.Lock()
	defer c.Unlock()
	return len(c.samples)
}

func (c *Controller) isRegistered(w Writer) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.slots[w.GUID()]
	return ok && !c.halted
}

func (c *Controller) enqueue(w Writer, change *rtps.CacheChange, expiration time.Time, old bool) bool {
	c.Lock()
	defer c.Unlock()
	if c.halted {
		return false
	}
	s, ok := c.slots[w.GUID()]
	if !ok {
		return false
	}
	if _, ok := c.samples[change]; ok {
		return false
	}
	if size := change.Size(); c.limited() && size > c.MaxPayload() {
		c.log.Warningf("Refusing sample %v:%d of %d bytes, the budget is %d bytes per period.", change.WriterGUID, change.SequenceNumber, size, c.desc.MaxBytesPerPeriod)
		instrument.SampleDropped(c.desc.Name)
		return false
	}

	c.seq++
	smp := &sample{
		slot:    s,
		change:  change,
		expires: expiration,
		key:     sampleKey(old, c.seq),
	}
	c.samples[change] = smp
	c.sched.push(smp)
	c.updateQueued()
	c.wakeup()
	return true
}

func (c *Controller) wakeup() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) updateQueued() {
	instrument.QueuedSamples(c.desc.Name, len(c.samples))
}

func (c *Controller) limited() bool {
	return c.desc.Mode == LimitedAsync
}

func (c *Controller) resetPeriod(now time.Time) {
	c.sent = 0
	c.periodStart = now
	c.forceWait = false
	c.sched.resetPeriod()
}

func (c *Controller) periodLeft(now time.Time) time.Duration {
	left := c.periodStart.Add(c.desc.Period).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// nextLocked returns the next deliverable sample, dropping expired ones.
func (c *Controller) nextLocked(now time.Time) *sample {
	for {
		smp := c.sched.next()
		if smp == nil || !smp.expired(now) {
			return smp
		}
		c.sched.remove(smp)
		delete(c.samples, smp.change)
		c.updateQueued()
		c.log.Debugf("Dropping sample %v:%d (Expired).", smp.change.WriterGUID, smp.change.SequenceNumber)
		instrument.SampleDropped(c.desc.Name)
	}
}

func (c *Controller) worker() {
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	for {
		wait := c.pump()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait < 0 {
			timer.Reset(math.MaxInt64)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case <-c.signal:
		case <-timer.C:
		}
	}
}

// pump delivers samples until the queue is empty or the budget is spent.
// It returns how long to sleep before the next attempt, negative meaning
// until woken up.
func (c *Controller) pump() time.Duration {
	for {
		if c.IsHalted() {
			return -1
		}

		c.Lock()
		now := time.Now()
		if c.limited() && c.periodLeft(now) == 0 {
			c.resetPeriod(now)
		}
		if c.forceWait {
			wait := c.periodLeft(now)
			c.Unlock()
			return wait
		}

		smp := c.nextLocked(now)
		if smp == nil {
			wait := time.Duration(-1)
			if c.limited() && c.sent > 0 {
				wait = c.periodLeft(now)
			}
			c.Unlock()
			return wait
		}
		size := smp.size()
		if c.limited() && c.desc.MaxBytesPerPeriod-c.sent <= size {
			c.forceWait = true
			wait := c.periodLeft(now)
			c.Unlock()
			return wait
		}
		c.sched.remove(smp)
		c.inFlight = smp
		c.Unlock()

		res := smp.slot.w.DeliverSample(smp.change, smp.expires)

		c.Lock()
		c.inFlight = nil
		switch res {
		case Delivered:
			c.sent += size
			c.sched.workDone(smp)
			if !smp.removed {
				delete(c.samples, smp.change)
			}
			c.updateQueued()
			instrument.SampleDelivered(c.desc.Name, size)
		default:
			if !smp.removed {
				c.sched.push(smp)
			}
			if res == ExceededLimit && c.limited() {
				c.forceWait = true
			}
		}
		c.Unlock()

		if res == NotDelivered || (res == ExceededLimit && !c.limited()) {
			return notDeliveredBackoff
		}
	}
}
