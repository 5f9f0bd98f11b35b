// Package executor sequences parsed G-code commands into coordinated
// drive motion. It runs a single control loop with a fixed tick : every
// tick it advances the active segment on all participating axes,
// commits the resulting bus writes together and feeds the statuswords
// back through the fault monitor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/cia402"
	"github.com/PS-3D/3dprintd/pkg/drive"
	"github.com/PS-3D/3dprintd/pkg/gcode"
	"github.com/PS-3D/3dprintd/pkg/motion"
)

// Job states
type JobState uint8

const (
	Stopped JobState = iota
	Printing
	Paused
)

func (s JobState) String() string {
	switch s {
	case Printing:
		return "printing"
	case Paused:
		return "paused"
	}
	return "stopped"
}

var ErrNotStopped = errors.New("a job is running")
var ErrNotPrinting = errors.New("no job is running")

// Raised once the fault monitor gives up and the machine halts
var ErrFatalHalt = errors.New("fatal halt")

type Config struct {
	TickInterval time.Duration
	// Whether a fault on one axis also aborts the others
	AbortAll bool
	// Automatic fault resets per node before escalating
	ResetRetries int
	// Consecutive silent/failed bus ticks before escalating
	BusRetries int
	// Wait between bus retry attempts
	Backoff time.Duration
	// Home position per axis in machine coordinates, mm
	Homes map[printd.Axis]float64
}

// An active segment plus its progress through time
type activeSegment struct {
	seg     *motion.Segment
	axes    []printd.Axis
	elapsed time.Duration
	// Runs once when the segment finishes, commits context changes
	onDone func()
}

type Executor struct {
	mu      sync.Mutex
	cfg     Config
	planner *motion.Planner
	mapping drive.Mapping
	drives  map[printd.Axis]*drive.Controller
	heater  Heater

	ctx     *motion.Context
	state   JobState
	parser  *gcode.Parser
	line    int
	pending []gcode.Command // manually injected commands

	active      *activeSegment
	dwell       time.Duration
	waitHotend  bool
	waitBed     bool
	resetCount  map[uint8]int
	busFailures int
	lastFault   *drive.FaultError
	fatal       error
}

func New(bm *printd.BusManager, planner *motion.Planner, mapping drive.Mapping, cfg Config, heater Heater) (*Executor, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive")
	}
	if heater == nil {
		heater = NopHeater{}
	}
	e := &Executor{
		cfg:        cfg,
		planner:    planner,
		mapping:    mapping,
		drives:     make(map[printd.Axis]*drive.Controller, len(mapping)),
		heater:     heater,
		ctx:        motion.NewContext(),
		resetCount: make(map[uint8]int),
	}
	for _, axis := range printd.Axes {
		e.drives[axis] = drive.NewController(bm, mapping[axis].NodeId, 0)
	}
	return e, nil
}

// Setup configures every drive over SDO from the planner limits.
// Profile parameters are in drive steps.
func (e *Executor) Setup() error {
	for _, axis := range printd.Axes {
		limits := e.planner.Limits(axis)
		stepsPerMM := e.mapping[axis].StepsPerMM
		profile := drive.ProfileConfig{
			Velocity: uint32(limits.MaxFeedrate / 60.0 * stepsPerMM),
			Accel:    uint32(limits.MaxAccel * stepsPerMM),
			Decel:    uint32(limits.MaxAccel * stepsPerMM),
		}
		if limits.HasTravel {
			profile.HasLimit = true
			profile.MinLimit = e.mapping.Steps(axis, limits.Min)
			profile.MaxLimit = e.mapping.Steps(axis, limits.Max)
		}
		if err := e.drives[axis].Setup(profile); err != nil {
			return fmt.Errorf("setup axis %v : %w", axis, err)
		}
	}
	return nil
}

// Enable walks all drives to Operation-Enabled over the next ticks
func (e *Executor) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ctrl := range e.drives {
		ctrl.RequestEnable()
	}
}

// Enabled reports whether every drive is Operation-Enabled
func (e *Executor) Enabled() bool {
	for _, ctrl := range e.drives {
		if ctrl.State() != cia402.OperationEnabled {
			return false
		}
	}
	return true
}

// Start begins printing the G-code stream r. Fails unless stopped.
func (e *Executor) Start(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return e.fatal
	}
	if e.state != Stopped {
		return ErrNotStopped
	}
	e.parser = gcode.NewParser(r)
	e.line = 0
	e.state = Printing
	e.ctx.Reset()
	for node := range e.resetCount {
		delete(e.resetCount, node)
	}
	for _, ctrl := range e.drives {
		ctrl.RequestEnable()
	}
	log.Infof("[EXEC] job started")
	return nil
}

// Pause stops dequeueing new commands. The segment in flight finishes,
// axes never stop mid-profile.
func (e *Executor) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Printing {
		return ErrNotPrinting
	}
	e.state = Paused
	log.Infof("[EXEC] job paused at line %d", e.line)
	return nil
}

func (e *Executor) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Paused {
		return errors.New("no job is paused")
	}
	e.state = Printing
	// A fault pause leaves siblings quick-stopped, walk everything back
	// to Operation-Enabled
	for _, ctrl := range e.drives {
		ctrl.RequestEnable()
	}
	log.Infof("[EXEC] job resumed")
	return nil
}

// Stop aborts the job : quick-stops every drive and discards the
// remaining command stream.
func (e *Executor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped {
		return nil
	}
	e.abortAllLocked()
	e.parser = nil
	e.state = Stopped
	log.Infof("[EXEC] job stopped at line %d", e.line)
	return nil
}

// Exec queues a single manually injected command. Only allowed while no
// job is running.
func (e *Executor) Exec(cmd gcode.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return e.fatal
	}
	if e.state != Stopped {
		return ErrNotStopped
	}
	e.pending = append(e.pending, cmd)
	return nil
}

// Fatal returns the error that halted the machine, if any
func (e *Executor) Fatal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// LastFault returns the most recent drive fault report
func (e *Executor) LastFault() *drive.FaultError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFault
}

// Tick advances the machine by one bus interval. Ticks must be called
// in strict monotonic order ; Run does that, tests call Tick directly.
//
// Order within a tick : compute the setpoints of every participating
// axis, then commit all bus writes, then run the fault monitor on the
// statuswords received since the last tick.
func (e *Executor) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return e.fatal
	}

	e.advanceSegmentLocked()

	busErr := false
	for _, axis := range printd.Axes {
		if err := e.drives[axis].Process(); err != nil {
			busErr = true
		}
	}

	e.monitorLocked(busErr)
	if e.fatal != nil {
		return e.fatal
	}

	e.completeSegmentLocked()
	if e.active == nil {
		e.dispatchNextLocked()
	}
	return nil
}

// Run drives Tick from a wall clock until ctx is cancelled or the
// machine halts fatally. On cancellation every drive is quick-stopped
// and then de-energized.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(); err != nil {
				return err
			}
			e.mu.Lock()
			backoff := e.busFailures > 0
			e.mu.Unlock()
			if backoff {
				time.Sleep(e.cfg.Backoff)
			}
		}
	}
}

// Shutdown leaves every drive in Switch-On-Disabled. The quick stop is
// issued first so in-flight motion ramps down before power drops.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.abortAllLocked()
	e.state = Stopped
	e.mu.Unlock()
	// Let the quick stop controlwords reach the drives
	for i := 0; i < 2; i++ {
		for _, axis := range printd.Axes {
			e.drives[axis].Process()
		}
		time.Sleep(e.cfg.TickInterval)
	}
	e.mu.Lock()
	for _, ctrl := range e.drives {
		ctrl.Disable()
	}
	e.mu.Unlock()
	for _, axis := range printd.Axes {
		e.drives[axis].Process()
	}
	log.Infof("[EXEC] shutdown, drives de-energized")
}

// advanceSegmentLocked queues the next discretized setpoint on every
// axis still participating in the active segment. Nothing is written to
// the bus here, Process commits everything afterwards.
func (e *Executor) advanceSegmentLocked() {
	if e.active == nil {
		return
	}
	e.active.elapsed += e.cfg.TickInterval
	for _, axis := range e.active.axes {
		pos := e.active.seg.Setpoint(axis, e.active.elapsed)
		steps := e.mapping.Steps(axis, pos)
		if err := e.drives[axis].SetTargetPosition(steps); err != nil {
			// Drive dropped out of Operation-Enabled mid-segment,
			// the fault monitor deals with the cause
			log.Warnf("[EXEC] %v setpoint rejected : %v", axis, err)
		}
	}
}

func (e *Executor) completeSegmentLocked() {
	if e.active == nil {
		return
	}
	if e.active.elapsed < e.active.seg.Duration() {
		return
	}
	for _, axis := range e.active.axes {
		if !e.drives[axis].TargetReached() {
			return
		}
	}
	if e.active.onDone != nil {
		e.active.onDone()
	}
	e.active = nil
}

// dispatchNextLocked pops the next command once the previous one has
// fully completed on every participating axis. Commands execute in
// strict file order.
func (e *Executor) dispatchNextLocked() {
	if e.dwell > 0 {
		e.dwell -= e.cfg.TickInterval
		return
	}
	if e.waitHotend {
		if !e.heater.HotendReached() {
			return
		}
		e.waitHotend = false
	}
	if e.waitBed {
		if !e.heater.BedReached() {
			return
		}
		e.waitBed = false
	}

	// Manual queue first, it is only filled while stopped
	if len(e.pending) > 0 {
		cmd := e.pending[0]
		e.pending = e.pending[1:]
		e.executeLocked(cmd)
		return
	}

	if e.state != Printing {
		return
	}
	if !e.enabledLocked() {
		// Enable chain still running after Start
		return
	}
	for {
		cmd, line, err := e.parser.Next()
		if err == io.EOF {
			e.state = Stopped
			log.Infof("[EXEC] job finished after %d lines", e.line)
			return
		}
		e.line = line
		if err != nil {
			var parseErr *gcode.ParseError
			if errors.As(err, &parseErr) {
				log.Warnf("[EXEC] skipping line %d : %v", line, err)
				continue
			}
			log.Errorf("[EXEC] read error : %v", err)
			e.state = Stopped
			return
		}
		e.executeLocked(cmd)
		return
	}
}

func (e *Executor) enabledLocked() bool {
	for _, ctrl := range e.drives {
		if ctrl.State() != cia402.OperationEnabled {
			return false
		}
	}
	return true
}

func (e *Executor) executeLocked(cmd gcode.Command) {
	switch c := cmd.(type) {
	case gcode.Move:
		e.startMoveLocked(c)
	case gcode.SetPosition:
		// G92 reprograms the coordinate system, nothing moves
		for axis, value := range c.Axes {
			e.ctx.Offset[axis] = e.ctx.Position[axis] - value
		}
	case gcode.Home:
		e.startHomeLocked(c)
	case gcode.SetExtrusionMode:
		e.ctx.AbsoluteE = c.Absolute
	case gcode.SetMotionMode:
		e.ctx.AbsoluteXYZ = c.Absolute
	case gcode.SetUnits:
		// Unit conversion already happened in the parser
	case gcode.SelectTool:
		if c.Index != 0 {
			log.Warnf("[EXEC] tool %d requested, machine has one tool", c.Index)
		}
		e.ctx.Tool = c.Index
	case gcode.Dwell:
		e.dwell = c.Duration
	case gcode.Thermal:
		e.thermalLocked(c)
	case gcode.Unsupported:
		log.Infof("[EXEC] skipping unsupported line %d : %q", e.line, c.Raw)
	}
}

func (e *Executor) startMoveLocked(mv gcode.Move) {
	if mv.HasFeed {
		e.ctx.Feedrate = mv.Feedrate
		e.ctx.HasFeedrate = true
	}
	seg, err := e.planner.Plan(e.ctx, mv)
	if err != nil {
		// Limit violations abort the segment but not the job
		log.Errorf("[EXEC] line %d : %v", e.line, err)
		return
	}
	axes := seg.Axes()
	if len(axes) == 0 {
		return
	}
	e.active = &activeSegment{
		seg:  seg,
		axes: axes,
		onDone: func() {
			for _, axis := range printd.Axes {
				e.ctx.Position[axis] = seg.Target[axis]
			}
		},
	}
}

func (e *Executor) startHomeLocked(h gcode.Home) {
	// Homing moves in machine coordinates, independent of G92 offsets
	mv := gcode.Move{Axes: make(map[printd.Axis]float64, len(h.Axes)), HasFeed: true}
	feed := 0.0
	for _, axis := range h.Axes {
		mv.Axes[axis] = e.cfg.Homes[axis]
		limit := e.planner.Limits(axis).MaxFeedrate
		if feed == 0 || limit < feed {
			feed = limit
		}
	}
	mv.Feedrate = feed
	homeCtx := *e.ctx
	homeCtx.Offset = make(map[printd.Axis]float64, len(printd.Axes))
	for _, axis := range printd.Axes {
		homeCtx.Offset[axis] = 0
	}
	homeCtx.AbsoluteXYZ = true
	seg, err := e.planner.Plan(&homeCtx, mv)
	if err != nil {
		log.Errorf("[EXEC] homing : %v", err)
		return
	}
	axes := h.Axes
	e.active = &activeSegment{
		seg:  seg,
		axes: seg.Axes(),
		onDone: func() {
			for _, axis := range axes {
				e.ctx.Position[axis] = seg.Target[axis]
				// Homing re-anchors the coordinate system
				e.ctx.Offset[axis] = 0
			}
		},
	}
}

func (e *Executor) thermalLocked(th gcode.Thermal) {
	var err error
	switch th.Kind {
	case gcode.HotendTarget:
		err = e.heater.SetHotendTarget(th.Temperature)
	case gcode.HotendTargetWait:
		err = e.heater.SetHotendTarget(th.Temperature)
		e.waitHotend = err == nil
	case gcode.BedTarget:
		err = e.heater.SetBedTarget(th.Temperature)
	case gcode.BedTargetWait:
		err = e.heater.SetBedTarget(th.Temperature)
		e.waitBed = err == nil
	}
	if err != nil {
		log.Errorf("[EXEC] heater rejected %q : %v", th.Raw, err)
	}
}

func (e *Executor) abortAllLocked() {
	e.active = nil
	e.dwell = 0
	e.waitHotend = false
	e.waitBed = false
	for _, ctrl := range e.drives {
		ctrl.RequestQuickStop()
	}
}
