package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	printd "github.com/PS-3D/3dprintd"
	"github.com/PS-3D/3dprintd/pkg/can/virtual"
	"github.com/PS-3D/3dprintd/pkg/cia402"
	"github.com/PS-3D/3dprintd/pkg/drive"
	"github.com/PS-3D/3dprintd/pkg/gcode"
	"github.com/PS-3D/3dprintd/pkg/motion"
)

func mustParse(t *testing.T, line string) gcode.Command {
	t.Helper()
	cmd, err := gcode.NewParser(nil).ParseLine(line)
	require.NoError(t, err)
	return cmd
}

func testConfig() Config {
	return Config{
		TickInterval: 10 * time.Millisecond,
		AbortAll:     false,
		ResetRetries: 3,
		BusRetries:   5,
		Homes: map[printd.Axis]float64{
			printd.AxisX: 0,
			printd.AxisY: 0,
			printd.AxisZ: 0,
		},
	}
}

func testMapping() drive.Mapping {
	return drive.Mapping{
		printd.AxisX: {NodeId: 1, StepsPerMM: 80},
		printd.AxisY: {NodeId: 2, StepsPerMM: 80},
		printd.AxisZ: {NodeId: 3, StepsPerMM: 400},
		printd.AxisE: {NodeId: 4, StepsPerMM: 400},
	}
}

func testPlannerLimits() map[printd.Axis]motion.Limits {
	return map[printd.Axis]motion.Limits{
		printd.AxisX: {HasTravel: true, Min: 0, Max: 200, MaxFeedrate: 9000, MaxAccel: 1500},
		printd.AxisY: {HasTravel: true, Min: 0, Max: 200, MaxFeedrate: 9000, MaxAccel: 1500},
		printd.AxisZ: {HasTravel: true, Min: 0, Max: 200, MaxFeedrate: 600, MaxAccel: 100},
		printd.AxisE: {MaxFeedrate: 3000, MaxAccel: 5000},
	}
}

// A whole machine on one virtual channel : the executor as the master,
// one simulated drive per axis
type machineRig struct {
	t    *testing.T
	exec *Executor
	sims map[printd.Axis]*drive.Sim
}

func newMachineRig(t *testing.T, cfg Config) *machineRig {
	return newMachineRigHeater(t, cfg, nil)
}

func newMachineRigHeater(t *testing.T, cfg Config, heater Heater) *machineRig {
	t.Helper()
	channel := "exec-" + t.Name()

	masterBus, err := virtual.NewVirtualCanBus(channel)
	require.NoError(t, err)
	require.NoError(t, masterBus.Connect())
	bm := printd.NewBusManager(masterBus)
	require.NoError(t, masterBus.Subscribe(bm))

	mapping := testMapping()
	exec, err := New(bm, motion.NewPlanner(testPlannerLimits()), mapping, cfg, heater)
	require.NoError(t, err)

	sims := make(map[printd.Axis]*drive.Sim, len(mapping))
	for axis, node := range mapping {
		simBus, err := virtual.NewVirtualCanBus(channel)
		require.NoError(t, err)
		sim, err := drive.NewSim(simBus, node.NodeId)
		require.NoError(t, err)
		sims[axis] = sim
	}
	return &machineRig{t: t, exec: exec, sims: sims}
}

// One bus tick : every drive publishes its statusword, then the master
// runs its loop
func (r *machineRig) tick() {
	r.t.Helper()
	for _, axis := range printd.Axes {
		require.NoError(r.t, r.sims[axis].Process())
	}
	require.NoError(r.t, r.exec.Tick())
}

func (r *machineRig) runUntil(max int, what string, cond func() bool) {
	r.t.Helper()
	for i := 0; i < max; i++ {
		r.tick()
		if cond() {
			return
		}
	}
	r.t.Fatalf("%s did not happen within %d ticks", what, max)
}

func (r *machineRig) start(program ...string) {
	r.t.Helper()
	require.NoError(r.t, r.exec.Start(strings.NewReader(strings.Join(program, "\n"))))
}

func (r *machineRig) finished() bool {
	return r.exec.Status().Job == "stopped"
}

func TestExecutorPrintsJob(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start(
		";LAYER:0",
		"G90",
		"G1 X10 Y5 F1500",
		"G1 X0 Y0 F3000",
	)

	// The first segment ends exactly on target
	r.runUntil(200, "first move", func() bool {
		return r.sims[printd.AxisX].ActualPosition() == 800
	})
	assert.Equal(t, int32(400), r.sims[printd.AxisY].ActualPosition())

	// The status snapshot reports the drive actuals once the next
	// statusword came in
	r.tick()
	for _, ds := range r.exec.Status().Drives {
		switch ds.Axis {
		case "X":
			assert.Equal(t, int32(800), ds.Actual)
		case "Y":
			assert.Equal(t, int32(400), ds.Actual)
		}
	}

	r.runUntil(200, "job end", r.finished)
	assert.Equal(t, int32(0), r.sims[printd.AxisX].ActualPosition())
	assert.Equal(t, int32(0), r.sims[printd.AxisY].ActualPosition())

	st := r.exec.Status()
	assert.Equal(t, 0.0, st.Position["X"])
	assert.Equal(t, 0.0, st.Position["Y"])
	assert.Equal(t, 4, st.Line)
}

func TestExecutorExtrusionScenario(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start(
		"G1 F200 E3",
		"G92 E0",
		"M83",
		"G1 F1500 E-6.5",
	)
	r.runUntil(2000, "job end", r.finished)

	// Physical E is 3 - 6.5 = -3.5mm, 400 steps/mm
	assert.Equal(t, int32(-1400), r.sims[printd.AxisE].ActualPosition())
	// Program coordinates are anchored at the G92
	assert.InDelta(t, -6.5, r.exec.Status().Position["E"], 1e-9)
}

func TestExecutorHoming(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start(
		"G1 X10 F6000",
		"G92 X5",
		"G28 X",
		"G1 X3 F6000",
	)
	r.runUntil(500, "job end", r.finished)

	// Homing cleared the G92 offset, so X3 is 3mm physical
	assert.Equal(t, int32(240), r.sims[printd.AxisX].ActualPosition())
	assert.InDelta(t, 3.0, r.exec.Status().Position["X"], 1e-9)
}

func TestExecutorSkipsBrokenAndUnsupportedLines(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start(
		"G1 X1 X2 F1500", // duplicate word
		"M420 S1",        // unsupported
		"G1 X500 F1500",  // outside travel
		"G1 X2 F6000",
	)
	r.runUntil(300, "job end", r.finished)
	assert.Equal(t, int32(160), r.sims[printd.AxisX].ActualPosition())
}

func TestExecutorDwell(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start("G4 P100")

	ticks := 0
	r.runUntil(100, "job end", func() bool {
		ticks++
		return r.finished()
	})
	// 100ms of dwell at a 10ms tick, plus the enable chain
	assert.GreaterOrEqual(t, ticks, 10)
}

func TestExecutorPauseResume(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start(
		"G1 X50 F3000",
		"G1 Y50 F3000",
	)

	r.runUntil(100, "motion", func() bool {
		return r.sims[printd.AxisX].ActualPosition() > 0
	})
	require.NoError(t, r.exec.Pause())

	// The segment in flight still finishes, the next one is held back
	r.runUntil(300, "first move", func() bool {
		return r.sims[printd.AxisX].ActualPosition() == 4000
	})
	for i := 0; i < 20; i++ {
		r.tick()
	}
	assert.Equal(t, "paused", r.exec.Status().Job)
	assert.Equal(t, int32(0), r.sims[printd.AxisY].ActualPosition())

	require.NoError(t, r.exec.Resume())
	r.runUntil(300, "job end", r.finished)
	assert.Equal(t, int32(4000), r.sims[printd.AxisY].ActualPosition())
}

func TestExecutorStopAndRestart(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start("G1 X100 F600")

	r.runUntil(100, "motion", func() bool {
		return r.sims[printd.AxisX].ActualPosition() > 0
	})
	require.NoError(t, r.exec.Stop())

	// The drives ramp down via quick stop
	r.tick()
	assert.Equal(t, cia402.QuickStopActive, r.sims[printd.AxisX].State())
	stopped := r.sims[printd.AxisX].ActualPosition()
	assert.Less(t, stopped, int32(8000))

	// A new job re-enables and runs
	r.start("G1 Y10 F6000")
	r.runUntil(300, "job end", r.finished)
	assert.Equal(t, int32(800), r.sims[printd.AxisY].ActualPosition())
}

func TestExecutorManualCommands(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.exec.Enable()
	r.runUntil(10, "enable", r.exec.Enabled)

	require.NoError(t, r.exec.Exec(mustParse(t, "G1 X5 F6000")))
	r.runUntil(200, "manual move", func() bool {
		return r.sims[printd.AxisX].ActualPosition() == 400
	})

	// Manual injection is refused while a job runs
	r.start("G1 Y10 F6000")
	assert.ErrorIs(t, r.exec.Exec(mustParse(t, "G1 X0 F6000")), ErrNotStopped)
}

func TestExecutorSetup(t *testing.T) {
	r := newMachineRig(t, testConfig())
	require.NoError(t, r.exec.Setup())

	mode, ok := r.sims[printd.AxisX].Object(cia402.IndexModeOfOperation, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, mode)

	// X : 9000mm/min * 80steps/mm = 12000 steps/s
	velocity, ok := r.sims[printd.AxisX].Object(cia402.IndexProfileVelocity, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{0xE0, 0x2E, 0x00, 0x00}, velocity)

	// Travel range as software position limits, 200mm * 80steps/mm
	limit, ok := r.sims[printd.AxisX].Object(cia402.IndexSoftwareLimit, 2)
	require.True(t, ok)
	assert.Equal(t, []byte{0x80, 0x3E, 0x00, 0x00}, limit)

	// The extruder has no travel range and gets none
	_, ok = r.sims[printd.AxisE].Object(cia402.IndexSoftwareLimit, 1)
	assert.False(t, ok)
}

type fakeHeater struct {
	hotendTarget float64
	bedTarget    float64
	hotendReady  bool
	bedReady     bool
}

func (h *fakeHeater) SetHotendTarget(c float64) error { h.hotendTarget = c; return nil }
func (h *fakeHeater) SetBedTarget(c float64) error    { h.bedTarget = c; return nil }
func (h *fakeHeater) HotendReached() bool             { return h.hotendReady }
func (h *fakeHeater) BedReached() bool                { return h.bedReady }

func TestExecutorThermal(t *testing.T) {
	heater := &fakeHeater{}
	r := newMachineRigHeater(t, testConfig(), heater)
	r.start(
		"M140 S60",
		"M104 S210",
		"M109 S215",
		"G1 X1 F6000",
	)

	// M109 blocks the command stream until the heater reports reached
	r.runUntil(50, "hotend wait", func() bool {
		return heater.hotendTarget == 215
	})
	assert.Equal(t, 60.0, heater.bedTarget)
	for i := 0; i < 20; i++ {
		r.tick()
	}
	assert.Equal(t, int32(0), r.sims[printd.AxisX].ActualPosition())
	assert.Equal(t, "printing", r.exec.Status().Job)

	heater.hotendReady = true
	r.runUntil(100, "job end", r.finished)
	assert.Equal(t, int32(80), r.sims[printd.AxisX].ActualPosition())
}

func TestExecutorFaultAbortsAxis(t *testing.T) {
	r := newMachineRig(t, testConfig())
	r.start("G1 X50 Y50 F3000")

	r.runUntil(100, "motion", func() bool {
		return r.sims[printd.AxisX].ActualPosition() > 400
	})

	r.sims[printd.AxisX].InjectFault(0x2310)
	r.tick()

	// The fault is picked up within one tick and only kills the axis
	fault := r.exec.LastFault()
	require.NotNil(t, fault)
	assert.Equal(t, uint8(1), fault.Node)
	assert.Equal(t, uint16(0x2310), fault.Code)
	assert.Equal(t, "printing", r.exec.Status().Job)

	// The faulted axis receives no further setpoints while the sibling
	// keeps going
	frozen := r.sims[printd.AxisX].ActualPosition()
	for i := 0; i < 10; i++ {
		r.tick()
	}
	assert.Equal(t, frozen, r.sims[printd.AxisX].ActualPosition())
	assert.Greater(t, r.sims[printd.AxisY].ActualPosition(), int32(0))

	r.runUntil(300, "job end", r.finished)
	assert.Equal(t, int32(4000), r.sims[printd.AxisY].ActualPosition())
	assert.Nil(t, r.exec.Fatal())
}

func TestExecutorFaultAbortsAll(t *testing.T) {
	cfg := testConfig()
	cfg.AbortAll = true
	r := newMachineRig(t, cfg)
	r.start(
		"G1 X50 Y50 F3000",
		"G1 X20 Y20 F3000",
	)

	r.runUntil(100, "motion", func() bool {
		return r.sims[printd.AxisX].ActualPosition() > 400
	})

	r.sims[printd.AxisX].InjectFault(0x3210)
	r.tick()

	// One faulted axis pauses the whole machine
	assert.Equal(t, "paused", r.exec.Status().Job)
	yStopped := r.sims[printd.AxisY].ActualPosition()
	for i := 0; i < 10; i++ {
		r.tick()
	}
	assert.Equal(t, yStopped, r.sims[printd.AxisY].ActualPosition())
	assert.Equal(t, cia402.QuickStopActive, r.sims[printd.AxisY].State())

	// After the automatic reset the job can be resumed, the aborted
	// move was dropped and the next one runs
	require.NoError(t, r.exec.Resume())
	r.runUntil(500, "job end", r.finished)
	assert.Equal(t, int32(1600), r.sims[printd.AxisX].ActualPosition())
	assert.Equal(t, int32(1600), r.sims[printd.AxisY].ActualPosition())
}

func TestExecutorFaultEscalatesToFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ResetRetries = 0
	r := newMachineRig(t, cfg)
	r.start("G1 X50 F3000")

	r.runUntil(100, "motion", func() bool {
		return r.sims[printd.AxisX].ActualPosition() > 0
	})

	r.sims[printd.AxisX].InjectFault(0x2310)
	for _, axis := range printd.Axes {
		require.NoError(t, r.sims[axis].Process())
	}
	err := r.exec.Tick()
	require.ErrorIs(t, err, ErrFatalHalt)

	// The halt is sticky and the machine is de-energized
	assert.ErrorIs(t, r.exec.Fatal(), ErrFatalHalt)
	assert.ErrorIs(t, r.exec.Start(strings.NewReader("G1 X1 F600")), ErrFatalHalt)
	assert.ErrorIs(t, r.exec.Exec(mustParse(t, "G1 X1 F600")), ErrFatalHalt)
	assert.Equal(t, cia402.SwitchOnDisabled, r.sims[printd.AxisY].State())
	assert.Equal(t, "stopped", r.exec.Status().Job)
	assert.NotEmpty(t, r.exec.Status().Fatal)
}

func TestExecutorBusLiveness(t *testing.T) {
	cfg := testConfig()
	cfg.BusRetries = 2
	r := newMachineRig(t, cfg)
	r.start("G1 X10 F600")

	// Silence on the bus : no simulator publishes anything
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = r.exec.Tick()
	}
	require.ErrorIs(t, err, ErrFatalHalt)
	assert.Contains(t, err.Error(), "bus timeout")
}

func TestExecutorConfigValidation(t *testing.T) {
	channel := "exec-" + t.Name()
	bus, err := virtual.NewVirtualCanBus(channel)
	require.NoError(t, err)
	require.NoError(t, bus.Connect())
	bm := printd.NewBusManager(bus)

	t.Run("bad tick interval", func(t *testing.T) {
		cfg := testConfig()
		cfg.TickInterval = 0
		_, err := New(bm, motion.NewPlanner(testPlannerLimits()), testMapping(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("bad mapping", func(t *testing.T) {
		mapping := testMapping()
		delete(mapping, printd.AxisZ)
		_, err := New(bm, motion.NewPlanner(testPlannerLimits()), mapping, testConfig(), nil)
		assert.Error(t, err)
	})
}
