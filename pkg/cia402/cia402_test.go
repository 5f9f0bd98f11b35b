package cia402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRoundTrip(t *testing.T) {
	states := []State{
		NotReadyToSwitchOn,
		SwitchOnDisabled,
		ReadyToSwitchOn,
		SwitchedOn,
		OperationEnabled,
		QuickStopActive,
		FaultReactionActive,
		Fault,
	}
	for _, s := range states {
		t.Run(s.String(), func(t *testing.T) {
			assert.Equal(t, s, StateFromStatus(StatusBits(s)))
			// Bits outside the state mask must not change the decode
			sw := StatusBits(s) | StatusWarning | StatusTargetReached | StatusSetpointAck
			assert.Equal(t, s, StateFromStatus(sw))
		})
	}
}

func TestStateFromStatusRealWords(t *testing.T) {
	// Statuswords as seen from actual drives, with voltage, warning and
	// manufacturer bits set
	cases := []struct {
		sw   uint16
		want State
	}{
		{0x0250, SwitchOnDisabled},
		{0x0231, ReadyToSwitchOn},
		{0x0233, SwitchedOn},
		{0x0637, OperationEnabled},
		{0x0217, QuickStopActive},
		{0x0218, Fault},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StateFromStatus(tc.sw), "statusword x%x", tc.sw)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		CommandShutdown,
		CommandSwitchOn,
		CommandEnableOperation,
		CommandDisableVoltage,
		CommandQuickStop,
		CommandFaultReset,
	}
	for _, c := range commands {
		got, ok := CommandFromControlword(c.Controlword())
		require.True(t, ok)
		assert.Equal(t, c, got)
	}

	// Setpoint handshake bits must not hide the command
	got, ok := CommandFromControlword(CommandEnableOperation.Controlword() | ControlNewSetpoint | ControlChangeSetImmed)
	require.True(t, ok)
	assert.Equal(t, CommandEnableOperation, got)
}

func TestCommandControlwords(t *testing.T) {
	// The wire patterns from CiA-402 table 27
	assert.Equal(t, uint16(0x06), CommandShutdown.Controlword())
	assert.Equal(t, uint16(0x07), CommandSwitchOn.Controlword())
	assert.Equal(t, uint16(0x0F), CommandEnableOperation.Controlword())
	assert.Equal(t, uint16(0x00), CommandDisableVoltage.Controlword())
	assert.Equal(t, uint16(0x02), CommandQuickStop.Controlword())
	assert.Equal(t, uint16(0x80), CommandFaultReset.Controlword())
}

func TestNextCommandEnableChain(t *testing.T) {
	// Walking the chain from SwitchOnDisabled to OperationEnabled takes
	// exactly Shutdown, SwitchOn, EnableOperation
	steps := []struct {
		current State
		want    Command
	}{
		{SwitchOnDisabled, CommandShutdown},
		{ReadyToSwitchOn, CommandSwitchOn},
		{SwitchedOn, CommandEnableOperation},
	}
	for _, step := range steps {
		cmd, ok := NextCommand(step.current, OperationEnabled)
		require.True(t, ok, step.current)
		assert.Equal(t, step.want, cmd, step.current)
	}

	_, ok := NextCommand(OperationEnabled, OperationEnabled)
	assert.False(t, ok)
}

func TestNextCommandEdges(t *testing.T) {
	t.Run("disable from anywhere", func(t *testing.T) {
		for _, s := range []State{ReadyToSwitchOn, SwitchedOn, OperationEnabled, QuickStopActive} {
			cmd, ok := NextCommand(s, SwitchOnDisabled)
			require.True(t, ok, s)
			assert.Equal(t, CommandDisableVoltage, cmd, s)
		}
	})

	t.Run("quick stop", func(t *testing.T) {
		cmd, ok := NextCommand(OperationEnabled, QuickStopActive)
		require.True(t, ok)
		assert.Equal(t, CommandQuickStop, cmd)
	})

	t.Run("resume from quick stop", func(t *testing.T) {
		cmd, ok := NextCommand(QuickStopActive, OperationEnabled)
		require.True(t, ok)
		assert.Equal(t, CommandEnableOperation, cmd)
	})

	t.Run("fault always resets first", func(t *testing.T) {
		for _, target := range []State{SwitchOnDisabled, OperationEnabled} {
			cmd, ok := NextCommand(Fault, target)
			require.True(t, ok)
			assert.Equal(t, CommandFaultReset, cmd)
		}
	})

	t.Run("no way out of transient states", func(t *testing.T) {
		_, ok := NextCommand(NotReadyToSwitchOn, OperationEnabled)
		assert.False(t, ok)
		_, ok = NextCommand(FaultReactionActive, OperationEnabled)
		assert.False(t, ok)
	})
}
