package command

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilders(t *testing.T) {
	must := func(s string, err error) string {
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"verbose on", SetVerbose(true), "setVerbose 1"},
		{"verbose off", SetVerbose(false), "setVerbose 0"},
		{"lcd on is inverted", SetVerboseLCD(true), "setExperiment 0"},
		{"lcd off is inverted", SetVerboseLCD(false), "setExperiment 1"},
		{"ca channel", must(SetCAChannel(2)), "setCAChannel 2"},
		{"all valves open", SetAllSolenoidValves(true), "enableAllValves"},
		{"all valves closed", SetAllSolenoidValves(false), "disableAllValves"},
		{"manual flow", must(ManualFlow(4)), "manualFlow 4"},
		{"stop", StopCalibration(), "stopCalibration"},
		{"test delay", must(TestDelay(13)), "testDelay 13"},
		{"set channel", must(SetChannel(3)), "setChannel 3"},
		{"read flow", ReadFlow(), "readFlow"},
		{"valve open", SetValve(true, false), "setValve 1"},
		{"valve close", SetValve(false, false), "setValve 0"},
		{"valve trigger out", SetValve(true, true), "setToutValve 1"},
		{"direction open", SetMotorDirection(true), "setDirection 1"},
		{"direction close", SetMotorDirection(false), "setDirection 0"},
		{"steps", must(RunMotorSteps(10)), "steps 10"},
		{"open timed", must(OpenValve(500, false)), "openValveTimed 500"},
		{"open timed on trigger", must(OpenValve(500, true)), "openTValveTimed 500"},
		{"open cf off", must(OpenValveWithoutConstantFlow(250, false)), "CfOffOpenValveTimed 250"},
		{"open cf off on trigger", must(OpenValveWithoutConstantFlow(250, true)), "TCfOffOpenValveTimed 250"},
		{"open ca off", must(OpenValveWithoutCleanAir(0, false)), "CaOffOpenValveTimed 0"},
		{"open ca off on trigger", must(OpenValveWithoutCleanAir(100, true)), "TCaOffOpenValveTimed 100"},
		{"trigger delay", must(SetTriggerOutDelay(20)), "setTriggerOutDelay 20"},
		{"trigger duration", must(SetTriggerOutDuration(30)), "setTriggerOutDuration 30"},
		{"out trigger", OutTrigger(), "outTrigger"},
		{"in trigger", InTrigger(), "inTrigger"},
		{"loop trigger", LoopTrigger(), "loopTrigger"},
		{"inhale", must(OpenValveOnInhale(1, 200, 50, false)), "Tb_in_breathSound 1 200 50"},
		{"inhale second trigger", must(OpenValveOnInhale(1, 200, 50, true)), "Tb_ta_in_breathSound 1 200 50"},
		{"exhale", must(OpenValveOnExhale(2, 300, 0, false)), "Tb_out_breathSound 2 300 0"},
		{"sound then valve", must(OpenValveAfterSound(5, 100, 10, true)), "Tb_ta_soundValve 5 100 10"},
		{"valve then sound", must(OpenValveThenSound(6, 100, 10, false)), "Tb_valveSound 6 100 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestSetFlow(t *testing.T) {
	got, err := SetFlow([]ChannelFlow{{ID: 3, Flow: 12}, {ID: 1, Flow: 0.5}, {ID: 13, Flow: 7.25}})
	require.NoError(t, err)
	assert.Equal(t, "setFlow 3:12;1:0.5;13:7.25", got)

	_, err = SetFlow(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SetFlow([]ChannelFlow{{ID: 3, Flow: 0}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SetFlow([]ChannelFlow{{ID: 3, Flow: -1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SetFlow([]ChannelFlow{{ID: 3, Flow: 1}, {ID: 14, Flow: 1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = SetFlow([]ChannelFlow{{ID: 3, Flow: f}})
		assert.ErrorIs(t, err, ErrInvalidArgument, "flow %v", f)
	}
}

func TestChannelOutOfRange(t *testing.T) {
	builders := map[string]func(id int) (string, error){
		"SetCAChannel": SetCAChannel,
		"ManualFlow":   ManualFlow,
		"TestDelay":    TestDelay,
		"SetChannel":   SetChannel,
		"SetFlow": func(id int) (string, error) {
			return SetFlow([]ChannelFlow{{ID: id, Flow: 1}})
		},
		"OpenValveOnInhale": func(id int) (string, error) {
			return OpenValveOnInhale(id, 1, 1, false)
		},
		"OpenValveOnExhale": func(id int) (string, error) {
			return OpenValveOnExhale(id, 1, 1, false)
		},
		"OpenValveAfterSound": func(id int) (string, error) {
			return OpenValveAfterSound(id, 1, 1, false)
		},
		"OpenValveThenSound": func(id int) (string, error) {
			return OpenValveThenSound(id, 1, 1, false)
		},
	}

	for name, build := range builders {
		for _, id := range []int{-1, 0, MaxChannelID + 1, 100} {
			got, err := build(id)
			assert.ErrorIs(t, err, ErrInvalidArgument, "%s(%d)", name, id)
			assert.Empty(t, got, "%s(%d)", name, id)
		}
		for _, id := range []int{MinChannelID, MaxChannelID} {
			_, err := build(id)
			assert.NoError(t, err, "%s(%d)", name, id)
		}
	}
}

func TestNumericArguments(t *testing.T) {
	_, err := RunMotorSteps(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenValve(-1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SetTriggerOutDelay(-5)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = OpenValveThenSound(1, 10, -1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
