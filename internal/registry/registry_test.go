package registry_test

import (
	"path/filepath"
	"sync"
	"testing"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func source(t *testing.T, name string) registry.Source {
	t.Helper()

	src, err := registry.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)

	return src
}

func load(t *testing.T, names ...string) *registry.Registry {
	t.Helper()

	sources := make([]registry.Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, source(t, name))
	}
	reg, err := registry.Load(logger.Nop(), sources...)
	require.NoError(t, err)

	return reg
}

func TestLoadAndResolve(t *testing.T) {
	reg := load(t, "vehicle.dbc")

	assert.Equal(t, 3, reg.Len())

	msg, err := reg.Resolve(256)
	require.NoError(t, err)
	assert.Equal(t, "VehicleStatus", msg.Name)
	assert.Equal(t, 8, msg.Length)
	require.Len(t, msg.Signals, 3)
	assert.Equal(t, "VehicleStatus.Speed", msg.Signals[0].QualifiedName)
	assert.Equal(t, "km/h", msg.Signals[0].Unit)

	_, err = reg.Resolve(0x7FF)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, registry.ErrMessageNotFound))

	_, ok := reg.Lookup(0x7FF)
	assert.False(t, ok)
}

func TestMessagesOrderedByID(t *testing.T) {
	reg := load(t, "battery.dbc", "vehicle.dbc")

	var ids []uint32
	for _, msg := range reg.Messages() {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []uint32{256, 512, 768, 1024}, ids)
	assert.Equal(t, map[uint32]string{
		256:  "VehicleStatus",
		512:  "MotorData",
		768:  "PackStatus",
		1024: "Heartbeat",
	}, reg.Available())
}

func TestDecode(t *testing.T) {
	reg := load(t, "vehicle.dbc")
	msg, err := reg.Resolve(256)
	require.NoError(t, err)

	values, err := msg.Decode([]byte{0xE8, 0x03, 0x03, 0x64, 0, 0, 0, 0})
	require.NoError(t, err)

	assert.Len(t, values, 3)
	assert.InDelta(t, 100.0, values["VehicleStatus.Speed"], 1e-9)
	assert.InDelta(t, 3.0, values["VehicleStatus.Gear"], 1e-9)
	assert.InDelta(t, 60.0, values["VehicleStatus.CoolantTemp"], 1e-9)
}

func TestDecodeMultiplexed(t *testing.T) {
	reg := load(t, "vehicle.dbc")
	msg, err := reg.Resolve(512)
	require.NoError(t, err)

	values, err := msg.Decode([]byte{0x00, 0xF6, 0xFF, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, values["MotorData.Mux"], 1e-9)
	assert.InDelta(t, -1.0, values["MotorData.Torque"], 1e-9)
	assert.NotContains(t, values, "MotorData.Rpm")

	values, err = msg.Decode([]byte{0x01, 0xE8, 0x03, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, values["MotorData.Rpm"], 1e-9)
	assert.NotContains(t, values, "MotorData.Torque")
}

func TestDecodeShortFrame(t *testing.T) {
	reg := load(t, "vehicle.dbc")
	msg, err := reg.Resolve(256)
	require.NoError(t, err)

	_, err = msg.Decode([]byte{0xE8, 0x03})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, registry.ErrDecodeFailed))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reg := load(t, "battery.dbc")
	msg, err := reg.Resolve(768)
	require.NoError(t, err)

	data := msg.Encode(map[string]float64{
		"PackVoltage":   400.5,
		"PackCurrent":   -12.3,
		"StateOfCharge": 87.5,
	})
	require.Len(t, data, 8)

	values, err := msg.Decode(data)
	require.NoError(t, err)
	assert.InDelta(t, 400.5, values["PackStatus.PackVoltage"], 0.01)
	assert.InDelta(t, -12.3, values["PackStatus.PackCurrent"], 0.1)
	assert.InDelta(t, 87.5, values["PackStatus.StateOfCharge"], 0.5)
}

func TestEncodeMultiplexedBranch(t *testing.T) {
	reg := load(t, "vehicle.dbc")
	msg, err := reg.Resolve(512)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, msg.Branches())

	values := map[string]float64{"Torque": -12.5, "Rpm": 3000}

	decoded, err := msg.Decode(msg.EncodeBranch(values, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, decoded["MotorData.Mux"], 1e-9)
	assert.InDelta(t, -12.5, decoded["MotorData.Torque"], 0.05)
	assert.NotContains(t, decoded, "MotorData.Rpm")

	decoded, err = msg.Decode(msg.EncodeBranch(values, 1))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, decoded["MotorData.Mux"], 1e-9)
	assert.InDelta(t, 3000.0, decoded["MotorData.Rpm"], 1e-9)
	assert.NotContains(t, decoded, "MotorData.Torque")

	// The switch value in the map picks the branch for Encode.
	values["Mux"] = 1
	decoded, err = msg.Decode(msg.Encode(values))
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, decoded["MotorData.Rpm"], 1e-9)
}

func TestBranchesOfPlainMessage(t *testing.T) {
	reg := load(t, "vehicle.dbc")
	msg, err := reg.Resolve(256)
	require.NoError(t, err)
	assert.Nil(t, msg.Branches())
}

func TestLoadSkipsBrokenSource(t *testing.T) {
	reg, err := registry.Load(logger.Nop(), source(t, "broken.dbc"), source(t, "battery.dbc"))
	require.Error(t, err)
	assert.True(t, registry.IsDefinitionError(err))

	require.NotNil(t, reg)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{filepath.Join("testdata", "battery.dbc")}, reg.Sources())
}

func TestLaterSourceWins(t *testing.T) {
	reg := load(t, "vehicle.dbc", "override.dbc")

	msg, err := reg.Resolve(256)
	require.NoError(t, err)
	assert.Equal(t, "VehicleStatusV2", msg.Name)
	assert.Equal(t, 3, reg.Len())
}

func TestSignalNamesSorted(t *testing.T) {
	reg := load(t, "battery.dbc")
	assert.Equal(t, []string{
		"PackStatus.PackCurrent",
		"PackStatus.PackVoltage",
		"PackStatus.StateOfCharge",
	}, reg.SignalNames())
}

func TestHolderSwapDuringDecode(t *testing.T) {
	oldReg := load(t, "vehicle.dbc")
	newReg := load(t, "override.dbc")
	holder := registry.NewHolder(oldReg)

	// A decode that already resolved against the old registry finishes
	// against it even though the registry is replaced in between.
	current := holder.Current()
	msg, ok := current.Lookup(256)
	require.True(t, ok)

	holder.Replace(newReg)

	values, err := msg.Decode([]byte{0xE8, 0x03, 0x03, 0x64, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Contains(t, values, "VehicleStatus.Gear")

	next, ok := holder.Current().Lookup(256)
	require.True(t, ok)
	assert.Equal(t, "VehicleStatusV2", next.Name)
	_, ok = holder.Current().Lookup(512)
	assert.False(t, ok)
}

func TestHolderConcurrentReaders(t *testing.T) {
	a := load(t, "vehicle.dbc")
	b := load(t, "override.dbc")
	holder := registry.NewHolder(a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				reg := holder.Current()
				msg, ok := reg.Lookup(256)
				if !assert.True(t, ok) {
					return
				}
				values, err := msg.Decode([]byte{0x10, 0x27, 0, 0, 0, 0, 0, 0})
				if !assert.NoError(t, err) {
					return
				}
				// Every key belongs to the message that was resolved.
				for name := range values {
					assert.Contains(t, name, msg.Name+".")
				}
			}
		}()
	}

	for j := 0; j < 200; j++ {
		if j%2 == 0 {
			holder.Replace(b)
		} else {
			holder.Replace(a)
		}
	}
	wg.Wait()
}

func TestNewHolderNil(t *testing.T) {
	holder := registry.NewHolder(nil)
	require.NotNil(t, holder.Current())
	assert.Equal(t, 0, holder.Current().Len())
}
