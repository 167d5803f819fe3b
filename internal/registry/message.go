package registry

import (
	"math"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/descriptor"

	"codeberg.org/mutker/canlogd/internal/errors"
)

// maxFrameLength is the payload size of a classic CAN frame.
const maxFrameLength = 8

// Message is an immutable message definition. Decoding parameters are held
// in the descriptor and stay opaque to the rest of canlogd.
type Message struct {
	ID       uint32
	Name     string
	Length   int
	Extended bool
	Source   string
	Signals  []Signal

	desc     *descriptor.Message
	mux      *descriptor.Signal
	branches []uint64
}

// Signal names one signal of a message.
type Signal struct {
	Name          string
	QualifiedName string
	Unit          string
	Min, Max      float64
}

// QualifiedName joins a message and signal name into the storage key used
// by the live state store and the recorder.
func QualifiedName(message, signal string) string {
	return message + "." + signal
}

// Decode extracts the physical value of every signal carried by data,
// keyed by qualified name. Multiplexed signals are only included when the
// frame's multiplexer switch selects them.
func (m *Message) Decode(data []byte) (map[string]float64, error) {
	errFactory := errors.New()

	if m.Length > maxFrameLength {
		return nil, errFactory.WithData(ErrDecodeFailed, struct {
			Message string
			Length  int
			Reason  string
		}{m.Name, m.Length, "payload longer than a classic CAN frame"})
	}
	if len(data) < m.Length {
		return nil, errFactory.WithData(ErrDecodeFailed, struct {
			Message  string
			Expected int
			Got      int
		}{m.Name, m.Length, len(data)})
	}

	var payload can.Data
	copy(payload[:], data)

	var muxValue uint64
	if m.mux != nil {
		muxValue = m.mux.UnmarshalUnsigned(payload)
	}

	values := make(map[string]float64, len(m.desc.Signals))
	for i, sig := range m.desc.Signals {
		if sig.IsMultiplexed && (m.mux == nil || uint64(sig.MultiplexerValue) != muxValue) {
			continue
		}
		values[m.Signals[i].QualifiedName] = sig.UnmarshalPhysical(payload)
	}

	return values, nil
}

// Encode writes physical values into a frame payload. Names are plain
// signal names; missing signals stay zero. For a multiplexed message the
// switch value in values selects the branch that is encoded.
func (m *Message) Encode(values map[string]float64) []byte {
	var branch uint64
	if m.mux != nil {
		if v, ok := values[m.mux.Name]; ok {
			branch = uint64(math.Round(m.mux.FromPhysical(v)))
		}
	}

	return m.EncodeBranch(values, branch)
}

// EncodeBranch is Encode with the multiplexer switch forced to branch.
// Multiplexed signals of other branches are left out. On a message
// without a multiplexer branch is ignored.
func (m *Message) EncodeBranch(values map[string]float64, branch uint64) []byte {
	var payload can.Data
	for _, sig := range m.desc.Signals {
		if sig == m.mux {
			sig.MarshalUnsigned(&payload, branch)
			continue
		}
		if sig.IsMultiplexed && (m.mux == nil || uint64(sig.MultiplexerValue) != branch) {
			continue
		}
		if v, ok := values[sig.Name]; ok {
			marshalPhysical(sig, &payload, v)
		}
	}

	length := m.Length
	if length > maxFrameLength {
		length = maxFrameLength
	}

	out := make([]byte, length)
	copy(out, payload[:length])

	return out
}

// Branches returns the distinct multiplexer values defined for the
// message in ascending order, or nil for a plain message.
func (m *Message) Branches() []uint64 {
	return m.branches
}

func marshalPhysical(sig *descriptor.Signal, payload *can.Data, v float64) {
	raw := math.Round(sig.FromPhysical(v))
	if sig.IsSigned {
		sig.MarshalSigned(payload, int64(raw))
		return
	}
	sig.MarshalUnsigned(payload, uint64(raw))
}
