package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.einride.tech/can/pkg/dbc"
	"go.einride.tech/can/pkg/descriptor"

	"codeberg.org/mutker/canlogd/internal/errors"
)

// independentSignalsMessage is the pseudo message DBC editors use to park
// signals that belong to no frame.
const independentSignalsMessage = "VECTOR__INDEPENDENT_SIG_MSG"

// extendedIDFlag marks extended identifiers in DBC message IDs.
const extendedIDFlag = 0x80000000

// Source is one definition file's content.
type Source struct {
	Name string
	Data []byte
}

// ReadFile reads a definition source from disk.
func ReadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, errors.New().Wrap(ErrDefinitionUnreadable, err)
	}

	return Source{Name: path, Data: data}, nil
}

// IsDefinitionFile reports whether path looks like a DBC file.
func IsDefinitionFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".dbc")
}

// parse turns one source into message definitions.
func parse(src Source) ([]*Message, error) {
	errFactory := errors.New()

	p := dbc.NewParser(src.Name, src.Data)
	if err := p.Parse(); err != nil {
		return nil, errFactory.Wrap(ErrDefinitionInvalid, err).
			WithMessage("Invalid definition source " + src.Name)
	}

	var messages []*Message
	for _, def := range p.Defs() {
		msgDef, ok := def.(*dbc.MessageDef)
		if !ok || string(msgDef.Name) == independentSignalsMessage {
			continue
		}
		messages = append(messages, compile(src.Name, msgDef))
	}

	return messages, nil
}

func compile(source string, def *dbc.MessageDef) *Message {
	rawID := uint32(def.MessageID)
	msg := &Message{
		ID:       rawID &^ extendedIDFlag,
		Name:     string(def.Name),
		Length:   int(def.Size),
		Extended: rawID&extendedIDFlag != 0,
		Source:   source,
		desc: &descriptor.Message{
			Name:       string(def.Name),
			ID:         rawID &^ extendedIDFlag,
			IsExtended: rawID&extendedIDFlag != 0,
			Length:     uint8(def.Size),
		},
	}

	for i := range def.Signals {
		sigDef := &def.Signals[i]
		sig := &descriptor.Signal{
			Name:             string(sigDef.Name),
			Start:            uint8(sigDef.StartBit),
			Length:           uint8(sigDef.Size),
			IsBigEndian:      sigDef.IsBigEndian,
			IsSigned:         sigDef.IsSigned,
			IsMultiplexer:    sigDef.IsMultiplexerSwitch,
			IsMultiplexed:    sigDef.IsMultiplexed,
			MultiplexerValue: uint(sigDef.MultiplexerSwitch),
			Offset:           sigDef.Offset,
			Scale:            sigDef.Factor,
			Min:              sigDef.Minimum,
			Max:              sigDef.Maximum,
			Unit:             sigDef.Unit,
		}
		if sig.IsMultiplexer {
			msg.mux = sig
		}
		msg.desc.Signals = append(msg.desc.Signals, sig)
		msg.Signals = append(msg.Signals, Signal{
			Name:          sig.Name,
			QualifiedName: QualifiedName(msg.Name, sig.Name),
			Unit:          sig.Unit,
			Min:           sig.Min,
			Max:           sig.Max,
		})
	}

	if msg.mux != nil {
		seen := make(map[uint64]struct{})
		for _, sig := range msg.desc.Signals {
			if !sig.IsMultiplexed {
				continue
			}
			v := uint64(sig.MultiplexerValue)
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			msg.branches = append(msg.branches, v)
		}
		sort.Slice(msg.branches, func(i, j int) bool { return msg.branches[i] < msg.branches[j] })
	}

	return msg
}
