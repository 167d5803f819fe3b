// Package registry holds the merged set of CAN message definitions and
// resolves frame identifiers to named messages and signals.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/logger"
)

// Registry is an immutable, fully built frame-ID table. A new definition
// set always produces a new Registry; nothing is patched in place.
type Registry struct {
	byID     map[uint32]*Message
	messages []*Message
	sources  []string
	loadedAt time.Time
}

// Empty returns a registry with no definitions.
func Empty() *Registry {
	return &Registry{byID: map[uint32]*Message{}}
}

// Load merges sources in order and rebuilds the frame-ID table from
// scratch. A source that fails to parse is skipped; its error is joined
// into the returned error while the registry of the remaining sources is
// still returned. On duplicate frame IDs the later source wins.
func Load(log logger.Logger, sources ...Source) (*Registry, error) {
	reg := &Registry{
		byID:     make(map[uint32]*Message),
		loadedAt: time.Now(),
	}

	var failed []error
	for _, src := range sources {
		messages, err := parse(src)
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name).Msg("Skipping definition source")
			failed = append(failed, err)
			continue
		}

		for _, msg := range messages {
			if prev, ok := reg.byID[msg.ID]; ok {
				log.Warn().
					Uint32("frame_id", msg.ID).
					Str("previous", prev.Name).
					Str("previous_source", prev.Source).
					Str("message", msg.Name).
					Str("source", src.Name).
					Msg("Frame ID redefined, later source wins")
			}
			reg.byID[msg.ID] = msg
		}
		reg.sources = append(reg.sources, src.Name)
	}

	reg.messages = make([]*Message, 0, len(reg.byID))
	for _, msg := range reg.byID {
		reg.messages = append(reg.messages, msg)
	}
	sort.Slice(reg.messages, func(i, j int) bool {
		return reg.messages[i].ID < reg.messages[j].ID
	})

	if len(failed) > 0 {
		return reg, errors.Join(failed...)
	}

	return reg, nil
}

// Resolve returns the message defined for a frame ID.
func (r *Registry) Resolve(id uint32) (*Message, error) {
	if msg, ok := r.byID[id]; ok {
		return msg, nil
	}

	return nil, errors.New().WithData(ErrMessageNotFound, id)
}

// Lookup is Resolve without the error allocation, for the hot path.
func (r *Registry) Lookup(id uint32) (*Message, bool) {
	msg, ok := r.byID[id]
	return msg, ok
}

// Messages returns the messages ordered by frame ID.
func (r *Registry) Messages() []*Message {
	out := make([]*Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Sources returns the names of the sources that were merged.
func (r *Registry) Sources() []string {
	out := make([]string, len(r.sources))
	copy(out, r.sources)
	return out
}

func (r *Registry) Len() int {
	return len(r.messages)
}

func (r *Registry) LoadedAt() time.Time {
	return r.loadedAt
}

// Available maps frame IDs to message names.
func (r *Registry) Available() map[uint32]string {
	out := make(map[uint32]string, len(r.messages))
	for _, msg := range r.messages {
		out[msg.ID] = msg.Name
	}
	return out
}

// SignalNames returns every qualified signal name, sorted.
func (r *Registry) SignalNames() []string {
	var names []string
	for _, msg := range r.messages {
		for _, sig := range msg.Signals {
			names = append(names, sig.QualifiedName)
		}
	}
	sort.Strings(names)
	return names
}

// Holder publishes the active Registry. Readers take one Current() per
// unit of work and keep using that value, so a concurrent Replace is
// observed either entirely or not at all.
type Holder struct {
	current atomic.Pointer[Registry]
}

func NewHolder(initial *Registry) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = Empty()
	}
	h.current.Store(initial)
	return h
}

func (h *Holder) Current() *Registry {
	return h.current.Load()
}

func (h *Holder) Replace(reg *Registry) {
	h.current.Store(reg)
}
