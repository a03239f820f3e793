// Package session holds the in-memory session document: the instruments,
// mixer buses and layer groups the engine realizes as a node graph on the
// server. The document IS the parameter tree - every field that matters is
// serializable, so a snapshot is just a JSON marshal of the Session.
//
// The document is owned by the control loop goroutine. Nothing in this
// package locks; cross-thread access goes through loop commands.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/scdeck"
)

// Session is the complete editable state of one project.
type Session struct {
	Name        string        `json:"name"`
	BPM         float64       `json:"bpm"`
	Instruments []*Instrument `json:"instruments"`
	MixerBuses  []*MixerBus   `json:"mixerBuses"`
	LayerGroups []*LayerGroup `json:"layerGroups"`
	Samples     []*Sample     `json:"samples"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Instrument is one playable track: a synthdef source followed by an
// optional LFO, filter and EQ, then its ordered enabled effects, mixing into
// a mixer bus and optionally a layer group, with send taps along the way.
type Instrument struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	SynthDef  string  `json:"synthDef"`
	Polyphony int     `json:"polyphony"`
	Volume    float32 `json:"volume"`
	Pan       float32 `json:"pan"`

	// Envelope defaults in seconds; spawns floor these at 5ms.
	Attack  float64 `json:"attack"`
	Release float64 `json:"release"`

	LFO    *LFOSettings    `json:"lfo,omitempty"`
	Filter *FilterSettings `json:"filter,omitempty"`
	EQ     *EQSettings     `json:"eq,omitempty"`

	Effects []*Effect `json:"effects"`
	Sends   []*Send   `json:"sends"`

	OutputBusID  string `json:"outputBusId"`
	LayerGroupID string `json:"layerGroupId,omitempty"`

	DrumPattern *DrumPattern        `json:"drumPattern,omitempty"`
	Arp         *ArpSettings        `json:"arp,omitempty"`
	Generative  *GenerativeSettings `json:"generative,omitempty"`
}

// LFOSettings configure the per-instrument low frequency oscillator stage.
type LFOSettings struct {
	Rate   float32 `json:"rate"`
	Depth  float32 `json:"depth"`
	Target string  `json:"target"` // "pitch", "filter", "amp"
}

// FilterSettings configure the per-instrument filter stage.
type FilterSettings struct {
	Kind      string  `json:"kind"` // "lowpass", "highpass", "bandpass"
	Cutoff    float32 `json:"cutoff"`
	Resonance float32 `json:"resonance"`
}

// EQSettings configure the three-band EQ stage.
type EQSettings struct {
	LowGain  float32 `json:"lowGain"`
	MidGain  float32 `json:"midGain"`
	HighGain float32 `json:"highGain"`
}

// Effect is one chain stage, either a built-in synthdef effect or a hosted
// plugin. SavedParams restore onto the node after every rebuild.
type Effect struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	SynthDef   string             `json:"synthDef"`
	Enabled    bool               `json:"enabled"`
	Params     map[string]float32 `json:"params,omitempty"`
	PluginPath string             `json:"pluginPath,omitempty"`
	SavedParams map[int32]float32 `json:"savedParams,omitempty"`
}

// IsPlugin reports whether this effect hosts an external plugin.
func (e *Effect) IsPlugin() bool { return e.PluginPath != "" }

// Send is a tap from an instrument chain into a mixer bus.
type Send struct {
	TargetBusID string  `json:"targetBusId"`
	Level       float32 `json:"level"`
}

// MixerBus is a shared destination bus with its own effect chain and output.
type MixerBus struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Volume  float32   `json:"volume"`
	Pan     float32   `json:"pan"`
	Effects []*Effect `json:"effects"`
}

// LayerGroup groups instruments for shared processing; only active groups
// get buses and nodes.
type LayerGroup struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Active  bool      `json:"active"`
	Volume  float32   `json:"volume"`
	Effects []*Effect `json:"effects"`
}

// Sample is an audio file loadable into a server buffer.
type Sample struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// DrumPattern is a step sequence played by the transport ticker.
type DrumPattern struct {
	Enabled      bool       `json:"enabled"`
	StepsPerBeat int        `json:"stepsPerBeat"`
	Steps        []DrumStep `json:"steps"`
}

// DrumStep is one pattern slot.
type DrumStep struct {
	Active   bool    `json:"active"`
	Pitch    int     `json:"pitch"`
	Velocity float32 `json:"velocity"`
}

// ArpSettings drive the arpeggiator over the instrument's registered notes.
type ArpSettings struct {
	Enabled  bool   `json:"enabled"`
	Mode     string `json:"mode"` // "up", "down", "updown"
	Division int    `json:"division"` // steps per beat
}

// GenerativeSettings drive the random-walk note generator.
type GenerativeSettings struct {
	Enabled  bool    `json:"enabled"`
	Scale    []int   `json:"scale"` // semitone offsets from Root
	Root     int     `json:"root"`
	Density  float64 `json:"density"` // probability of a note per step
	Division int     `json:"division"`
}

// New creates an empty session with a main mixer bus and sane tempo.
func New(name string) *Session {
	s := &Session{
		Name:      name,
		BPM:       120,
		CreatedAt: time.Now(),
	}
	s.MixerBuses = append(s.MixerBuses, &MixerBus{
		ID:     uuid.NewString(),
		Name:   "main",
		Volume: 1.0,
	})
	return s
}

// AddInstrument appends a new instrument routed to the first mixer bus.
func (s *Session) AddInstrument(name, synthDef string) *Instrument {
	inst := &Instrument{
		ID:        uuid.NewString(),
		Name:      name,
		SynthDef:  synthDef,
		Polyphony: 8,
		Volume:    1.0,
		Attack:    0.01,
		Release:   0.3,
	}
	if len(s.MixerBuses) > 0 {
		inst.OutputBusID = s.MixerBuses[0].ID
	}
	s.Instruments = append(s.Instruments, inst)
	return inst
}

// AddMixerBus appends a new mixer bus.
func (s *Session) AddMixerBus(name string) *MixerBus {
	b := &MixerBus{ID: uuid.NewString(), Name: name, Volume: 1.0}
	s.MixerBuses = append(s.MixerBuses, b)
	return b
}

// AddLayerGroup appends a new, initially active layer group.
func (s *Session) AddLayerGroup(name string) *LayerGroup {
	g := &LayerGroup{ID: uuid.NewString(), Name: name, Active: true, Volume: 1.0}
	s.LayerGroups = append(s.LayerGroups, g)
	return g
}

// InstrumentByID looks up an instrument.
func (s *Session) InstrumentByID(id string) (*Instrument, error) {
	for _, inst := range s.Instruments {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, scdeck.NotFound("instrument", id)
}

// BusByID looks up a mixer bus.
func (s *Session) BusByID(id string) (*MixerBus, error) {
	for _, b := range s.MixerBuses {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, scdeck.NotFound("bus", id)
}

// LayerGroupByID looks up a layer group.
func (s *Session) LayerGroupByID(id string) (*LayerGroup, error) {
	for _, g := range s.LayerGroups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, scdeck.NotFound("layer group", id)
}

// EffectByID searches every chain in the session for the effect.
func (s *Session) EffectByID(id string) (*Effect, error) {
	for _, inst := range s.Instruments {
		for _, e := range inst.Effects {
			if e.ID == id {
				return e, nil
			}
		}
	}
	for _, b := range s.MixerBuses {
		for _, e := range b.Effects {
			if e.ID == id {
				return e, nil
			}
		}
	}
	for _, g := range s.LayerGroups {
		for _, e := range g.Effects {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return nil, scdeck.NotFound("effect", id)
}

// SampleByID looks up a sample.
func (s *Session) SampleByID(id string) (*Sample, error) {
	for _, sm := range s.Samples {
		if sm.ID == id {
			return sm, nil
		}
	}
	return nil, scdeck.NotFound("sample", id)
}

// EnabledEffects filters a chain to its enabled stages, preserving order.
func EnabledEffects(effects []*Effect) []*Effect {
	out := make([]*Effect, 0, len(effects))
	for _, e := range effects {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// SerializeState exports the complete session as JSON.
func (s *Session) SerializeState() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeState imports session state from JSON.
func (s *Session) DeserializeState(data []byte) error {
	return json.Unmarshal(data, s)
}
