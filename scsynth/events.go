package scsynth

import (
	"github.com/scgolang/osc"
)

// Event is one asynchronous server report, decoded from a reply message and
// delivered to the control loop's monitor channel.
type Event interface {
	event()
}

// NodeEnded reports that a node has been removed from the server tree. This
// is the authoritative trigger for returning a voice's control buses.
type NodeEnded struct {
	NodeID int32
}

// NodeStarted reports that a node has been created on the server.
type NodeStarted struct {
	NodeID int32
}

// DoneEvent reports completion of an asynchronous server command such as
// /d_recv or /b_allocRead.
type DoneEvent struct {
	Command string
	BufNum  int32 // valid for buffer commands, otherwise -1
}

// FailEvent reports a server-side command failure.
type FailEvent struct {
	Command string
	Reason  string
}

// StatusEvent carries a status snapshot reply.
type StatusEvent struct {
	NumUGens  int32
	NumSynths int32
	NumGroups int32
	NumDefs   int32
	AvgCPU    float32
	PeakCPU   float32
}

// ParamReplyEvent carries one discovered plugin parameter.
type ParamReplyEvent struct {
	NodeID int32
	Index  int32
	Name   string
	Value  float32
}

func (NodeEnded) event()       {}
func (NodeStarted) event()     {}
func (DoneEvent) event()       {}
func (FailEvent) event()       {}
func (StatusEvent) event()     {}
func (ParamReplyEvent) event() {}

func deliverNode(events chan<- Event, m osc.Message, started bool) error {
	if len(m.Arguments) < 1 {
		return nil
	}
	id, err := m.Arguments[0].ReadInt32()
	if err != nil {
		return nil
	}
	if started {
		events <- NodeStarted{NodeID: id}
	} else {
		events <- NodeEnded{NodeID: id}
	}
	return nil
}

func deliverDone(events chan<- Event, m osc.Message) error {
	ev := DoneEvent{BufNum: -1}
	if len(m.Arguments) >= 1 {
		if s, err := m.Arguments[0].ReadString(); err == nil {
			ev.Command = s
		}
	}
	if len(m.Arguments) >= 2 {
		if n, err := m.Arguments[1].ReadInt32(); err == nil {
			ev.BufNum = n
		}
	}
	events <- ev
	return nil
}

func deliverFail(events chan<- Event, m osc.Message) error {
	ev := FailEvent{}
	if len(m.Arguments) >= 1 {
		if s, err := m.Arguments[0].ReadString(); err == nil {
			ev.Command = s
		}
	}
	if len(m.Arguments) >= 2 {
		if s, err := m.Arguments[1].ReadString(); err == nil {
			ev.Reason = s
		}
	}
	events <- ev
	return nil
}

func deliverStatus(events chan<- Event, m osc.Message) error {
	// /status.reply: unused, ugens, synths, groups, defs, avgCPU, peakCPU,
	// then the nominal and actual sample rates, which we already know from
	// the device parameters and do not decode here.
	if len(m.Arguments) < 7 {
		return nil
	}
	var ev StatusEvent
	if v, err := m.Arguments[1].ReadInt32(); err == nil {
		ev.NumUGens = v
	}
	if v, err := m.Arguments[2].ReadInt32(); err == nil {
		ev.NumSynths = v
	}
	if v, err := m.Arguments[3].ReadInt32(); err == nil {
		ev.NumGroups = v
	}
	if v, err := m.Arguments[4].ReadInt32(); err == nil {
		ev.NumDefs = v
	}
	if v, err := m.Arguments[5].ReadFloat32(); err == nil {
		ev.AvgCPU = v
	}
	if v, err := m.Arguments[6].ReadFloat32(); err == nil {
		ev.PeakCPU = v
	}
	events <- ev
	return nil
}

func deliverParam(events chan<- Event, m osc.Message) error {
	// /u_reply: node id, parameter index, parameter name, current value.
	if len(m.Arguments) < 4 {
		return nil
	}
	var ev ParamReplyEvent
	var err error
	if ev.NodeID, err = m.Arguments[0].ReadInt32(); err != nil {
		return nil
	}
	if ev.Index, err = m.Arguments[1].ReadInt32(); err != nil {
		return nil
	}
	if ev.Name, err = m.Arguments[2].ReadString(); err != nil {
		return nil
	}
	if ev.Value, err = m.Arguments[3].ReadFloat32(); err != nil {
		return nil
	}
	events <- ev
	return nil
}
