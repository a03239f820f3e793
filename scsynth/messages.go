package scsynth

import (
	"github.com/scgolang/osc"
)

// Server command addresses used by the control plane.
const (
	AddrGroupNew     = "/g_new"
	AddrSynthNew     = "/s_new"
	AddrNodeFree     = "/n_free"
	AddrNodeSet      = "/n_set"
	AddrNodeRun      = "/n_run"
	AddrControlSet   = "/c_set"
	AddrUnitCmd      = "/u_cmd"
	AddrStatus       = "/status"
	AddrNotify       = "/notify"
	AddrDefRecv      = "/d_recv"
	AddrBufAlloc     = "/b_alloc"
	AddrBufAllocRead = "/b_allocRead"
	AddrBufWrite     = "/b_write"
	AddrBufClose     = "/b_close"
	AddrBufFree      = "/b_free"
	AddrClearSched   = "/clearSched"
	AddrQuit         = "/quit"
)

// Server reply addresses.
const (
	AddrNodeEnd     = "/n_end"
	AddrNodeGo      = "/n_go"
	AddrDone        = "/done"
	AddrFail        = "/fail"
	AddrStatusReply = "/status.reply"
	AddrParamReply  = "/u_reply"
)

// Add actions for node placement within the server's execution tree.
const (
	AddToHead  = int32(0)
	AddToTail  = int32(1)
	AddBefore  = int32(2)
	AddAfter   = int32(3)
	AddReplace = int32(4)
)

// Ctl is one named control value for a synth node.
type Ctl struct {
	Name  string
	Value float32
}

// GroupNew builds a message creating an execution group.
func GroupNew(id, addAction, target int32) osc.Message {
	return osc.Message{
		Address: AddrGroupNew,
		Arguments: osc.Arguments{
			osc.Int(id), osc.Int(addAction), osc.Int(target),
		},
	}
}

// SynthNew builds a message creating a named synth node with typed keyword
// arguments. The controls travel inline so the node starts with its full
// parameter set in one instruction.
func SynthNew(def string, id, addAction, target int32, ctls ...Ctl) osc.Message {
	args := osc.Arguments{
		osc.String(def), osc.Int(id), osc.Int(addAction), osc.Int(target),
	}
	for _, c := range ctls {
		args = append(args, osc.String(c.Name), osc.Float(c.Value))
	}
	return osc.Message{Address: AddrSynthNew, Arguments: args}
}

// NodeFree builds a message freeing one or more nodes.
func NodeFree(ids ...int32) osc.Message {
	args := make(osc.Arguments, 0, len(ids))
	for _, id := range ids {
		args = append(args, osc.Int(id))
	}
	return osc.Message{Address: AddrNodeFree, Arguments: args}
}

// NodeSet builds a message setting named parameters on a running node.
func NodeSet(id int32, ctls ...Ctl) osc.Message {
	args := osc.Arguments{osc.Int(id)}
	for _, c := range ctls {
		args = append(args, osc.String(c.Name), osc.Float(c.Value))
	}
	return osc.Message{Address: AddrNodeSet, Arguments: args}
}

// ControlSet builds a message writing a control-bus value directly.
func ControlSet(bus int32, value float32) osc.Message {
	return osc.Message{
		Address:   AddrControlSet,
		Arguments: osc.Arguments{osc.Int(bus), osc.Float(value)},
	}
}

// UnitCmd builds a node-addressed custom command. Plugin hosting uses these
// for open, parameter set/query and state save/load.
func UnitCmd(nodeID, ugenIndex int32, cmd string, extra ...osc.Argument) osc.Message {
	args := osc.Arguments{osc.Int(nodeID), osc.Int(ugenIndex), osc.String(cmd)}
	args = append(args, extra...)
	return osc.Message{Address: AddrUnitCmd, Arguments: args}
}

// Status builds a status snapshot query.
func Status() osc.Message {
	return osc.Message{Address: AddrStatus}
}

// Notify builds a message (un)subscribing this client from server
// notifications such as node end events.
func Notify(on bool) osc.Message {
	v := int32(0)
	if on {
		v = 1
	}
	return osc.Message{Address: AddrNotify, Arguments: osc.Arguments{osc.Int(v)}}
}

// DefRecv builds a message delivering a compiled synthdef blob.
func DefRecv(blob []byte) osc.Message {
	return osc.Message{Address: AddrDefRecv, Arguments: osc.Arguments{osc.Blob(blob)}}
}

// BufAlloc builds a message allocating an empty buffer.
func BufAlloc(bufNum, frames, channels int32) osc.Message {
	return osc.Message{
		Address:   AddrBufAlloc,
		Arguments: osc.Arguments{osc.Int(bufNum), osc.Int(frames), osc.Int(channels)},
	}
}

// BufAllocRead builds a message allocating a buffer from a sound file.
func BufAllocRead(bufNum int32, path string) osc.Message {
	return osc.Message{
		Address:   AddrBufAllocRead,
		Arguments: osc.Arguments{osc.Int(bufNum), osc.String(path), osc.Int(0), osc.Int(0)},
	}
}

// BufWrite builds a message that starts streaming a buffer to disk. Header
// and sample format follow the server's defaults for the file extension.
func BufWrite(bufNum int32, path, header, sample string, frames, start int32, leaveOpen bool) osc.Message {
	open := int32(0)
	if leaveOpen {
		open = 1
	}
	return osc.Message{
		Address: AddrBufWrite,
		Arguments: osc.Arguments{
			osc.Int(bufNum), osc.String(path), osc.String(header), osc.String(sample),
			osc.Int(frames), osc.Int(start), osc.Int(open),
		},
	}
}

// BufClose builds a message closing a disk-streaming buffer.
func BufClose(bufNum int32) osc.Message {
	return osc.Message{Address: AddrBufClose, Arguments: osc.Arguments{osc.Int(bufNum)}}
}

// BufFree builds a message freeing a buffer.
func BufFree(bufNum int32) osc.Message {
	return osc.Message{Address: AddrBufFree, Arguments: osc.Arguments{osc.Int(bufNum)}}
}

// ClearSched builds a message dropping all bundles the server has queued for
// future execution.
func ClearSched() osc.Message {
	return osc.Message{Address: AddrClearSched}
}

// Quit builds the server shutdown message.
func Quit() osc.Message {
	return osc.Message{Address: AddrQuit}
}
