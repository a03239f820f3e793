package scsynth

import (
	"testing"

	"github.com/scgolang/osc"
)

// TestReplyDispatcherDecodesEvents feeds reply messages through the serve
// dispatcher's handlers and checks the decoded events.
func TestReplyDispatcherDecodesEvents(t *testing.T) {
	events := make(chan Event, 8)
	d := replyDispatcher(events)

	end := osc.Message{Address: AddrNodeEnd, Arguments: osc.Arguments{osc.Int(1001)}}
	if err := d[AddrNodeEnd].Handle(end); err != nil {
		t.Fatalf("node end handler failed: %v", err)
	}
	if ev, ok := (<-events).(NodeEnded); !ok || ev.NodeID != 1001 {
		t.Fatalf("expected NodeEnded{1001}, got %#v", ev)
	}

	started := osc.Message{Address: AddrNodeGo, Arguments: osc.Arguments{osc.Int(1002)}}
	if err := d[AddrNodeGo].Handle(started); err != nil {
		t.Fatalf("node go handler failed: %v", err)
	}
	if ev, ok := (<-events).(NodeStarted); !ok || ev.NodeID != 1002 {
		t.Fatalf("expected NodeStarted{1002}, got %#v", ev)
	}

	param := osc.Message{Address: AddrParamReply, Arguments: osc.Arguments{
		osc.Int(2000), osc.Int(3), osc.String("cutoff"), osc.Float(0.5),
	}}
	if err := d[AddrParamReply].Handle(param); err != nil {
		t.Fatalf("param reply handler failed: %v", err)
	}
	pr, ok := (<-events).(ParamReplyEvent)
	if !ok {
		t.Fatalf("expected ParamReplyEvent, got %#v", pr)
	}
	if pr.NodeID != 2000 || pr.Index != 3 || pr.Name != "cutoff" || pr.Value != 0.5 {
		t.Fatalf("param reply decoded wrong: %+v", pr)
	}

	fail := osc.Message{Address: AddrFail, Arguments: osc.Arguments{
		osc.String("/s_new"), osc.String("SynthDef not found"),
	}}
	if err := d[AddrFail].Handle(fail); err != nil {
		t.Fatalf("fail handler failed: %v", err)
	}
	fe, ok := (<-events).(FailEvent)
	if !ok || fe.Command != "/s_new" || fe.Reason != "SynthDef not found" {
		t.Fatalf("fail event decoded wrong: %#v", fe)
	}

	// A malformed reply is dropped, never an error that would kill the
	// serve loop.
	if err := d[AddrNodeEnd].Handle(osc.Message{Address: AddrNodeEnd}); err != nil {
		t.Fatalf("malformed reply should be dropped, got %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("malformed reply produced an event: %#v", ev)
	default:
	}
}
