package scsynth

import (
	"net"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"go.uber.org/zap"
)

// Transport is the connection to one scsynth server. Implementations must
// tolerate concurrent Send calls from the sender goroutine and from the
// synchronous fallback path.
type Transport interface {
	// SendMessage delivers one immediate instruction.
	SendMessage(m osc.Message) error
	// SendBundle delivers a set of instructions tagged with one future
	// execution timestamp, executed atomically by the server.
	SendBundle(b osc.Bundle) error
	// Clone opens an independent handle to the same server, for use by
	// background threads that must not share the main socket.
	Clone() (Transport, error)
	// Close releases the underlying socket.
	Close() error
}

// UDPTransport is the production Transport over a UDP socket.
type UDPTransport struct {
	conn   *osc.UDPConn
	raddr  *net.UDPAddr
	logger *zap.Logger
}

// DialUDP connects to the scsynth server at addr (host:port).
func DialUDP(addr string, logger *zap.Logger) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving scsynth address")
	}
	laddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return nil, errors.Wrap(err, "resolving local address")
	}
	conn, err := osc.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing scsynth")
	}
	return &UDPTransport{conn: conn, raddr: raddr, logger: logger}, nil
}

// SendMessage implements Transport.
func (t *UDPTransport) SendMessage(m osc.Message) error {
	return errors.Wrap(t.conn.Send(m), "sending message")
}

// SendBundle implements Transport.
func (t *UDPTransport) SendBundle(b osc.Bundle) error {
	return errors.Wrap(t.conn.Send(b), "sending bundle")
}

// Clone implements Transport by dialing a fresh socket to the same server.
func (t *UDPTransport) Clone() (Transport, error) {
	return DialUDP(t.raddr.String(), t.logger)
}

// Close implements Transport.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// Listen starts the receive loop, decoding server replies into events until
// the connection closes. Unknown addresses are logged and dropped. The
// events channel is closed when the serve loop exits. A single serve worker
// keeps event ordering on the channel.
func (t *UDPTransport) Listen(events chan<- Event) {
	go func() {
		defer close(events)
		if err := t.conn.Serve(1, replyDispatcher(events)); err != nil {
			t.logger.Debug("scsynth receive loop ended", zap.Error(err))
		}
	}()
}

// replyDispatcher maps server reply addresses to their event decoders.
func replyDispatcher(events chan<- Event) osc.PatternMatching {
	return osc.PatternMatching{
		AddrNodeEnd:     osc.Method(func(m osc.Message) error { return deliverNode(events, m, false) }),
		AddrNodeGo:      osc.Method(func(m osc.Message) error { return deliverNode(events, m, true) }),
		AddrDone:        osc.Method(func(m osc.Message) error { return deliverDone(events, m) }),
		AddrFail:        osc.Method(func(m osc.Message) error { return deliverFail(events, m) }),
		AddrStatusReply: osc.Method(func(m osc.Message) error { return deliverStatus(events, m) }),
		AddrParamReply:  osc.Method(func(m osc.Message) error { return deliverParam(events, m) }),
	}
}
