package dispatch

import "deeperhub/internal/wsproto"

// connDeliverer adapts a *wsproto.Conn to broker.Deliverer so the
// broker can hand an envelope to a connection's worker without
// blocking on it (spec §4.7). Conn.Send already serializes concurrent
// writers and enforces a write deadline, so "non-blocking" here means
// "bounded by that deadline", not unbounded.
type connDeliverer struct {
	conn *wsproto.Conn
}

func (d connDeliverer) Deliver(envelope []byte) bool {
	return d.conn.Send(wsproto.OpText, envelope) == nil
}
