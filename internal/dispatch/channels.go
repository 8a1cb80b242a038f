package dispatch

import (
	"encoding/json"
	"time"

	"deeperhub/internal/broker"
	"deeperhub/internal/clockid"
	"deeperhub/internal/errs"
	"deeperhub/internal/wsproto"
)

type channelCreatePayload struct {
	Name string `json:"name"`
}

type channelMembershipPayload struct {
	Topic string `json:"topic"`
}

type channelPublishPayload struct {
	Topic    string `json:"topic"`
	Payload  any    `json:"payload"`
	Priority string `json:"priority"`
}

func parsePriority(s string) broker.Priority {
	switch s {
	case "high":
		return broker.PriorityHigh
	case "low":
		return broker.PriorityLow
	default:
		return broker.PriorityNormal
	}
}

// handleChannelOp delegates `channel.{create,subscribe,unsubscribe,
// publish,list,remove}` to the broker (spec §4.8).
func (d *Dispatcher) handleChannelOp(conn *wsproto.Conn, in Inbound) Outbound {
	switch in.Type {
	case "channel.create":
		var p channelCreatePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Name == "" {
			return reply("channel.create.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		d.Broker.Create(p.Name, conn.UserID)
		return reply("channel.create.response", map[string]string{"name": p.Name}, in.Ref)

	case "channel.subscribe":
		var p channelMembershipPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Topic == "" {
			return reply("channel.subscribe.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		d.Broker.Subscribe(p.Topic, conn.ID, connDeliverer{conn: conn}, nil)
		conn.Subscribe(p.Topic)
		return reply("channel.subscribe.response", map[string]string{"topic": p.Topic}, in.Ref)

	case "channel.unsubscribe":
		var p channelMembershipPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Topic == "" {
			return reply("channel.unsubscribe.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		d.Broker.Unsubscribe(p.Topic, conn.ID)
		conn.Unsubscribe(p.Topic)
		return reply("channel.unsubscribe.response", map[string]string{"topic": p.Topic}, in.Ref)

	case "channel.publish":
		var p channelPublishPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Topic == "" {
			return reply("channel.publish.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		// Without a nested "payload" object, the request's other fields
		// (everything but topic and priority) are what gets broadcast.
		body := p.Payload
		if body == nil {
			var fields map[string]any
			_ = json.Unmarshal(in.Payload, &fields)
			delete(fields, "topic")
			delete(fields, "priority")
			body = fields
		}
		messageID := clockid.NewID()
		envelope := Encode(reply("channel.message", map[string]any{
			"topic":     p.Topic,
			"payload":   body,
			"timestamp": d.Clock.Now().UTC().Format(time.RFC3339Nano),
		}, ""))
		if err := d.Broker.Publish(p.Topic, envelope, parsePriority(p.Priority)); err != nil {
			return reply("channel.publish.response", map[string]string{"error": errs.Code(errs.ErrBackpressure)}, in.Ref)
		}
		return reply("channel.publish.response", map[string]string{"message_id": messageID}, in.Ref)

	case "channel.list":
		return reply("channel.list.response", d.Broker.List(), in.Ref)

	case "channel.remove":
		var p channelMembershipPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Topic == "" {
			return reply("channel.remove.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		subs, err := d.Broker.Remove(p.Topic, conn.UserID)
		if err != nil {
			return reply("channel.remove.response", map[string]string{"error": "forbidden"}, in.Ref)
		}
		closeEnvelope := Encode(reply("channel.closed", map[string]string{"topic": p.Topic}, ""))
		for _, subConnID := range subs {
			if sub, ok := d.connLookup(subConnID); ok {
				_ = sub.Send(wsproto.OpText, closeEnvelope)
			}
		}
		return reply("channel.remove.response", map[string]string{"topic": p.Topic}, in.Ref)
	}
	return errorReply("unknown_type", in.Ref)
}

// connLookup resolves a connection_id to its live *wsproto.Conn for
// close-envelope fan-out.
func (d *Dispatcher) connLookup(connectionID string) (*wsproto.Conn, bool) {
	if d.Registry == nil {
		return nil, false
	}
	return d.Registry.Get(connectionID)
}
