package chat

import (
	"feedchat/internal/bus"
	"feedchat/internal/domain"
	"feedchat/internal/metrics"
	"feedchat/internal/protocol"
)

// handleFrame applies one relay frame to the log. It runs on the manager's
// read goroutine, so frames are applied strictly in arrival order.
func (c *Client) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.metrics.Malformed()
		c.logger.Warn("dropping malformed frame", "err", err, "bytes", len(data))
		c.notifyMu.Lock()
		c.publish([]bus.Event{{Type: bus.EventFrameMalformed, Conversation: c.conversationID, Err: err}})
		c.notifyMu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var events []bus.Event
	switch frame.Type {
	case protocol.TypeAck:
		events = c.applyAck(frame)
	case protocol.TypeReject:
		events = c.applyReject(frame)
	case protocol.TypeMessage:
		events = c.applyMessage(frame)
	}
	c.publishLocked(events)
}

func (c *Client) applyAck(f *protocol.InboundFrame) []bus.Event {
	cur, pos, ok := c.log.ByToken(f.CorrelationToken)
	if !ok {
		c.logger.Debug("ack for unknown token", "token", f.CorrelationToken)
		return nil
	}
	if !cur.Pending() {
		c.logger.Debug("duplicate ack", "token", f.CorrelationToken, "state", cur.State)
		return nil
	}
	confirmed := cur.Confirm(f.ServerID, f.ServerTimestamp)
	c.log.Replace(pos, confirmed)
	c.metrics.Send(metrics.SendConfirmed)
	return []bus.Event{c.messageEvent(bus.EventMessageConfirmed, confirmed)}
}

func (c *Client) applyReject(f *protocol.InboundFrame) []bus.Event {
	cur, pos, ok := c.log.ByToken(f.CorrelationToken)
	if !ok || !cur.Pending() {
		c.logger.Debug("ignoring reject", "token", f.CorrelationToken, "known", ok)
		return nil
	}
	reason := f.Reason
	if reason == "" {
		reason = "rejected by relay"
	}
	failed := cur.Fail(reason)
	c.log.Replace(pos, failed)
	c.metrics.Send(metrics.SendRejected)
	c.logger.Warn("message rejected", "token", f.CorrelationToken, "reason", reason)
	e := c.messageEvent(bus.EventMessageFailed, failed)
	e.Err = &domain.RejectedError{CorrelationToken: f.CorrelationToken, Reason: reason}
	return []bus.Event{e}
}

// applyMessage handles a peer message frame. A frame echoing one of our
// correlation tokens reconciles that message instead of appending.
func (c *Client) applyMessage(f *protocol.InboundFrame) []bus.Event {
	if cur, pos, ok := c.log.ByToken(f.CorrelationToken); ok {
		if !cur.Pending() {
			return nil
		}
		confirmed := cur.Confirm(f.ServerID, f.ServerTimestamp)
		c.log.Replace(pos, confirmed)
		c.metrics.Send(metrics.SendConfirmed)
		return []bus.Event{c.messageEvent(bus.EventMessageConfirmed, confirmed)}
	}
	msg := f.PeerMessage()
	if _, dup := c.log.Find(msg); dup {
		c.logger.Debug("duplicate message", "server_id", f.ServerID)
		return nil
	}
	c.log.Append(msg)
	return []bus.Event{c.messageEvent(bus.EventMessageAppended, msg)}
}
