package chat

import (
	"errors"

	"feedchat/internal/bus"
	"feedchat/internal/domain"
	"feedchat/internal/metrics"
	"feedchat/internal/protocol"
)

// ReasonNotConnected marks a message whose write found the connection gone.
const ReasonNotConnected = "not connected"

// Send composes a message and offers it to the relay. A nil attachment sends
// text; otherwise a document is shared, captioned with content or the default
// caption.
//
// It returns a *domain.ValidationError for an invalid draft and (false, nil)
// when the conversation is not connected, both without touching the log.
// Otherwise the message is appended as pending and published before the frame
// is written, so the log shows it while the write is in flight. Send returns
// true once the write succeeds; a failed write marks the message failed and
// returns false.
func (c *Client) Send(content string, att *domain.Attachment) (bool, error) {
	kind := domain.KindText
	if att != nil {
		kind = domain.KindDocument
		if content == "" {
			content = domain.DefaultDocumentCaption
		}
	}
	draft, err := domain.NewMessage(kind, content, att)
	if err != nil {
		c.metrics.Send(metrics.SendInvalid)
		return false, err
	}

	c.mu.Lock()
	if c.closed || !c.IsConnected() {
		c.mu.Unlock()
		c.metrics.Send(metrics.SendNotConnected)
		return false, nil
	}

	token := c.newToken()
	msg := draft
	msg.ID = token
	msg.CorrelationToken = token
	msg.Sender = c.self
	msg.Timestamp = c.now()
	msg.State = domain.StatePending

	data, err := protocol.Encode(protocol.NewOutbound(msg, c.conversationID))
	if err != nil {
		c.mu.Unlock()
		return false, err
	}

	c.log.Append(msg)
	c.publishLocked([]bus.Event{c.messageEvent(bus.EventMessageAppended, msg)})

	if err := c.mgr.Transmit(data); err != nil {
		c.failSend(token, err)
		return false, nil
	}
	c.metrics.Send(metrics.SendAccepted)
	c.logger.Debug("message sent", "token", token, "kind", kind)
	return true, nil
}

// failSend marks a message whose frame could not be written. A connection
// lost during the write fails it as not connected; any other error fails it
// with the error text.
func (c *Client) failSend(token string, err error) {
	reason, result := err.Error(), metrics.SendWriteError
	if errors.Is(err, domain.ErrNotConnected) {
		reason, result = ReasonNotConnected, metrics.SendNotConnected
	}
	c.metrics.Send(result)
	c.logger.Warn("send failed", "token", token, "err", err)

	c.mu.Lock()
	cur, pos, ok := c.log.ByToken(token)
	if c.closed || !ok || !cur.Pending() {
		// Close already failed it.
		c.mu.Unlock()
		return
	}
	failed := cur.Fail(reason)
	c.log.Replace(pos, failed)
	c.publishLocked([]bus.Event{c.messageEvent(bus.EventMessageFailed, failed)})
}
