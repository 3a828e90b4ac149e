// Package protocol defines the JSON frames exchanged with the message relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedchat/internal/domain"

	"github.com/tidwall/gjson"
)

// FrameType identifies a relay frame.
type FrameType string

const (
	// Client -> relay
	TypeSend FrameType = "send"

	// Relay -> client
	TypeAck     FrameType = "ack"
	TypeMessage FrameType = "message"
	TypeReject  FrameType = "reject"
)

// OutboundFrame carries one locally composed message to the relay.
type OutboundFrame struct {
	Type             FrameType          `json:"type"`
	CorrelationToken string             `json:"correlationToken"`
	Kind             domain.Kind        `json:"kind"`
	Content          string             `json:"content"`
	Attachment       *domain.Attachment `json:"attachment,omitempty"`
	RecipientID      string             `json:"recipientId"`
}

// InboundFrame is the union of everything the relay sends back.
type InboundFrame struct {
	Type             FrameType          `json:"type"`
	CorrelationToken string             `json:"correlationToken,omitempty"`
	ServerID         string             `json:"serverId,omitempty"`
	ServerTimestamp  time.Time          `json:"serverTimestamp,omitzero"`
	Kind             domain.Kind        `json:"kind,omitempty"`
	Content          string             `json:"content,omitempty"`
	Attachment       *domain.Attachment `json:"attachment,omitempty"`
	Sender           *domain.Sender     `json:"sender,omitempty"`
	Reason           string             `json:"reason,omitempty"`
}

// NewOutbound builds the frame for a pending message.
func NewOutbound(msg domain.Message, recipientID string) OutboundFrame {
	return OutboundFrame{
		Type:             TypeSend,
		CorrelationToken: msg.CorrelationToken,
		Kind:             msg.Kind,
		Content:          msg.Content,
		Attachment:       msg.Attachment,
		RecipientID:      recipientID,
	}
}

// Encode marshals any frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeOutbound parses a client frame (used by the relay).
func DecodeOutbound(data []byte) (*OutboundFrame, error) {
	if !gjson.ValidBytes(data) {
		return nil, &domain.MalformedFrameError{Err: errors.New("invalid JSON")}
	}
	var f OutboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &domain.MalformedFrameError{Err: err}
	}
	if f.Type == "" {
		f.Type = TypeSend
	}
	if f.Type != TypeSend {
		return nil, &domain.MalformedFrameError{Err: fmt.Errorf("unexpected frame type %q", f.Type)}
	}
	if f.CorrelationToken == "" {
		return nil, &domain.MalformedFrameError{Err: errors.New("missing correlationToken")}
	}
	return &f, nil
}

// Decode parses a relay frame. Frames without a type are classified by shape.
// Every error returned is a *domain.MalformedFrameError.
func Decode(data []byte) (*InboundFrame, error) {
	if !gjson.ValidBytes(data) {
		return nil, &domain.MalformedFrameError{Err: errors.New("invalid JSON")}
	}

	typ := FrameType(gjson.GetBytes(data, "type").String())
	if typ == "" {
		typ = inferType(data)
	}

	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &domain.MalformedFrameError{Err: err}
	}
	f.Type = typ

	if err := f.check(); err != nil {
		return nil, &domain.MalformedFrameError{Err: err}
	}
	return &f, nil
}

func inferType(data []byte) FrameType {
	res := gjson.GetManyBytes(data, "correlationToken", "serverId", "kind", "reason")
	token, serverID, kind, reason := res[0], res[1], res[2], res[3]
	switch {
	case kind.Exists():
		return TypeMessage
	case token.Exists() && serverID.Exists():
		return TypeAck
	case token.Exists() && reason.Exists():
		return TypeReject
	}
	return ""
}

func (f *InboundFrame) check() error {
	switch f.Type {
	case TypeAck:
		if f.CorrelationToken == "" || f.ServerID == "" {
			return errors.New("ack requires correlationToken and serverId")
		}
	case TypeReject:
		if f.CorrelationToken == "" {
			return errors.New("reject requires correlationToken")
		}
	case TypeMessage:
		if f.ServerID == "" {
			return errors.New("message requires serverId")
		}
		if f.Sender == nil || f.Sender.ID == "" {
			return errors.New("message requires sender.id")
		}
		if err := domain.Validate(f.Kind, f.Content, f.Attachment); err != nil {
			return err
		}
	case "":
		return errors.New("cannot determine frame type")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// PeerMessage converts a message frame into a confirmed log entry.
func (f *InboundFrame) PeerMessage() domain.Message {
	ts := f.ServerTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Message{
		ID:               f.ServerID,
		CorrelationToken: f.CorrelationToken,
		Kind:             f.Kind,
		Content:          f.Content,
		Attachment:       f.Attachment,
		Sender:           *f.Sender,
		Timestamp:        ts,
		State:            domain.StateConfirmed,
	}
}
