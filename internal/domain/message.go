package domain

import (
	"net/url"
	"strings"
	"time"
)

// Kind distinguishes plain text messages from shared documents.
type Kind string

const (
	KindText     Kind = "text"
	KindDocument Kind = "document"
)

// DeliveryState is the reconciliation state of a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// DefaultDocumentCaption is used when a document is shared without text.
const DefaultDocumentCaption = "Shared a document"

// Sender references a user the UI already knows about.
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ExtractedMetadata holds what the upload pipeline pulled out of a resume.
type ExtractedMetadata struct {
	Skills     []string `json:"skills,omitempty"`
	Experience []string `json:"experience,omitempty"`
}

// Attachment is the payload of a document message.
type Attachment struct {
	FileURL   string             `json:"fileUrl"`
	FileName  string             `json:"fileName"`
	FileType  string             `json:"fileType"`
	Extracted *ExtractedMetadata `json:"extractedMetadata,omitempty"`
}

// Validate checks the fields every document needs.
func (a *Attachment) Validate() error {
	if a == nil {
		return &ValidationError{Field: "attachment", Reason: "document messages require an attachment"}
	}
	if strings.TrimSpace(a.FileURL) == "" {
		return &ValidationError{Field: "attachment.fileUrl", Reason: "required"}
	}
	if _, err := url.Parse(a.FileURL); err != nil {
		return &ValidationError{Field: "attachment.fileUrl", Reason: "not a valid URL"}
	}
	if strings.TrimSpace(a.FileName) == "" {
		return &ValidationError{Field: "attachment.fileName", Reason: "required"}
	}
	if strings.TrimSpace(a.FileType) == "" {
		return &ValidationError{Field: "attachment.fileType", Reason: "required"}
	}
	return nil
}

// Message is one entry of a conversation log.
//
// ID is the correlation token while the message is pending and the
// server-issued id once confirmed. CorrelationToken is kept after
// confirmation so that a repeated acknowledgement is recognised.
type Message struct {
	ID               string
	CorrelationToken string
	Kind             Kind
	Content          string
	Attachment       *Attachment
	Sender           Sender
	Timestamp        time.Time
	State            DeliveryState
	FailureReason    string
}

// NewMessage validates a draft and returns it as a message without identity.
func NewMessage(kind Kind, content string, attachment *Attachment) (Message, error) {
	if err := Validate(kind, content, attachment); err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Content: content, Attachment: attachment}, nil
}

// Validate enforces the text/document shape rules.
func Validate(kind Kind, content string, attachment *Attachment) error {
	switch kind {
	case KindText:
		if strings.TrimSpace(content) == "" {
			return &ValidationError{Field: "content", Reason: "text messages cannot be empty"}
		}
		if attachment != nil {
			return &ValidationError{Field: "attachment", Reason: "text messages cannot carry an attachment"}
		}
	case KindDocument:
		if err := attachment.Validate(); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(kind)}
	}
	return nil
}

// Pending reports whether the relay has not yet answered for this message.
func (m Message) Pending() bool { return m.State == StatePending }

// Confirmed reports whether the message carries a server id.
func (m Message) Confirmed() bool { return m.State == StateConfirmed }

// Failed reports whether the message did not go through.
func (m Message) Failed() bool { return m.State == StateFailed }

// SameAs reports whether two records describe the same logical message.
func (m Message) SameAs(o Message) bool {
	if m.Confirmed() && o.Confirmed() && m.ID != "" && m.ID == o.ID {
		return true
	}
	return m.CorrelationToken != "" && m.CorrelationToken == o.CorrelationToken
}

// Confirm returns the confirmed form of a pending message. The server
// timestamp replaces the client one unless the relay omitted it.
func (m Message) Confirm(serverID string, serverTime time.Time) Message {
	c := m
	c.ID = serverID
	c.State = StateConfirmed
	c.FailureReason = ""
	if !serverTime.IsZero() {
		c.Timestamp = serverTime
	}
	return c
}

// Fail returns the failed form of a pending message.
func (m Message) Fail(reason string) Message {
	f := m
	f.State = StateFailed
	f.FailureReason = reason
	return f
}
