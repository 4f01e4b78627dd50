package model

import (
	"fmt"
	"time"
)

// Message is a decoded mail message as seen by the relay.
type Message struct {
	// ID is the stable de-duplication key, e.g. "imap:user@host/INBOX:1:42".
	ID         string
	Source     string
	Subject    string
	Body       string
	Sender     string
	SenderName string
	Recipients []string
	ReceivedAt time.Time
	Size       int64
}

// SenderDisplay renders the sender for a notification line.
func (m Message) SenderDisplay() string {
	switch {
	case m.SenderName != "" && m.Sender != "":
		return fmt.Sprintf("%s <%s>", m.SenderName, m.Sender)
	case m.Sender != "":
		return m.Sender
	case m.SenderName != "":
		return m.SenderName
	default:
		return "(unknown sender)"
	}
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

// Relay is a message whose extraction has finished and which waits to be sent.
type Relay struct {
	Message Message
	Code    string
	Found   bool
}
