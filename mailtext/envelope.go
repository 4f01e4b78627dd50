package mailtext

import (
	"fmt"

	"github.com/dhcgn/mail-otp-relay/model"
)

// Envelope decodes raw into a pipeline envelope keyed by id. Decoding
// failures are carried in the envelope rather than returned.
func Envelope(id, source string, raw []byte) model.Envelope {
	parsed, err := Parse(raw)
	if err != nil {
		return model.Envelope{
			Message: model.Message{ID: id, Source: source, Size: int64(len(raw))},
			Err:     fmt.Errorf("decode %s: %w", id, err),
		}
	}
	return model.Envelope{Message: model.Message{
		ID:         id,
		Source:     source,
		Subject:    parsed.Subject,
		Body:       parsed.Body,
		Sender:     parsed.Sender,
		SenderName: parsed.SenderName,
		Recipients: parsed.Recipients,
		ReceivedAt: parsed.Date,
		Size:       int64(len(raw)),
	}}
}
