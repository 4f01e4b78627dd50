// Package mailtext decodes raw RFC 5322 messages into the plain text the
// extractor works on.
package mailtext

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func init() {
	// Chinese providers still label bodies gbk/gb2312.
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb18030", simplifiedchinese.GB18030)
}

// ErrEmptyMessage is returned for zero-length input.
var ErrEmptyMessage = errors.New("empty message")

// MaxPartBytes caps how much of a single body part is read.
const MaxPartBytes = 1 << 20

var now = time.Now

// Parsed holds the decoded parts of a message that matter for extraction.
type Parsed struct {
	Subject    string
	Sender     string
	SenderName string
	Recipients []string
	Date       time.Time
	Body       string
	// HTML is set when Body was converted from a text/html part.
	HTML bool
}

// Parse decodes headers and picks the best text body. Unknown charsets and
// transfer encodings are tolerated: the undecoded text is used. A part whose
// transfer encoding is unknown inside a multipart body is skipped.
func Parse(raw []byte) (Parsed, error) {
	if len(raw) == 0 {
		return Parsed{}, ErrEmptyMessage
	}

	// message.Read returns a usable entity for both unknown charsets and
	// unknown encodings; mail.CreateReader only for the former.
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return Parsed{}, fmt.Errorf("read message: %w", err)
	}
	mr := mail.NewReader(entity)
	defer mr.Close()

	p := parseHeader(mr.Header)

	var plain, markup []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if part == nil && message.IsUnknownEncoding(err) {
			continue
		}
		if err != nil && !tolerable(err) {
			if len(plain) > 0 || len(markup) > 0 {
				break
			}
			return p, fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok || isAttachment(inline) {
			continue
		}
		ctype, _, _ := inline.ContentType()
		switch ctype {
		case "text/plain":
			if text, err := readPart(part.Body); err == nil {
				plain = append(plain, text)
			}
		case "text/html":
			if text, err := readPart(part.Body); err == nil {
				markup = append(markup, text)
			}
		}
	}

	switch {
	case len(plain) > 0:
		p.Body = strings.Join(plain, "\n")
	case len(markup) > 0:
		p.Body = HTMLToText(strings.Join(markup, "\n"))
		p.HTML = true
	}
	return p, nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func parseHeader(h mail.Header) Parsed {
	var p Parsed
	if subject, err := h.Subject(); err == nil {
		p.Subject = strings.TrimSpace(subject)
	} else {
		p.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.Sender = from[0].Address
		p.SenderName = from[0].Name
	} else if raw, err := h.Text("From"); err == nil {
		p.SenderName = strings.TrimSpace(raw)
	}

	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			p.Recipients = append(p.Recipients, addr.Address)
		}
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		p.Date = date
	} else {
		p.Date = now()
	}
	return p
}

func isAttachment(h *mail.InlineHeader) bool {
	disp, _, err := h.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

func readPart(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxPartBytes))
	if err != nil && len(b) == 0 {
		return "", err
	}
	return string(b), nil
}

// Hash returns the base64 SHA-256 digest of raw, used as a content key when
// the server offers no stable message id.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
