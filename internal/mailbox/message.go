package mailbox

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// Message is the text view of one mailbox message.
type Message struct {
	ID      string
	Subject string
	From    string
	Date    *time.Time
	Body    string
	Snippet string
}

func fromGmail(m *gmail.Message) *Message {
	out := &Message{ID: m.Id, Snippet: m.Snippet}
	if m.Payload == nil {
		return out
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			out.Subject = h.Value
		case "from":
			out.From = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				out.Date = &t
			}
		}
	}
	if out.Date == nil && m.InternalDate > 0 {
		t := time.UnixMilli(m.InternalDate).UTC()
		out.Date = &t
	}
	out.Body = ExtractText(m.Payload)
	return out
}

// ExtractText returns the message text. A text/plain part wins anywhere in
// the tree; otherwise the first text/html part is stripped to text.
func ExtractText(p *gmail.MessagePart) string {
	if plain := findPart(p, "text/plain"); plain != "" {
		return strings.TrimSpace(plain)
	}
	if h := findPart(p, "text/html"); h != "" {
		return HTMLToText(h)
	}
	return ""
}

// findPart walks the part tree depth first and returns the decoded body of
// the first non-empty part with mimeType.
func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(p.MimeType), mimeType) && p.Body != nil {
		if text := decodeBody(p.Body.Data); text != "" {
			return text
		}
	}
	for _, child := range p.Parts {
		if text := findPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// decodeBody decodes Gmail's base64url body data, padded or not.
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	return ""
}
