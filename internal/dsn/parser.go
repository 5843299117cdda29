// Package dsn extracts bounce facts from delivery status notification
// messages (RFC 3464) and the original-message metadata they embed.
package dsn

import (
	"bufio"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Default values used when a DSN omits a field. Real-world bounces are
// sloppy; missing fields are expected, not an error.
const (
	DefaultRecipient = "unknown"
	DefaultReason    = "No reason found"
	DefaultStatus    = "5.0.0"
	DefaultAction    = "failed"
)

// BounceInfo holds the per-recipient fields of a delivery-status part.
type BounceInfo struct {
	Recipient string
	Reason    string
	Status    string
	Action    string
}

// IsPermanent reports whether the status class marks a permanent failure.
func (b BounceInfo) IsPermanent() bool {
	return strings.HasPrefix(b.Status, "5")
}

// OriginalInfo holds metadata recovered from the bounced original message.
type OriginalInfo struct {
	From      string
	Subject   string
	MessageID string
	// Metadata carries any X-prefixed headers of the original message, with
	// the prefix stripped.
	Metadata map[string]string
}

// ReadMessage parses a raw message. Unknown charsets are tolerated: the
// header survives undecoded, which is good enough for DSN extraction.
func ReadMessage(r io.Reader) (*message.Entity, error) {
	e, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return e, nil
}

// ParseReport extracts the bounce fields and the embedded original-message
// metadata in a single walk over the top-level parts. Entities stream from
// the underlying reader: each part's body is consumed before the walk
// advances, and the walk can happen only once per entity, so everything is
// pulled out in one pass. The last return value is false when the message
// carries no delivery-status part, i.e. is not a bounce.
func ParseReport(e *message.Entity) (BounceInfo, OriginalInfo, bool) {
	var bounce BounceInfo
	isBounce := false

	orig := OriginalInfo{
		From:     "unknown",
		Subject:  "unknown",
		Metadata: make(map[string]string),
	}
	origFound := false

	walkParts(e, func(part *message.Entity) {
		t, _, err := part.Header.ContentType()
		if err != nil {
			return
		}

		switch {
		case t == "message/delivery-status" && !isBounce:
			bounce = parseDeliveryStatus(part.Body)
			isBounce = true

		case (t == "message/rfc822" || t == "message/global") && !origFound:
			inner, err := ReadMessage(part.Body)
			if err != nil {
				return
			}
			fillOriginal(&orig, inner.Header, e.Header)
			origFound = true

		case t == "text/rfc822-headers" && !origFound:
			th, err := textproto.ReadHeader(bufio.NewReader(part.Body))
			if err != nil {
				return
			}
			fillOriginal(&orig, message.Header{Header: th}, e.Header)
			origFound = true
		}
	})

	return bounce, orig, isBounce
}

// walkParts visits the direct children of a multipart message, or the
// message itself when it is not multipart. Advancing to the next part
// discards whatever is left of the current one, so fn must finish with the
// part's body before it returns.
func walkParts(e *message.Entity, fn func(*message.Entity)) {
	mr := e.MultipartReader()
	if mr == nil {
		fn(e)
		return
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		} else if err != nil {
			if message.IsUnknownCharset(err) && p != nil {
				fn(p)
				continue
			}
			// Tolerate a truncated or malformed trailing part; whatever was
			// readable before it is still usable.
			return
		}
		fn(p)
	}
}

// parseDeliveryStatus extracts the bounce fields from a delivery-status
// body. The body is a loose sequence of "Field: value" lines; parsing it
// line-wise instead of as nested MIME keeps malformed reports from real MTAs
// usable.
func parseDeliveryStatus(body io.Reader) BounceInfo {
	info := BounceInfo{
		Recipient: DefaultRecipient,
		Reason:    DefaultReason,
		Status:    DefaultStatus,
		Action:    DefaultAction,
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return info
	}

	for _, line := range strings.Split(string(raw), "\n") {
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "original-recipient:"),
			strings.HasPrefix(lower, "final-recipient:") && info.Recipient == DefaultRecipient:
			// Original-Recipient wins over Final-Recipient; the address is
			// the text after the type tag (last ";").
			info.Recipient = strings.TrimSpace(afterLast(line, ';'))
		case strings.HasPrefix(lower, "diagnostic-code:"):
			info.Reason = strings.TrimSpace(afterFirst(line, ':'))
		case strings.HasPrefix(lower, "status:"):
			info.Status = strings.TrimSpace(afterLast(line, ':'))
		case strings.HasPrefix(lower, "action:"):
			info.Action = strings.TrimSpace(afterLast(line, ':'))
		}
	}

	return info
}

// fillOriginal copies the interesting headers of the original message into
// info. The outer message's Message-ID is the fallback when the original
// carries none.
func fillOriginal(info *OriginalInfo, h message.Header, outer message.Header) {
	if subject := h.Get("Subject"); subject != "" {
		info.Subject = subject
	}
	if addr, err := mail.ParseAddress(h.Get("From")); err == nil {
		info.From = addr.Address
	}

	info.MessageID = strings.Trim(h.Get("Message-ID"), "<> ")
	if info.MessageID == "" {
		info.MessageID = strings.Trim(outer.Get("Message-ID"), "<> ")
	}

	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if len(key) > 2 && strings.EqualFold(key[:2], "X-") {
			info.Metadata[key[2:]] = strings.TrimSpace(fields.Value())
		}
	}
}

// TargetAddress splits the message's first To address into a local part and
// a domain, stripping any sub-address tag introduced by delimiter (so
// "bob+promo@example.com" with "+" matches routes for "bob"). Both values
// are empty when the header is missing or unparseable.
func TargetAddress(e *message.Entity, delimiter string) (localPart, domain string) {
	addrs, err := mail.ParseAddressList(e.Header.Get("To"))
	if err != nil || len(addrs) == 0 {
		return "", ""
	}

	localPart, domain, found := strings.Cut(addrs[0].Address, "@")
	if !found {
		return "", ""
	}
	if delimiter != "" {
		localPart, _, _ = strings.Cut(localPart, delimiter)
	}
	return localPart, domain
}

func afterFirst(s string, sep byte) string {
	if i := strings.IndexByte(s, sep); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func afterLast(s string, sep byte) string {
	if i := strings.LastIndexByte(s, sep); i >= 0 {
		return s[i+1:]
	}
	return s
}
