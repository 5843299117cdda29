package dsn

import (
	"strings"
	"testing"

	"github.com/emersion/go-message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crlf = "\r\n"

func bounceFixture(statusLines string, extraParts string) string {
	return strings.Join([]string{
		"From: MAILER-DAEMON@mx.example.com",
		"To: bob+promo@example.com",
		"Subject: Undelivered Mail Returned to Sender",
		"Message-ID: <outer@mx.example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BOUND"`,
		"",
		"--BOUND",
		"Content-Type: text/plain",
		"",
		"This is the mail system at host mx.example.com.",
		"--BOUND",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; mx.example.com",
		"",
		statusLines,
		"--BOUND" + extraParts + "--BOUND--",
		"",
	}, crlf)
}

const embeddedOriginal = crlf +
	"Content-Type: message/rfc822" + crlf +
	crlf +
	"From: sender@corp.example" + crlf +
	"To: alice@example.org" + crlf +
	"Subject: Quarterly report" + crlf +
	"Message-ID: <orig@corp.example>" + crlf +
	"X-Campaign: spring" + crlf +
	"X-Track-Id: 42" + crlf +
	crlf +
	"Original body." + crlf

func parseFixture(t *testing.T, raw string) *message.Entity {
	t.Helper()
	e, err := ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	return e
}

func TestParseReportBounceFields(t *testing.T) {
	status := strings.Join([]string{
		"Final-Recipient: rfc822; alice.final@example.org",
		"Original-Recipient: rfc822; alice@example.org",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 no such user",
	}, crlf)

	e := parseFixture(t, bounceFixture(status, embeddedOriginal))
	bounce, _, ok := ParseReport(e)
	require.True(t, ok, "fixture must be detected as a bounce")

	// Original-Recipient wins even when Final-Recipient comes first.
	assert.Equal(t, "alice@example.org", bounce.Recipient)
	// Reason keeps everything after the first colon, type tag included.
	assert.Equal(t, "smtp; 550 5.1.1 no such user", bounce.Reason)
	assert.Equal(t, "5.1.1", bounce.Status)
	assert.Equal(t, "failed", bounce.Action)
	assert.True(t, bounce.IsPermanent())
}

func TestParseReportFinalRecipientFallback(t *testing.T) {
	status := strings.Join([]string{
		"Final-Recipient: rfc822; carol@example.org",
		"Status: 4.4.1",
		"Action: delayed",
	}, crlf)

	e := parseFixture(t, bounceFixture(status, embeddedOriginal))
	bounce, _, ok := ParseReport(e)
	require.True(t, ok)

	assert.Equal(t, "carol@example.org", bounce.Recipient)
	assert.Equal(t, "4.4.1", bounce.Status)
	assert.Equal(t, "delayed", bounce.Action)
	assert.False(t, bounce.IsPermanent())
	assert.Equal(t, DefaultReason, bounce.Reason)
}

func TestParseReportDefaults(t *testing.T) {
	e := parseFixture(t, bounceFixture("Reporting-MTA: dns; mx.example.com", embeddedOriginal))
	bounce, _, ok := ParseReport(e)
	require.True(t, ok)

	assert.Equal(t, DefaultRecipient, bounce.Recipient)
	assert.Equal(t, DefaultReason, bounce.Reason)
	assert.Equal(t, DefaultStatus, bounce.Status)
	assert.Equal(t, DefaultAction, bounce.Action)
	assert.True(t, bounce.IsPermanent(), "default status 5.0.0 is permanent")
}

func TestParseReportFieldNamesCaseInsensitive(t *testing.T) {
	status := strings.Join([]string{
		"ORIGINAL-RECIPIENT: rfc822; dave@example.org",
		"status: 5.2.2",
		"action: failed",
		"diagnostic-code: smtp; 552 mailbox full",
	}, crlf)

	e := parseFixture(t, bounceFixture(status, embeddedOriginal))
	bounce, _, ok := ParseReport(e)
	require.True(t, ok)

	assert.Equal(t, "dave@example.org", bounce.Recipient)
	assert.Equal(t, "5.2.2", bounce.Status)
	assert.Equal(t, "smtp; 552 mailbox full", bounce.Reason)
}

func TestParseReportNotABounce(t *testing.T) {
	raw := strings.Join([]string{
		"From: someone@example.com",
		"To: support@example.com",
		"Subject: plain question",
		"",
		"Hi, just a regular message.",
		"",
	}, crlf)

	e := parseFixture(t, raw)
	_, _, ok := ParseReport(e)
	assert.False(t, ok)
}

func TestParseReportSingleWalk(t *testing.T) {
	status := strings.Join([]string{
		"Final-Recipient: rfc822; alice@example.org",
		"Action: failed",
		"Status: 5.1.1",
	}, crlf)

	// One call must yield both the delivery-status fields and the embedded
	// original's metadata; the parts stream by exactly once.
	e := parseFixture(t, bounceFixture(status, embeddedOriginal))
	bounce, orig, ok := ParseReport(e)
	require.True(t, ok)

	assert.Equal(t, "alice@example.org", bounce.Recipient)
	assert.Equal(t, "5.1.1", bounce.Status)
	assert.Equal(t, "sender@corp.example", orig.From)
	assert.Equal(t, "Quarterly report", orig.Subject)
	assert.Equal(t, "orig@corp.example", orig.MessageID)
	assert.Equal(t, "spring", orig.Metadata["Campaign"])
}

func TestParseReportEmbeddedMessage(t *testing.T) {
	status := "Final-Recipient: rfc822; alice@example.org"
	e := parseFixture(t, bounceFixture(status, embeddedOriginal))

	_, orig, _ := ParseReport(e)
	assert.Equal(t, "sender@corp.example", orig.From)
	assert.Equal(t, "Quarterly report", orig.Subject)
	assert.Equal(t, "orig@corp.example", orig.MessageID)
	assert.Equal(t, "spring", orig.Metadata["Campaign"])
	assert.Equal(t, "42", orig.Metadata["Track-Id"])
	// Non X- headers never leak into metadata.
	assert.NotContains(t, orig.Metadata, "Subject")
}

func TestParseReportHeadersOnlyPart(t *testing.T) {
	headersPart := crlf +
		"Content-Type: text/rfc822-headers" + crlf +
		crlf +
		"From: sender@corp.example" + crlf +
		"Subject: Headers only" + crlf +
		"X-Ref: abc" + crlf +
		crlf
	e := parseFixture(t, bounceFixture("Final-Recipient: rfc822; x@y.z", headersPart))

	_, orig, _ := ParseReport(e)
	assert.Equal(t, "sender@corp.example", orig.From)
	assert.Equal(t, "Headers only", orig.Subject)
	assert.Equal(t, "abc", orig.Metadata["Ref"])
	// No Message-ID in the embedded headers: outer message's id is used.
	assert.Equal(t, "outer@mx.example.com", orig.MessageID)
}

func TestParseReportMissingOriginal(t *testing.T) {
	e := parseFixture(t, bounceFixture("Final-Recipient: rfc822; x@y.z", crlf))

	_, orig, _ := ParseReport(e)
	assert.Equal(t, "unknown", orig.From)
	assert.Equal(t, "unknown", orig.Subject)
	assert.Empty(t, orig.Metadata)
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		name      string
		to        string
		delimiter string
		local     string
		domain    string
	}{
		{"plain", "bob@example.com", "+", "bob", "example.com"},
		{"sub-addressed", "bob+promo@example.com", "+", "bob", "example.com"},
		{"delimiter disabled", "bob+promo@example.com", "", "bob+promo", "example.com"},
		{"display name", `"Bob B." <bob+x@example.com>`, "+", "bob", "example.com"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := "From: a@b.c" + crlf + "To: " + tc.to + crlf + crlf + "body" + crlf
			e := parseFixture(t, raw)
			local, domain := TargetAddress(e, tc.delimiter)
			assert.Equal(t, tc.local, local)
			assert.Equal(t, tc.domain, domain)
		})
	}
}

func TestTargetAddressMissingTo(t *testing.T) {
	raw := "From: a@b.c" + crlf + crlf + "body" + crlf
	e := parseFixture(t, raw)
	local, domain := TargetAddress(e, "+")
	assert.Empty(t, local)
	assert.Empty(t, domain)
}
