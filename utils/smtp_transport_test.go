package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"loumass/models"
)

func testSender() *models.Sender {
	return &models.Sender{FromEmail: "alice@acme.io", FromName: "Alice"}
}

func TestBuildMessageThreadingHeaders(t *testing.T) {
	m := buildMessage(testSender(), OutgoingEmail{
		To:                 "bob@example.com",
		Subject:            "Re: hello",
		HTMLBody:           "<p>again</p>",
		ThreadID:           "<root@mail>",
		InReplyToMessageID: "<abc123@mail>",
	}, "<new@acme.io>")

	require.Len(t, m.GetHeader("In-Reply-To"), 1)
	assert.Equal(t, "<abc123@mail>", m.GetHeader("In-Reply-To")[0])
	assert.Equal(t, []string{"<abc123@mail>"}, m.GetHeader("References"))
	assert.Equal(t, []string{"<new@acme.io>"}, m.GetHeader("Message-ID"))
	assert.Equal(t, []string{"Re: hello"}, m.GetHeader("Subject"))
}

func TestBuildMessageWithoutReplyHasNoInReplyTo(t *testing.T) {
	m := buildMessage(testSender(), OutgoingEmail{
		To:       "bob@example.com",
		Subject:  "hello",
		TextBody: "hi",
	}, "<first@acme.io>")

	assert.Empty(t, m.GetHeader("In-Reply-To"))
	assert.Empty(t, m.GetHeader("References"))
}

func TestBuildMessageBracketsBareMessageID(t *testing.T) {
	m := buildMessage(testSender(), OutgoingEmail{
		To:                 "bob@example.com",
		InReplyToMessageID: "abc123@mail",
	}, "<x@acme.io>")

	assert.Equal(t, []string{"<abc123@mail>"}, m.GetHeader("In-Reply-To"))
}

func TestSMTPTransportDomain(t *testing.T) {
	tr := &SMTPTransport{}
	assert.Equal(t, "acme.io", tr.domainFor(testSender()))

	tr.MessageIDDomain = "mail.loumass.com"
	assert.Equal(t, "mail.loumass.com", tr.domainFor(testSender()))
	assert.Equal(t, "<id-1@mail.loumass.com>", GenerateMessageID("id-1", tr.domainFor(testSender())))
}
