package sync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
)

func testConn() *store.ChannelConnection {
	return &store.ChannelConnection{
		ID:          "conn-1",
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Provider:    string(ProviderMicrosoft),
	}
}

func TestNormalizePlainText(t *testing.T) {
	rm := RemoteMessage{
		ID:         "m1",
		Subject:    "Hello",
		Body:       "Just plain text.",
		BodyType:   BodyText,
		Sender:     Address{Email: "a@example.com", Name: "Alice"},
		ReceivedAt: time.Now(),
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ProviderMessageID)
	assert.Equal(t, "Just plain text.", msg.BodyText)
	assert.Empty(t, msg.BodyHTML)
	assert.Equal(t, "Just plain text.", msg.Snippet)
	assert.NotEmpty(t, msg.ID)
}

func TestNormalizeHTMLBody(t *testing.T) {
	rm := RemoteMessage{
		ID:       "m1",
		Body:     "<html><body><p>Hello &amp; welcome</p></body></html>",
		BodyType: BodyHTML,
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.Equal(t, rm.Body, msg.BodyHTML, "original HTML retained")
	assert.NotContains(t, msg.BodyText, "<p>")
	assert.Contains(t, msg.BodyText, "Hello & welcome")
}

func TestNormalizeSniffsUnlabeledHTML(t *testing.T) {
	rm := RemoteMessage{
		ID:       "m1",
		Body:     "<div>markup without a content type</div>",
		BodyType: BodyUnknown,
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.BodyHTML)
	assert.NotContains(t, msg.BodyText, "<div>")
}

func TestNormalizeAngleBracketsAreNotMarkup(t *testing.T) {
	rm := RemoteMessage{
		ID:       "m1",
		Body:     "for x < y and y > z see the proof",
		BodyType: BodyUnknown,
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.Empty(t, msg.BodyHTML)
	assert.Equal(t, rm.Body, msg.BodyText)
}

func TestNormalizeSnippetFromPreview(t *testing.T) {
	rm := RemoteMessage{
		ID:      "m1",
		Body:    "full body",
		Preview: "  provider   preview\n text ",
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.Equal(t, "provider preview text", msg.Snippet)
}

func TestNormalizeSnippetTruncated(t *testing.T) {
	rm := RemoteMessage{
		ID:       "m1",
		Body:     strings.Repeat("word ", 100),
		BodyType: BodyText,
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(msg.Snippet)), snippetMaxLen)
	assert.NotContains(t, msg.Snippet, "\n")
}

func TestNormalizeFlattensRecipients(t *testing.T) {
	rm := RemoteMessage{
		ID:  "m1",
		To:  []Address{{Email: "to1@example.com", Name: "To One"}, {Email: "to2@example.com"}},
		Cc:  []Address{{Email: "cc@example.com"}},
		Bcc: []Address{{Email: "bcc@example.com"}},
	}

	msg, err := normalizeMessage(testConn(), &rm)
	require.NoError(t, err)
	require.Len(t, msg.Recipients, 4)
	assert.Equal(t, store.RoleTo, msg.Recipients[0].Role)
	assert.Equal(t, "To One", msg.Recipients[0].Name)
	assert.Equal(t, store.RoleCc, msg.Recipients[2].Role)
	assert.Equal(t, store.RoleBcc, msg.Recipients[3].Role)
}

func TestNormalizeMissingIDIsParseError(t *testing.T) {
	rm := RemoteMessage{Body: "no id"}
	_, err := normalizeMessage(testConn(), &rm)
	require.Error(t, err)
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}
