package sync

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
)

const snippetMaxLen = 200

// htmlTagPattern sniffs markup in bodies whose content type the provider did
// not report.
var htmlTagPattern = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|span|table|a|img|head)\b`)

var (
	stripTagsPattern  = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// normalizeMessage converts a remote message into the internal schema:
// HTML bodies become plain text (original HTML retained), a single-line
// snippet is derived, and recipients are flattened into a typed list.
func normalizeMessage(conn *store.ChannelConnection, rm *RemoteMessage) (*store.Message, error) {
	if rm.ID == "" {
		return nil, apperr.New(apperr.KindParse, "sync.normalize", "remote message has no id")
	}

	bodyText := rm.Body
	bodyHTML := ""
	if isHTML(rm.Body, rm.BodyType) {
		bodyHTML = rm.Body
		bodyText = htmlToText(rm.Body)
	}

	snippet := rm.Preview
	if snippet == "" {
		snippet = bodyText
	}
	snippet = makeSnippet(snippet)

	recipients := make([]store.Recipient, 0, len(rm.To)+len(rm.Cc)+len(rm.Bcc))
	for _, a := range rm.To {
		recipients = append(recipients, store.Recipient{Email: a.Email, Name: a.Name, Role: store.RoleTo})
	}
	for _, a := range rm.Cc {
		recipients = append(recipients, store.Recipient{Email: a.Email, Name: a.Name, Role: store.RoleCc})
	}
	for _, a := range rm.Bcc {
		recipients = append(recipients, store.Recipient{Email: a.Email, Name: a.Name, Role: store.RoleBcc})
	}

	return &store.Message{
		ID:                uuid.NewString(),
		WorkspaceID:       conn.WorkspaceID,
		ConnectionID:      conn.ID,
		ProviderMessageID: rm.ID,
		ProviderThreadID:  rm.ThreadID,
		Subject:           rm.Subject,
		BodyText:          bodyText,
		BodyHTML:          bodyHTML,
		Snippet:           snippet,
		SenderEmail:       rm.Sender.Email,
		SenderName:        rm.Sender.Name,
		Recipients:        recipients,
		Labels:            rm.Labels,
		Raw:               rm.Raw,
		ReceivedAt:        rm.ReceivedAt,
	}, nil
}

// isHTML trusts an explicit content type and falls back to tag sniffing.
func isHTML(body string, bt BodyType) bool {
	switch bt {
	case BodyHTML:
		return true
	case BodyText:
		return false
	}
	return htmlTagPattern.MatchString(body)
}

// htmlToText converts markup to plain text, decoding entities. Falls back to
// tag stripping when the converter rejects the input.
func htmlToText(body string) string {
	text, err := html2text.FromString(body, html2text.Options{TextOnly: true})
	if err != nil {
		return strings.TrimSpace(stripTagsPattern.ReplaceAllString(body, " "))
	}
	return text
}

// makeSnippet collapses a body into a single line of at most 200 characters.
func makeSnippet(text string) string {
	s := whitespacePattern.ReplaceAllString(strings.TrimSpace(text), " ")
	runes := []rune(s)
	if len(runes) <= snippetMaxLen {
		return s
	}
	return string(runes[:snippetMaxLen])
}
