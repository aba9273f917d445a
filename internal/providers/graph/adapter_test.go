package graph

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

func strPtr(s string) *string { return &s }

func testGraphMessage() models.Messageable {
	m := models.NewMessage()
	m.SetId(strPtr("AAMk-1"))
	m.SetConversationId(strPtr("conv-1"))
	m.SetSubject(strPtr("Weekly report"))
	m.SetBodyPreview(strPtr("preview text"))
	m.SetCategories([]string{"Important"})

	body := models.NewItemBody()
	ct := models.HTML_BODYTYPE
	body.SetContentType(&ct)
	body.SetContent(strPtr("<p>report body</p>"))
	m.SetBody(body)

	from := models.NewRecipient()
	fromAddr := models.NewEmailAddress()
	fromAddr.SetAddress(strPtr("alice@example.com"))
	fromAddr.SetName(strPtr("Alice"))
	from.SetEmailAddress(fromAddr)
	m.SetFrom(from)

	to := models.NewRecipient()
	toAddr := models.NewEmailAddress()
	toAddr.SetAddress(strPtr("bob@example.com"))
	to.SetEmailAddress(toAddr)
	m.SetToRecipients([]models.Recipientable{to})

	received := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	m.SetReceivedDateTime(&received)
	return m
}

func TestNormalizeGraphMessage(t *testing.T) {
	rm := normalize(testGraphMessage())

	assert.Equal(t, "AAMk-1", rm.ID)
	assert.Equal(t, "conv-1", rm.ThreadID)
	assert.Equal(t, "Weekly report", rm.Subject)
	assert.Equal(t, "<p>report body</p>", rm.Body)
	assert.Equal(t, sync.BodyHTML, rm.BodyType)
	assert.Equal(t, "preview text", rm.Preview)
	assert.Equal(t, "alice@example.com", rm.Sender.Email)
	assert.Equal(t, "Alice", rm.Sender.Name)
	require.Len(t, rm.To, 1)
	assert.Equal(t, "bob@example.com", rm.To[0].Email)
	assert.Equal(t, []string{"Important"}, rm.Labels)
	assert.Equal(t, 2025, rm.ReceivedAt.Year())
}

func TestSerializeRawRoundTrips(t *testing.T) {
	rm := normalize(testGraphMessage())
	require.NotEmpty(t, rm.Raw)
	assert.Contains(t, string(rm.Raw), "AAMk-1")
}

func TestNormalizeEmptyMessage(t *testing.T) {
	rm := normalize(models.NewMessage())
	assert.Empty(t, rm.ID)
	assert.Equal(t, sync.BodyUnknown, rm.BodyType)
	assert.Empty(t, rm.To)
}

func TestClassifyGraphErrors(t *testing.T) {
	cases := []struct {
		code int
		want apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindAuth},
		{http.StatusForbidden, apperr.KindAuth},
		{http.StatusNotFound, apperr.KindNotFound},
		{http.StatusTooManyRequests, apperr.KindTransient},
		{http.StatusBadGateway, apperr.KindTransient},
		{http.StatusConflict, apperr.KindTransient},
	}
	for _, tc := range cases {
		odErr := odataerrors.NewODataError()
		odErr.ResponseStatusCode = tc.code
		err := classify("graph.test", odErr)
		assert.Equal(t, tc.want, apperr.KindOf(err), "status %d", tc.code)
	}

	err := classify("graph.test", errors.New("dial tcp: timeout"))
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}
