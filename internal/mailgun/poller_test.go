package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mailgate/internal/config"
	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
	"github.com/jwalitptl/mailgate/pkg/logger"
)

func testClient(t *testing.T, apiBase string, maxPages int) *Client {
	t.Helper()
	c, err := NewClient(config.MailgunConfig{
		APIBase:   apiBase,
		APIKey:    "key-test",
		Domain:    "mg.example.com",
		PageLimit: 10,
		MaxPages:  maxPages,
	}, logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard}), nil)
	require.NoError(t, err)
	return c
}

func eventItem(id string, ts float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"event":"failed","timestamp":%f,"recipient":"rcpt@example.com"}`, id, ts))
}

// pagedServer serves pageCount non-empty pages of itemsPerPage events each,
// then an empty page.
func pagedServer(t *testing.T, pageCount, itemsPerPage int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	servePage := func(w http.ResponseWriter, pageNo int) {
		page := map[string]interface{}{
			"items":  []json.RawMessage{},
			"paging": map[string]string{"next": fmt.Sprintf("%s/v3/mg.example.com/events/page/%d", srv.URL, pageNo+1)},
		}
		if pageNo < pageCount {
			items := make([]json.RawMessage, 0, itemsPerPage)
			for i := 0; i < itemsPerPage; i++ {
				items = append(items, eventItem(fmt.Sprintf("ev-%d-%d", pageNo, i), float64(pageNo*itemsPerPage+i)))
			}
			page["items"] = items
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}

	mux.HandleFunc("/v3/mg.example.com/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.URL.Query().Get("ascending"))
		servePage(w, 0)
	})
	for n := 1; n <= pageCount+1; n++ {
		pageNo := n
		mux.HandleFunc(fmt.Sprintf("/v3/mg.example.com/events/page/%d", n), func(w http.ResponseWriter, r *http.Request) {
			servePage(w, pageNo)
		})
	}

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchMaterializesAllPages(t *testing.T) {
	srv := pagedServer(t, 3, 4)
	c := testClient(t, srv.URL+"/v3", 50)

	events, err := c.Search(context.Background(), SearchOptions{EventFilter: "failed"})
	require.NoError(t, err)
	require.Len(t, events, 12)

	seen := map[string]bool{}
	for _, ev := range events {
		assert.False(t, seen[ev.ID], "duplicate event %s", ev.ID)
		seen[ev.ID] = true
	}
}

func TestSearchSingleEmptyPage(t *testing.T) {
	srv := pagedServer(t, 0, 0)
	c := testClient(t, srv.URL+"/v3", 50)

	events, err := c.Search(context.Background(), SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSearchPageCeilingReturnsPartialResults(t *testing.T) {
	// Every page is non-empty and chains to the next; only the ceiling stops
	// the walk.
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := map[string]interface{}{
			"items":  []json.RawMessage{eventItem("ev-"+r.URL.Path, 1.0)},
			"paging": map[string]string{"next": srv.URL + r.URL.Path + "x"},
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL+"/v3", 3)

	events, err := c.Search(context.Background(), SearchOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrPaginationTruncated))
	assert.Len(t, events, 3)
}

func TestSearchPassesFilters(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []json.RawMessage{}})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL+"/v3", 50)

	begin := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.Search(context.Background(), SearchOptions{
		Begin:       begin,
		EventFilter: "failed OR rejected",
		Extra:       map[string]string{"message-id": "abc@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"failed OR rejected"}, gotQuery["event"])
	assert.Equal(t, []string{begin.Format(time.RFC1123Z)}, gotQuery["begin"])
	assert.Equal(t, []string{"abc@example.com"}, gotQuery["message-id"])
	assert.Equal(t, []string{"10"}, gotQuery["limit"])
}

func TestSearchAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL+"/v3", 50)

	_, err := c.Search(context.Background(), SearchOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrPollFailed))
}

func TestHasDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "delivered", r.URL.Query().Get("event"))
		items := []json.RawMessage{}
		if r.URL.Query().Get("message-id") == "known@example.com" {
			items = append(items, json.RawMessage(`{"id":"d1","event":"delivered","timestamp":1.0}`))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL+"/v3", 50)

	delivered, err := c.HasDelivered(context.Background(), "known@example.com", "rcpt@example.com")
	require.NoError(t, err)
	assert.True(t, delivered)

	delivered, err = c.HasDelivered(context.Background(), "unknown@example.com", "rcpt@example.com")
	require.NoError(t, err)
	assert.False(t, delivered)
}
