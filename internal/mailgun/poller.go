package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
)

const defaultPageLimit = 300

// SearchOptions parameterize one event search.
type SearchOptions struct {
	// Begin is the lower time bound; zero means none.
	Begin time.Time
	// EventFilter is a single event type or a boolean OR-expression, passed
	// through to the provider unparsed.
	EventFilter string
	Limit       int
	// Extra carries passthrough filters (message-id, recipient, tags).
	Extra map[string]string
}

type eventsPage struct {
	Items  []json.RawMessage `json:"items"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// Search queries the provider's event-search API and materializes the full
// result across pages. Pagination follows the "next" reference until a page
// comes back empty; a hard page ceiling guards against a faulty API that
// never returns one. When the ceiling trips the accumulated items are
// returned together with an ErrPaginationTruncated error.
//
// Known limitation: very recent events may not be indexed yet when a page
// is fetched, and the provider does not return them in strict chronological
// order relative to polling time. The provider-recommended trustworthy-window
// algorithm (delay and re-check before trusting a page) is intentionally not
// implemented; a single poll can miss late-indexed events.
func (c *Client) Search(ctx context.Context, opts SearchOptions) ([]*ProviderEvent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.PageLimit
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	params := url.Values{}
	params.Set("ascending", "yes")
	params.Set("limit", strconv.Itoa(limit))
	if !opts.Begin.IsZero() {
		params.Set("begin", opts.Begin.UTC().Format(time.RFC1123Z))
	}
	if opts.EventFilter != "" {
		params.Set("event", opts.EventFilter)
	}
	for key, v := range opts.Extra {
		params.Set(key, v)
	}

	maxPages := c.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}

	pageURL := fmt.Sprintf("%s/%s/events?%s", c.cfg.APIBase, c.cfg.Domain, params.Encode())

	if c.metrics != nil {
		c.metrics.PollRequests.Inc()
	}

	var events []*ProviderEvent
	pages := 0
	defer func() {
		if c.metrics != nil {
			c.metrics.PollPages.Observe(float64(pages))
		}
	}()
	for {
		if pages >= maxPages {
			return events, apperrors.PaginationTruncated(pages)
		}

		page, err := c.fetchEventsPage(ctx, pageURL)
		if err != nil {
			if c.metrics != nil {
				c.metrics.PollFailures.Inc()
			}
			return nil, apperrors.PollFailed(err)
		}
		pages++

		// An empty page is the provider's only documented termination signal.
		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			ev, err := ParseEvent(item)
			if err != nil {
				return nil, apperrors.PollFailed(fmt.Errorf("failed to parse event item: %w", err))
			}
			events = append(events, ev)
		}

		if page.Paging.Next == "" {
			break
		}
		pageURL = page.Paging.Next
	}

	return events, nil
}

func (c *Client) fetchEventsPage(ctx context.Context, pageURL string) (*eventsPage, error) {
	body, err := c.do(ctx, http.MethodGet, pageURL, "", nil)
	if err != nil {
		return nil, err
	}

	var page eventsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode events page: %w", err)
	}
	return &page, nil
}

// HasDelivered reports whether a delivered event exists for the
// (message, recipient) pair. Used by the resubmitter's already-delivered
// check and by the reconciliation job.
func (c *Client) HasDelivered(ctx context.Context, messageID, recipient string) (bool, error) {
	extra := map[string]string{"message-id": messageID}
	if recipient != "" {
		extra["recipient"] = recipient
	}

	events, err := c.Search(ctx, SearchOptions{
		EventFilter: "delivered",
		Extra:       extra,
	})
	if err != nil && !apperrors.HasCode(err, apperrors.ErrPaginationTruncated) {
		return false, err
	}

	return len(events) > 0, nil
}
