package pagination

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Getter performs an authenticated GET.
type Getter interface {
	Get(ctx context.Context, url string) (int, []byte, error)
}

// MessageFetcher builds getAllMessages requests for a mailbox within a
// modification window.
type MessageFetcher struct {
	client    Getter
	endpoint  string
	batchSize int
	start     time.Time
	end       time.Time
}

// NewMessageFetcher creates a fetcher. endpoint is the users collection,
// e.g. https://graph.microsoft.com/v1.0/users.
func NewMessageFetcher(client Getter, endpoint string, batchSize int, start, end time.Time) *MessageFetcher {
	return &MessageFetcher{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		batchSize: batchSize,
		start:     start,
		end:       end,
	}
}

// Fetch implements FetchFunc. A next link is followed as given except for
// its model parameter, which is replaced so a model fallback applies to
// continuation pages too.
func (f *MessageFetcher) Fetch(ctx context.Context, req Request) (int, []byte, error) {
	target, err := f.URL(req)
	if err != nil {
		return 0, nil, err
	}
	return f.client.Get(ctx, target)
}

// URL returns the request URL for req.
func (f *MessageFetcher) URL(req Request) (string, error) {
	if req.NextLink != "" {
		u, err := url.Parse(req.NextLink)
		if err != nil {
			return "", fmt.Errorf("parse next link: %w", err)
		}
		q := u.Query()
		if q.Has("model") {
			q.Set("model", string(req.Model))
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}

	q := url.Values{}
	q.Set("model", string(req.Model))
	q.Set("$top", strconv.Itoa(f.batchSize))
	q.Set("$filter", fmt.Sprintf("lastModifiedDateTime gt %s and lastModifiedDateTime lt %s",
		f.start.UTC().Format(time.RFC3339), f.end.UTC().Format(time.RFC3339)))

	return fmt.Sprintf("%s/%s/chats/getAllMessages?%s", f.endpoint, url.PathEscape(req.ID), q.Encode()), nil
}
