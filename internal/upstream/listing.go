// Package upstream pages through the regulations.gov v4 listing endpoints.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/request"
)

// Listing defaults of the regulations.gov v4 API.
const (
	DefaultBaseURL  = "https://api.regulations.gov/v4"
	DefaultPageSize = 250
	// MaxPageNumber is the highest page number the API serves for one filter.
	MaxPageNumber = 20
)

// filterLayout is the timestamp format accepted by filter[lastModifiedDate].
const filterLayout = "2006-01-02 15:04:05"

// ErrStalledCursor is returned when a full window of pages shares one timestamp,
// so moving the filter forward cannot make progress.
var ErrStalledCursor = errors.New("listing cursor cannot advance")

// Fetcher issues listing requests. *request.Executor satisfies it.
type Fetcher interface {
	Do(ctx context.Context, method, rawURL string, opts request.Options) (*request.Response, error)
}

// Item is one entry of a listing page.
type Item struct {
	ID         string                     `json:"id"`
	Type       string                     `json:"type"`
	Attributes map[string]json.RawMessage `json:"attributes"`
	Links      struct {
		Self string `json:"self"`
	} `json:"links"`
}

// LastModified parses attributes.lastModifiedDate.
func (i Item) LastModified() (time.Time, error) {
	raw, ok := i.Attributes["lastModifiedDate"]
	if !ok {
		return time.Time{}, fmt.Errorf("item %s has no lastModifiedDate", i.ID)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}, fmt.Errorf("item %s lastModifiedDate: %w", i.ID, err)
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("item %s lastModifiedDate: %w", i.ID, err)
	}
	return ts.UTC(), nil
}

// HasAttachments reports whether the item references attachment files.
func (i Item) HasAttachments() bool {
	raw := bytes.TrimSpace(i.Attributes["fileFormats"])
	switch {
	case len(raw) == 0, string(raw) == "null", string(raw) == "[]", string(raw) == `""`, string(raw) == `"[]"`:
		return false
	default:
		return true
	}
}

// Page is one listing response.
type Page struct {
	Endpoint harvest.Endpoint
	Number   int
	Items    []Item
	HasNext  bool
	Total    int
}

// Empty reports whether the page carries no items.
func (p Page) Empty() bool {
	return len(p.Items) == 0
}

// LastModified returns the lastModifiedDate of the page's last item.
func (p Page) LastModified() (time.Time, error) {
	if p.Empty() {
		return time.Time{}, errors.New("empty page has no last item")
	}
	return p.Items[len(p.Items)-1].LastModified()
}

type listingBody struct {
	Data []Item `json:"data"`
	Meta struct {
		HasNextPage   bool `json:"hasNextPage"`
		PageNumber    int  `json:"pageNumber"`
		TotalElements int  `json:"totalElements"`
	} `json:"meta"`
}

// Config configures a Lister.
type Config struct {
	BaseURL  string
	APIKey   string
	PageSize int
	// Location is the time zone the API expects filter timestamps in.
	Location *time.Location
}

// Lister walks listing pages filtered by lastModifiedDate.
type Lister struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
}

// NewLister constructs a Lister, filling in defaults.
func NewLister(fetcher Fetcher, cfg Config, logger *zap.Logger) *Lister {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Location == nil {
		cfg.Location = EasternTime()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{fetcher: fetcher, cfg: cfg, logger: logger}
}

// EasternTime returns the zone regulations.gov interprets filters in, or UTC when
// the zone database is unavailable.
func EasternTime() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResourceURL returns the detail URL of an item on endpoint.
func (l *Lister) ResourceURL(endpoint harvest.Endpoint, item Item) string {
	if item.Links.Self != "" {
		return item.Links.Self
	}
	return l.cfg.BaseURL + "/" + string(endpoint) + "/" + url.PathEscape(item.ID)
}

// Pages yields listing pages of endpoint modified at or after since, oldest first.
// The sequence is finite: it ends once the API reports no further pages. When the
// page-number cap is reached with more data remaining, the filter moves to the last
// seen timestamp and paging restarts at page 1.
func (l *Lister) Pages(ctx context.Context, endpoint harvest.Endpoint, since *time.Time) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		cursor := since
		number := 1
		for {
			page, err := l.fetchPage(ctx, endpoint, cursor, number)
			if err != nil {
				yield(Page{}, err)
				return
			}
			if !yield(page, nil) {
				return
			}

			switch {
			case page.HasNext && number < MaxPageNumber:
				number++
			case number >= MaxPageNumber && page.Total > number*l.cfg.PageSize && !page.Empty():
				last, err := page.LastModified()
				if err != nil {
					yield(Page{}, err)
					return
				}
				if cursor != nil && !last.After(*cursor) {
					yield(Page{}, fmt.Errorf("%w: %s stuck at %s", ErrStalledCursor, endpoint, last.Format(time.RFC3339)))
					return
				}
				l.logger.Info("listing window exhausted; moving filter forward",
					zap.String("endpoint", string(endpoint)),
					zap.Time("cursor", last),
				)
				cursor = &last
				number = 1
			default:
				return
			}
		}
	}
}

func (l *Lister) fetchPage(ctx context.Context, endpoint harvest.Endpoint, cursor *time.Time, number int) (Page, error) {
	query := url.Values{
		"api_key":      {l.cfg.APIKey},
		"page[size]":   {strconv.Itoa(l.cfg.PageSize)},
		"page[number]": {strconv.Itoa(number)},
		"sort":         {"lastModifiedDate"},
	}
	if cursor != nil {
		query.Set("filter[lastModifiedDate][ge]", cursor.In(l.cfg.Location).Format(filterLayout))
	}
	resp, err := l.fetcher.Do(ctx, http.MethodGet, l.cfg.BaseURL+"/"+string(endpoint), request.Options{Query: query})
	if err != nil {
		return Page{}, fmt.Errorf("list %s page %d: %w", endpoint, number, err)
	}
	if resp.Rejection != nil {
		return Page{}, fmt.Errorf("list %s page %d: %w", endpoint, number, resp.Rejection)
	}
	var body listingBody
	if err := resp.JSON(&body); err != nil {
		return Page{}, fmt.Errorf("list %s page %d: %w", endpoint, number, err)
	}
	return Page{
		Endpoint: endpoint,
		Number:   number,
		Items:    body.Data,
		HasNext:  body.Meta.HasNextPage,
		Total:    body.Meta.TotalElements,
	}, nil
}
