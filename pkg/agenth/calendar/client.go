// Package calendar reads upcoming events from the Google Calendar API.
// The scheduler turns them into prompts due at each event's start.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const calendarAPIBaseURL = "https://www.googleapis.com/calendar/v3"

// Config selects the calendar to read.
type Config struct {
	AccessToken string `yaml:"access_token"`
	// CalendarID defaults to "primary".
	CalendarID string `yaml:"calendar_id"`
	BaseURL    string `yaml:"base_url"`
}

// Client provides read access to one Google Calendar.
type Client struct {
	httpClient *http.Client
	baseURL    string
	calendarID string
}

// NewClient creates a new Calendar API client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = calendarAPIBaseURL
	}
	id := cfg.CalendarID
	if id == "" {
		id = "primary"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &authTransport{
				accessToken: cfg.AccessToken,
				base:        http.DefaultTransport,
			},
		},
		baseURL:    base,
		calendarID: id,
	}
}

// authTransport adds Authorization header to requests.
type authTransport struct {
	accessToken string
	base        http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.accessToken)
	return t.base.RoundTrip(req)
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Event is a calendar entry.
type Event struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Start       *EventDateTime `json:"start,omitempty"`
	End         *EventDateTime `json:"end,omitempty"`
	Status      string         `json:"status,omitempty"`
	Created     time.Time      `json:"created,omitempty"`
}

// EventDateTime represents the start or end time of an event.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`     // For all-day events
	DateTime string `json:"dateTime,omitempty"` // For timed events
	TimeZone string `json:"timeZone,omitempty"`
}

// ToTime converts the EventDateTime to a time.Time.
func (e *EventDateTime) ToTime() (time.Time, error) {
	if e == nil {
		return time.Time{}, fmt.Errorf("no date or datetime set")
	}
	if e.Date != "" {
		return time.Parse("2006-01-02", e.Date)
	}
	if e.DateTime != "" {
		t, err := time.Parse(time.RFC3339, e.DateTime)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05", e.DateTime)
		}
		return t, err
	}
	return time.Time{}, fmt.Errorf("no date or datetime set")
}

type listEventsResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// maxPages bounds pagination of one GetEvents call.
const maxPages = 20

// GetEvents returns the single (recurrences expanded) events that overlap
// start and end, ordered by start time: an event that began before start
// but ends after it is included. Cancelled events are omitted.
func (c *Client) GetEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	var out []Event
	token := ""
	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("timeMin", start.Format(time.RFC3339))
		params.Set("timeMax", end.Format(time.RFC3339))
		params.Set("singleEvents", "true")
		params.Set("orderBy", "startTime")
		params.Set("maxResults", strconv.Itoa(250))
		if token != "" {
			params.Set("pageToken", token)
		}

		path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(c.calendarID), params.Encode())
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return nil, fmt.Errorf("calendar: list events: %w", err)
		}
		var resp listEventsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("calendar: parsing response: %w", err)
		}
		for _, ev := range resp.Items {
			if ev.Status == "cancelled" {
				continue
			}
			out = append(out, ev)
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		token = resp.NextPageToken
	}
	return out, nil
}
