package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"meetbell/pkg/logx"
)

const (
	DefaultGoogleBaseURL = "https://www.googleapis.com/calendar/v3"
	defaultMaxResults    = 10
	defaultMaxPages      = 20
)

type GoogleConfig struct {
	BaseURL    string
	CalendarID string
	MaxResults int
	MaxPages   int
	Timeout    time.Duration
}

// GoogleSource reads events from the Google Calendar v3 REST API.
type GoogleSource struct {
	cfg    GoogleConfig
	tokens TokenSource
	client *http.Client
	log    logx.Logger
}

type googleEventsResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
	NextSyncToken string  `json:"nextSyncToken"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGoogleSource(cfg GoogleConfig, tokens TokenSource, client *http.Client, log logx.Logger) *GoogleSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGoogleBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GoogleSource{cfg: cfg, tokens: tokens, client: client, log: log.With(logx.String("comp", "calendar.google"))}
}

// Fetch follows nextPageToken until the last page, which carries nextSyncToken.
func (g *GoogleSource) Fetch(ctx context.Context, q Query) (Page, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return Page{}, err
	}

	var page Page
	pageToken := ""
	for i := 0; i < g.cfg.MaxPages; i++ {
		resp, err := g.fetchPage(ctx, token, q, pageToken)
		if err != nil {
			return Page{}, err
		}
		page.Events = append(page.Events, resp.Items...)
		if resp.NextPageToken == "" {
			page.NextSyncToken = resp.NextSyncToken
			return page, nil
		}
		pageToken = resp.NextPageToken
	}
	g.log.Warn("calendar page limit reached; results truncated", logx.Int("pages", g.cfg.MaxPages))
	return page, nil
}

func (g *GoogleSource) fetchPage(ctx context.Context, token string, q Query, pageToken string) (googleEventsResponse, error) {
	params := url.Values{}
	params.Set("singleEvents", "true")
	params.Set("maxResults", strconv.Itoa(g.cfg.MaxResults))
	if q.SyncToken != "" {
		params.Set("syncToken", q.SyncToken)
	} else {
		params.Set("timeMin", q.TimeMin.UTC().Format(time.RFC3339))
		params.Set("timeMax", q.TimeMax.UTC().Format(time.RFC3339))
		params.Set("orderBy", "startTime")
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", g.cfg.BaseURL, url.PathEscape(g.cfg.CalendarID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return googleEventsResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return googleEventsResponse{}, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return googleEventsResponse{}, fmt.Errorf("calendar read: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return googleEventsResponse{}, ErrAuthExpired
	case resp.StatusCode == http.StatusGone:
		return googleEventsResponse{}, ErrSyncTokenInvalid
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return googleEventsResponse{}, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var out googleEventsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return googleEventsResponse{}, fmt.Errorf("calendar decode: %w", err)
	}
	return out, nil
}

func errorMessage(body []byte) string {
	var e googleErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
