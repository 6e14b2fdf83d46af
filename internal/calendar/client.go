package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

// Client is the HTTP Gateway implementation. The wire shapes follow the
// Google Calendar v3 REST API.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	store        CredentialStore
	log          *zap.Logger
}

// ClientConfig configures the HTTP gateway.
type ClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func NewClient(cfg ClientConfig, store CredentialStore, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		store:        store,
		log:          log,
	}
}

// Wire shapes.

type freeBusyRequest struct {
	TimeMin string             `json:"timeMin"`
	TimeMax string             `json:"timeMax"`
	Items   []freeBusyCalendar `json:"items"`
}

type freeBusyCalendar struct {
	ID string `json:"id"`
}

type freeBusyResponse struct {
	Calendars map[string]struct {
		Busy []wirePeriod `json:"busy"`
	} `json:"calendars"`
}

type wirePeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type wireEvent struct {
	ID          string        `json:"id,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Description string        `json:"description,omitempty"`
	Start       *wireDateTime `json:"start,omitempty"`
	End         *wireDateTime `json:"end,omitempty"`
	Recurrence  []string      `json:"recurrence,omitempty"`
	Status      string        `json:"status,omitempty"`
}

type wireDateTime struct {
	DateTime string `json:"dateTime"`
}

type wireEventList struct {
	Items []wireEvent `json:"items"`
}

func (c *Client) FreeBusy(ctx context.Context, providerID uuid.UUID, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]schedule.Interval, error) {
	civiltime.RequireOffset(timeMin)
	civiltime.RequireOffset(timeMax)

	req := freeBusyRequest{
		TimeMin: formatCivil(timeMin),
		TimeMax: formatCivil(timeMax),
	}
	for _, id := range calendarIDs {
		req.Items = append(req.Items, freeBusyCalendar{ID: id})
	}

	var resp freeBusyResponse
	if err := c.call(ctx, providerID, http.MethodPost, "/freeBusy", req, &resp); err != nil {
		return nil, fmt.Errorf("free/busy query: %w", err)
	}

	out := make(map[string][]schedule.Interval, len(resp.Calendars))
	for id, cal := range resp.Calendars {
		intervals := make([]schedule.Interval, 0, len(cal.Busy))
		for _, p := range cal.Busy {
			iv := schedule.Interval{
				Start: parseCivil(p.Start),
				End:   parseCivil(p.End),
			}
			intervals = append(intervals, iv)
		}
		out[id] = intervals
	}
	return out, nil
}

func (c *Client) InsertEvent(ctx context.Context, providerID uuid.UUID, calendarID string, ev Event) (string, error) {
	civiltime.RequireOffset(ev.Start)
	civiltime.RequireOffset(ev.End)

	body := wireEvent{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &wireDateTime{DateTime: formatCivil(ev.Start)},
		End:         &wireDateTime{DateTime: formatCivil(ev.End)},
		Recurrence:  ev.Recurrence,
	}

	var resp wireEvent
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := c.call(ctx, providerID, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("insert event: provider returned no event id")
	}
	return resp.ID, nil
}

func (c *Client) DeleteEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := c.call(ctx, providerID, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

func (c *Client) GetEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) (*Event, error) {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))

	var resp wireEvent
	if err := c.call(ctx, providerID, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	ev := fromWire(resp)
	return &ev, nil
}

func (c *Client) ListEvents(ctx context.Context, providerID uuid.UUID, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	civiltime.RequireOffset(timeMin)
	civiltime.RequireOffset(timeMax)

	path := fmt.Sprintf("/calendars/%s/events?timeMin=%s&timeMax=%s",
		url.PathEscape(calendarID),
		url.QueryEscape(formatCivil(timeMin)),
		url.QueryEscape(formatCivil(timeMax)),
	)

	var resp wireEventList
	if err := c.call(ctx, providerID, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	out := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Status == "cancelled" {
			continue
		}
		out = append(out, fromWire(item))
	}
	return out, nil
}

// call performs one authorized request. A 401 triggers exactly one token
// refresh and retry; a second 401 surfaces as ErrReauthorizationNeeded.
func (c *Client) call(ctx context.Context, providerID uuid.UUID, method, path string, body, out any) error {
	creds, err := c.store.Credentials(ctx, providerID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	status, err := c.doOnce(ctx, creds.AccessToken, method, path, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	c.log.Info("calendar access token rejected, refreshing",
		zap.String("provider_id", providerID.String()),
	)

	creds, err = c.Refresh(ctx, providerID, creds)
	if err != nil {
		return err
	}

	status, err = c.doOnce(ctx, creds.AccessToken, method, path, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrReauthorizationNeeded
	}
	return nil
}

// doOnce executes one HTTP round trip. It returns the status code only for
// 401 so call can decide on a refresh; other non-2xx statuses become errors.
func (c *Client) doOnce(ctx context.Context, accessToken, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return http.StatusUnauthorized, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrEventNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("calendar provider returned %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh exchanges the refresh token for a new access token and persists the
// rotated credentials. Refresh failure means the provider must re-link their
// calendar.
func (c *Client) Refresh(ctx context.Context, providerID uuid.UUID, creds Credentials) (Credentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		c.log.Warn("calendar token refresh rejected",
			zap.String("provider_id", providerID.String()),
			zap.Int("status", resp.StatusCode),
		)
		return Credentials{}, ErrReauthorizationNeeded
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Credentials{}, fmt.Errorf("decode token response: %w", err)
	}

	next := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       civiltime.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	if err := c.store.SaveCredentials(ctx, providerID, next); err != nil {
		return Credentials{}, fmt.Errorf("persist refreshed credentials: %w", err)
	}
	return next, nil
}

func formatCivil(t time.Time) string {
	return civiltime.In(t).Format(time.RFC3339)
}

// parseCivil parses a provider timestamp and asserts the civil offset. A
// timestamp arriving without +02:00 means calendar data has drifted out of
// the system's single timezone, which is a contract violation.
func parseCivil(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(fmt.Sprintf("calendar: malformed timestamp %q from provider", s))
	}
	civiltime.RequireOffset(t)
	return t
}

func fromWire(w wireEvent) Event {
	ev := Event{
		ID:          w.ID,
		Summary:     w.Summary,
		Description: w.Description,
		Recurrence:  w.Recurrence,
	}
	if w.Start != nil && w.Start.DateTime != "" {
		ev.Start = parseCivil(w.Start.DateTime)
	}
	if w.End != nil && w.End.DateTime != "" {
		ev.End = parseCivil(w.End.DateTime)
	}
	return ev
}
