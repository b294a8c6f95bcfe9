package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// HistorySource loads the most recent page of a team's messages, oldest first.
type HistorySource interface {
	History(ctx context.Context, teamID int64) ([]chat.Message, error)
}

// HTTPHistory reads history from the server's /api/messages endpoint.
type HTTPHistory struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPHistory returns a fetcher for the server at baseURL (http or https).
// A nil httpClient uses a client with a 10 second timeout.
func NewHTTPHistory(baseURL, token string, httpClient *http.Client) *HTTPHistory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPHistory{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: httpClient}
}

// History returns the server's default page for teamID.
func (h *HTTPHistory) History(ctx context.Context, teamID int64) ([]chat.Message, error) {
	return h.Page(ctx, teamID, 0, 0)
}

// Page returns up to limit messages ending before the message id before.
// Zero values use the server defaults.
func (h *HTTPHistory) Page(ctx context.Context, teamID int64, limit int, before int64) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("team_id", strconv.FormatInt(teamID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/messages?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, chat.NewError(chat.KindTransport, "history request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return chat.NewError(chat.KindAuthentication, body.Error, nil)
	case http.StatusForbidden:
		return chat.NewError(chat.KindAuthorization, body.Error, nil)
	case http.StatusBadRequest:
		return chat.NewError(chat.KindValidation, body.Error, nil)
	default:
		kind := chat.Kind(body.Code)
		if kind == "" {
			kind = chat.KindInternal
		}
		return chat.NewError(kind, body.Error, nil)
	}
}
