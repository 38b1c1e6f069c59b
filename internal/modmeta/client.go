// Package modmeta fetches workshop mod metadata in batches.
package modmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEndpoint = "https://api.steampowered.com/ISteamRemoteStorage/GetPublishedFileDetails/v1/"
	requestTimeout  = 30 * time.Second
)

// Details describes one mod as reported by the metadata service.
type Details struct {
	ModID         string
	Title         string
	LastUpdated   time.Time
	ConsumerAppID string
}

// Client is the narrow interface the update pipeline depends on.
type Client interface {
	FetchBatch(ctx context.Context, modIDs []string) (map[string]Details, error)
}

// HTTPClient talks to the published-file details service.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a client against the public service. An empty
// endpoint uses the default.
func NewHTTPClient(endpoint string) *HTTPClient {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

type detailsResponse struct {
	Response struct {
		Result               int `json:"result"`
		PublishedFileDetails []struct {
			PublishedFileID string `json:"publishedfileid"`
			Result          int    `json:"result"`
			Title           string `json:"title"`
			TimeUpdated     int64  `json:"time_updated"`
			ConsumerAppID   int    `json:"consumer_app_id"`
		} `json:"publishedfiledetails"`
	} `json:"response"`
}

// FetchBatch requests details for all modIDs at once. A batch failure is
// returned as an error; individual mods the service does not know are simply
// absent from the result map.
func (c *HTTPClient) FetchBatch(ctx context.Context, modIDs []string) (map[string]Details, error) {
	if len(modIDs) == 0 {
		return map[string]Details{}, nil
	}

	form := url.Values{}
	form.Set("itemcount", strconv.Itoa(len(modIDs)))
	for i, id := range modIDs {
		form.Set(fmt.Sprintf("publishedfileids[%d]", i), id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata service returned status %d", resp.StatusCode)
	}

	var decoded detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to parse metadata response: %w", err)
	}

	out := make(map[string]Details, len(modIDs))
	for _, d := range decoded.Response.PublishedFileDetails {
		if d.Result != 1 {
			continue
		}
		out[d.PublishedFileID] = Details{
			ModID:         d.PublishedFileID,
			Title:         d.Title,
			LastUpdated:   time.Unix(d.TimeUpdated, 0),
			ConsumerAppID: strconv.Itoa(d.ConsumerAppID),
		}
	}
	return out, nil
}
