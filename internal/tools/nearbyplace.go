package tools

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

// NearbyPlace searches for places around a location using the
// Nominatim geocoding API.
type NearbyPlace struct {
	// BaseURL overrides the Nominatim endpoint; tests point it at a stub.
	BaseURL string

	httpClient *http.Client
}

func NewNearbyPlace() *NearbyPlace {
	return &NearbyPlace{
		BaseURL:    "https://nominatim.openstreetmap.org",
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (n *NearbyPlace) Name() string { return "nearbyplace" }
func (n *NearbyPlace) Description() string {
	return "Search for places (restaurants, shops, landmarks) near a location."
}

func (n *NearbyPlace) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look for, e.g. coffee shop"},
			"near": {"type": "string", "description": "Location to search around, e.g. Hsinchu"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 10}
		},
		"required": ["query", "near"],
		"additionalProperties": false
	}`)
}

func (n *NearbyPlace) ConfigSchema() json.RawMessage { return nil }

func (n *NearbyPlace) Execute(ctx context.Context, args json.RawMessage, _ UserContext) (string, error) {
	var in struct {
		Query string `json:"query"`
		Near  string `json:"near"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("nearbyplace: decode args: %w", err)
	}
	if in.Limit == 0 {
		in.Limit = 5
	}

	params := url.Values{
		"q":      {in.Query + " near " + in.Near},
		"format": {"jsonv2"},
		"limit":  {strconv.Itoa(in.Limit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("nearbyplace: build request: %w", err)
	}
	// Nominatim's usage policy requires an identifying agent.
	req.Header.Set("User-Agent", "meichu2025-chat/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nearbyplace: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nearbyplace: http %d", resp.StatusCode)
	}

	var places []struct {
		DisplayName string `json:"display_name"`
		Category    string `json:"category"`
		Type        string `json:"type"`
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&places); err != nil {
		return "", fmt.Errorf("nearbyplace: decode response: %w", err)
	}
	if len(places) == 0 {
		return fmt.Sprintf("no places found for %q near %q", in.Query, in.Near), nil
	}

	type place struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
		Lat  string `json:"lat"`
		Lon  string `json:"lon"`
	}
	out := make([]place, 0, len(places))
	for _, p := range places {
		out = append(out, place{Name: p.DisplayName, Kind: p.Category + "/" + p.Type, Lat: p.Lat, Lon: p.Lon})
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("nearbyplace: encode result: %w", err)
	}
	return string(encoded), nil
}
