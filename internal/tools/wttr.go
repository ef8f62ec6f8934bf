package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Wttr fetches current weather from wttr.in.
type Wttr struct {
	// BaseURL overrides the wttr.in endpoint; tests point it at a stub.
	BaseURL string

	httpClient *http.Client
}

func NewWttr() *Wttr {
	return &Wttr{
		BaseURL:    "https://wttr.in",
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (w *Wttr) Name() string        { return "wttr" }
func (w *Wttr) Description() string { return "Look up the current weather for a city." }

func (w *Wttr) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"q": {"type": "string", "description": "City name, e.g. Taipei"}
		},
		"required": ["q"],
		"additionalProperties": false
	}`)
}

func (w *Wttr) ConfigSchema() json.RawMessage { return nil }

type wttrReport struct {
	CurrentCondition []struct {
		TempC       string `json:"temp_C"`
		FeelsLikeC  string `json:"FeelsLikeC"`
		Humidity    string `json:"humidity"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

func (w *Wttr) Execute(ctx context.Context, args json.RawMessage, _ UserContext) (string, error) {
	var in struct {
		City string `json:"q"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("wttr: decode args: %w", err)
	}

	endpoint := w.BaseURL + "/" + url.PathEscape(in.City) + "?format=j1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("wttr: build request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("wttr: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wttr: http %d", resp.StatusCode)
	}

	var report wttrReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return "", fmt.Errorf("wttr: decode response: %w", err)
	}
	if len(report.CurrentCondition) == 0 {
		return "", fmt.Errorf("wttr: no weather data for %q", in.City)
	}

	cond := report.CurrentCondition[0]
	desc := ""
	if len(cond.WeatherDesc) > 0 {
		desc = cond.WeatherDesc[0].Value
	}
	out := map[string]string{
		"city":       in.City,
		"condition":  desc,
		"temp_c":     cond.TempC,
		"feels_like": cond.FeelsLikeC,
		"humidity":   cond.Humidity,
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("wttr: encode result: %w", err)
	}
	return string(encoded), nil
}
