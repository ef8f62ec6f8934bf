package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
)

// RSSSearch fetches an RSS or Atom feed and filters its entries by a
// keyword.
type RSSSearch struct {
	parser *gofeed.Parser
}

func NewRSSSearch() *RSSSearch {
	return &RSSSearch{parser: gofeed.NewParser()}
}

func (r *RSSSearch) Name() string { return "rss_search" }
func (r *RSSSearch) Description() string {
	return "Fetch an RSS or Atom feed and return entries matching a keyword."
}

func (r *RSSSearch) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Feed URL"},
			"q": {"type": "string", "description": "Keyword to match in title or summary"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["url", "q"],
		"additionalProperties": false
	}`)
}

func (r *RSSSearch) ConfigSchema() json.RawMessage { return nil }

func (r *RSSSearch) Execute(ctx context.Context, args json.RawMessage, _ UserContext) (string, error) {
	var in struct {
		URL   string `json:"url"`
		Query string `json:"q"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("rss_search: decode args: %w", err)
	}
	if in.Limit == 0 {
		in.Limit = 5
	}

	feed, err := r.parser.ParseURLWithContext(in.URL, ctx)
	if err != nil {
		return "", fmt.Errorf("rss_search: fetch feed: %w", err)
	}

	needle := strings.ToLower(in.Query)
	type entry struct {
		Title     string `json:"title"`
		Link      string `json:"link"`
		Published string `json:"published,omitempty"`
		Summary   string `json:"summary,omitempty"`
	}
	var out []entry
	for _, item := range feed.Items {
		if len(out) >= in.Limit {
			break
		}
		if !strings.Contains(strings.ToLower(item.Title), needle) &&
			!strings.Contains(strings.ToLower(item.Description), needle) {
			continue
		}
		out = append(out, entry{
			Title:     item.Title,
			Link:      item.Link,
			Published: item.Published,
			Summary:   truncate(item.Description, 300),
		})
	}
	if len(out) == 0 {
		return fmt.Sprintf("no entries matching %q in %s", in.Query, feed.Title), nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("rss_search: encode result: %w", err)
	}
	return string(encoded), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
