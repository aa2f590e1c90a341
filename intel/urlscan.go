package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/store"
)

const urlscanDefaultURL = "https://urlscan.io/api/v1"

// URLScan queries the urlscan.io search index. The number of recent scans
// targeting the indicator is the signal: URLs that keep showing up in scans
// are more likely under investigation or in active campaigns.
type URLScan struct {
	cfg    Config
	client *client
	base   string
	weight float64
}

// NewURLScan creates the adapter. Default weight 0.15.
func NewURLScan(cfg Config) *URLScan {
	cfg.defaults()
	weight := cfg.Weight
	if weight <= 0 {
		weight = 0.15
	}
	base := cfg.BaseURL
	if base == "" {
		base = urlscanDefaultURL
	}
	return &URLScan{cfg: cfg, client: newClient(cfg), base: base, weight: weight}
}

func (u *URLScan) Name() string    { return "urlscan" }
func (u *URLScan) Weight() float64 { return u.weight }

func (u *URLScan) Supports(t ioc.Type) bool {
	return t == ioc.TypeURL || t == ioc.TypeDomain
}

func (u *URLScan) Query(ctx context.Context, sub Subject) store.SourceResult {
	params := url.Values{}
	if sub.Type == ioc.TypeURL {
		params.Set("q", fmt.Sprintf("url:%q", sub.Value))
	} else {
		params.Set("q", fmt.Sprintf("domain:%s", sub.Value))
	}
	params.Set("size", "10")
	headers := map[string]string{}
	if u.cfg.APIKey != "" {
		headers["API-Key"] = u.cfg.APIKey
	}

	body, outcome, err := u.client.get(ctx, u.base+"/search/", params, headers)
	if outcome != store.OutcomeOK {
		return failure(u.Name(), outcome, err)
	}

	var payload struct {
		Total   int `json:"total"`
		Results []struct {
			Task struct {
				URL string `json:"url"`
			} `json:"task"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failure(u.Name(), store.OutcomeUnreachable, fmt.Errorf("decode: %w", err))
	}

	scans := payload.Total
	var score float64
	tags := []string{}
	switch {
	case scans > 50:
		score = 70 + min(float64(scans-50)*0.3, 30)
		tags = append(tags, "high_scan_activity")
	case scans > 20:
		score = 40 + float64(scans-20)*1.0
		tags = append(tags, "moderate_scan_activity")
	case scans > 5:
		score = 20 + float64(scans-5)*1.33
		tags = append(tags, "low_scan_activity")
	case scans > 0:
		score = float64(scans) * 4
		tags = append(tags, "minimal_scan_activity")
	default:
		tags = append(tags, "no_scan_history")
	}

	return store.SourceResult{
		Source:    u.Name(),
		Score:     clamp(score),
		Weight:    u.weight,
		Outcome:   store.OutcomeOK,
		Detail:    fmt.Sprintf("%d recent scans reference this indicator", scans),
		Tags:      tags,
		RawJSON:   truncateRaw(body),
		FetchedAt: time.Now().UnixMilli(),
	}
}
