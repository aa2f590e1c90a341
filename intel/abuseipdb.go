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

const abuseDefaultURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDB queries the AbuseIPDB check endpoint. The detection signal is
// the provider's own abuse-confidence percentage, taken as the score
// directly, with small additive bumps for anonymization infrastructure.
type AbuseIPDB struct {
	cfg    Config
	client *client
	base   string
	weight float64
}

// NewAbuseIPDB creates the adapter. Default weight 0.25.
func NewAbuseIPDB(cfg Config) *AbuseIPDB {
	cfg.defaults()
	weight := cfg.Weight
	if weight <= 0 {
		weight = 0.25
	}
	base := cfg.BaseURL
	if base == "" {
		base = abuseDefaultURL
	}
	return &AbuseIPDB{cfg: cfg, client: newClient(cfg), base: base, weight: weight}
}

func (a *AbuseIPDB) Name() string    { return "abuseipdb" }
func (a *AbuseIPDB) Weight() float64 { return a.weight }

// Supports is IP-only: the check endpoint takes a single address and the
// block variant wants a CIDR, which no other indicator type provides.
func (a *AbuseIPDB) Supports(t ioc.Type) bool {
	return t == ioc.TypeIP
}

func (a *AbuseIPDB) Query(ctx context.Context, sub Subject) store.SourceResult {
	params := url.Values{}
	params.Set("maxAgeInDays", "90")
	params.Set("ipAddress", sub.Value)
	headers := map[string]string{"Key": a.cfg.APIKey, "Accept": "application/json"}

	body, outcome, err := a.client.get(ctx, a.base+"/check", params, headers)
	if outcome != store.OutcomeOK {
		return failure(a.Name(), outcome, err)
	}

	var payload struct {
		Data struct {
			AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
			CountryCode          string  `json:"countryCode"`
			IsTor                bool    `json:"isTor"`
			IsVpn                bool    `json:"isVpn"`
			IsProxy              bool    `json:"isProxy"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failure(a.Name(), store.OutcomeUnreachable, fmt.Errorf("decode: %w", err))
	}

	d := payload.Data
	score := d.AbuseConfidenceScore
	tags := []string{}
	if d.IsTor {
		score += 20
		tags = append(tags, "tor_exit_node")
	}
	if d.IsVpn {
		score += 10
		tags = append(tags, "vpn_detected")
	}
	if d.IsProxy {
		score += 15
		tags = append(tags, "proxy_detected")
	}
	if len(tags) == 0 && d.AbuseConfidenceScore == 0 {
		tags = append(tags, "clean")
	}

	return store.SourceResult{
		Source:    a.Name(),
		Score:     clamp(score),
		Weight:    a.weight,
		Outcome:   store.OutcomeOK,
		Detail:    fmt.Sprintf("abuse confidence %0.f%%", d.AbuseConfidenceScore),
		Tags:      tags,
		RawJSON:   truncateRaw(body),
		FetchedAt: time.Now().UnixMilli(),
	}
}
