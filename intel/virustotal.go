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

const vtDefaultURL = "https://www.virustotal.com/vtapi/v2"

// VirusTotal queries the VirusTotal v2 report endpoints. The detection
// signal is the fraction of engines that flagged the subject, normalized
// linearly to 0-100.
type VirusTotal struct {
	cfg    Config
	client *client
	base   string
	weight float64
}

// NewVirusTotal creates the adapter. Default weight 0.4 — broad engine
// coverage makes it the strongest single signal.
func NewVirusTotal(cfg Config) *VirusTotal {
	cfg.defaults()
	weight := cfg.Weight
	if weight <= 0 {
		weight = 0.4
	}
	base := cfg.BaseURL
	if base == "" {
		base = vtDefaultURL
	}
	return &VirusTotal{cfg: cfg, client: newClient(cfg), base: base, weight: weight}
}

func (v *VirusTotal) Name() string    { return "virustotal" }
func (v *VirusTotal) Weight() float64 { return v.weight }

func (v *VirusTotal) Supports(t ioc.Type) bool {
	switch t {
	case ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256, ioc.TypeURL, ioc.TypeDomain, ioc.TypeIP:
		return true
	}
	return false
}

func (v *VirusTotal) Query(ctx context.Context, sub Subject) store.SourceResult {
	var endpoint, param string
	switch sub.Type {
	case ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256:
		endpoint, param = "/file/report", "resource"
	case ioc.TypeURL:
		endpoint, param = "/url/report", "url"
	case ioc.TypeDomain:
		endpoint, param = "/domain/report", "domain"
	case ioc.TypeIP:
		endpoint, param = "/ip-address/report", "ip"
	default:
		return failure(v.Name(), store.OutcomeUnreachable, fmt.Errorf("unsupported type %s", sub.Type))
	}

	params := url.Values{}
	params.Set("apikey", v.cfg.APIKey)
	params.Set(param, sub.Value)

	body, outcome, err := v.client.get(ctx, v.base+endpoint, params, nil)
	if outcome != store.OutcomeOK {
		return failure(v.Name(), outcome, err)
	}

	var payload struct {
		ResponseCode int    `json:"response_code"`
		Positives    int    `json:"positives"`
		Total        int    `json:"total"`
		VerboseMsg   string `json:"verbose_msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failure(v.Name(), store.OutcomeUnreachable, fmt.Errorf("decode: %w", err))
	}

	res := store.SourceResult{
		Source:    v.Name(),
		Outcome:   store.OutcomeOK,
		RawJSON:   truncateRaw(body),
		FetchedAt: time.Now().UnixMilli(),
	}

	if payload.ResponseCode != 1 || payload.Total == 0 {
		// Answered, but the subject has never been scanned: no signal.
		res.Detail = "no report for indicator"
		res.Tags = []string{"no_data"}
		return res
	}

	pct := float64(payload.Positives) / float64(payload.Total)
	res.Score = clamp(pct * 100)
	res.Weight = v.weight
	res.Detail = fmt.Sprintf("%d/%d engines detected malware", payload.Positives, payload.Total)
	switch {
	case pct > 0.5:
		res.Tags = []string{"high_malware_detection"}
	case pct > 0.2:
		res.Tags = []string{"moderate_malware_detection"}
	case pct > 0:
		res.Tags = []string{"low_malware_detection"}
	default:
		res.Tags = []string{"clean"}
	}
	return res
}

// truncateRaw keeps the provider payload for audit without letting one
// verbose response bloat the store.
func truncateRaw(body []byte) string {
	const maxRaw = 64 * 1024
	if len(body) > maxRaw {
		return string(body[:maxRaw])
	}
	return string(body)
}
