package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/store"
)

const otxDefaultURL = "https://otx.alienvault.com/api/v1"

// OTX queries AlienVault OTX general indicator endpoints. Pulse count is
// the primary signal (community threat reports referencing the indicator),
// adjusted by provider reputation.
type OTX struct {
	cfg    Config
	client *client
	base   string
	weight float64
}

// NewOTX creates the adapter. Default weight 0.2.
func NewOTX(cfg Config) *OTX {
	cfg.defaults()
	weight := cfg.Weight
	if weight <= 0 {
		weight = 0.2
	}
	base := cfg.BaseURL
	if base == "" {
		base = otxDefaultURL
	}
	return &OTX{cfg: cfg, client: newClient(cfg), base: base, weight: weight}
}

func (o *OTX) Name() string    { return "otx" }
func (o *OTX) Weight() float64 { return o.weight }

func (o *OTX) Supports(t ioc.Type) bool {
	switch t {
	case ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256, ioc.TypeURL, ioc.TypeDomain, ioc.TypeIP:
		return true
	}
	return false
}

func (o *OTX) Query(ctx context.Context, sub Subject) store.SourceResult {
	var section string
	switch sub.Type {
	case ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256:
		section = "file"
	case ioc.TypeURL:
		section = "url"
	case ioc.TypeDomain:
		section = "domain"
	case ioc.TypeIP:
		section = "IPv4"
	default:
		return failure(o.Name(), store.OutcomeUnreachable, fmt.Errorf("unsupported type %q", sub.Type))
	}
	endpoint := fmt.Sprintf("%s/indicators/%s/%s/general", o.base, section, url.PathEscape(sub.Value))
	headers := map[string]string{"X-OTX-API-KEY": o.cfg.APIKey}

	body, outcome, err := o.client.get(ctx, endpoint, nil, headers)
	if outcome != store.OutcomeOK {
		return failure(o.Name(), outcome, err)
	}

	var payload struct {
		PulseInfo struct {
			Count int `json:"count"`
		} `json:"pulse_info"`
		Reputation float64  `json:"reputation"`
		Tags       []string `json:"tags"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failure(o.Name(), store.OutcomeUnreachable, fmt.Errorf("decode: %w", err))
	}

	pulses := payload.PulseInfo.Count
	var score float64
	tags := []string{}
	switch {
	case pulses > 100:
		score = 80 + min(float64(pulses-100)*0.1, 20)
		tags = append(tags, "high_threat_activity")
	case pulses > 50:
		score = 60 + float64(pulses-50)*0.4
		tags = append(tags, "moderate_threat_activity")
	case pulses > 10:
		score = 30 + float64(pulses-10)*0.75
		tags = append(tags, "low_threat_activity")
	case pulses > 0:
		score = float64(pulses) * 3
		tags = append(tags, "minimal_threat_activity")
	default:
		tags = append(tags, "clean")
	}
	switch {
	case payload.Reputation < -50:
		score += 20
		tags = append(tags, "very_negative_reputation")
	case payload.Reputation < 0:
		score += 10
		tags = append(tags, "negative_reputation")
	}
	for _, t := range payload.Tags {
		tags = append(tags, strings.ReplaceAll(strings.ToLower(t), " ", "_"))
	}

	return store.SourceResult{
		Source:    o.Name(),
		Score:     clamp(score),
		Weight:    o.weight,
		Outcome:   store.OutcomeOK,
		Detail:    fmt.Sprintf("%d threat reports reference this indicator", pulses),
		Tags:      tags,
		RawJSON:   truncateRaw(body),
		FetchedAt: time.Now().UnixMilli(),
	}
}
