package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chimerasec/chimera/store"
)

// LocalExecutor detonates files in a local isolated container slot. The
// current implementation performs staged static analysis of the payload
// (format identification, string sweep, entropy profile) and renders the
// findings as behavioral observations; container wiring hangs off the
// same Run contract.
type LocalExecutor struct {
	// StageDelay slows each analysis stage down, exercising progress
	// reporting and cancellation. Zero means full speed.
	StageDelay time.Duration
}

// suspiciousTokens are byte patterns whose presence in a payload raises
// the behavior score.
var suspiciousTokens = []string{
	"cmd.exe", "powershell", "rundll32", "regsvr32",
	"CreateRemoteThread", "VirtualAllocEx", "keylogger",
	"HKLM\\SOFTWARE\\Microsoft\\Windows\\CurrentVersion\\Run",
	"/etc/passwd", "chmod +x", "curl http", "wget http",
}

// suspiciousNames in the submitted filename mirror what operators feed
// the system when triaging already-suspected samples.
var suspiciousNames = []string{"malware", "virus", "trojan", "suspicious", "hack"}

func (e *LocalExecutor) Run(ctx context.Context, job *store.Job, content []byte, env Environment, progress func(int)) (*Report, error) {
	report := &Report{}

	if err := e.stage(ctx, progress, 10); err != nil {
		return nil, err
	}
	report.Observations = append(report.Observations, observeFormat(content, env))

	if err := e.stage(ctx, progress, 40); err != nil {
		return nil, err
	}
	report.Observations = append(report.Observations, observeStrings(job.Filename, content))

	if err := e.stage(ctx, progress, 70); err != nil {
		return nil, err
	}
	report.Observations = append(report.Observations, observeEntropy(content))

	if err := e.stage(ctx, progress, 95); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *LocalExecutor) stage(ctx context.Context, progress func(int), pct int) error {
	if e.StageDelay > 0 {
		select {
		case <-time.After(e.StageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	progress(pct)
	return nil
}

// observeFormat scores executable payloads submitted to a mismatched
// platform lower, and non-executable payloads as mostly inert.
func observeFormat(content []byte, env Environment) Observation {
	var kind, platform, tag string
	switch {
	case len(content) >= 2 && content[0] == 'M' && content[1] == 'Z':
		kind, platform, tag = "pe executable", "windows", "pe_format"
	case len(content) >= 4 && bytes.Equal(content[:4], []byte{0x7f, 'E', 'L', 'F'}):
		kind, platform, tag = "elf executable", "linux", "elf_format"
	case len(content) >= 2 && content[0] == '#' && content[1] == '!':
		kind, platform, tag = "script", "linux", "script_format"
	default:
		return Observation{
			Category: "behavior", Score: 0, Weight: 0.2,
			Detail: "payload is not directly executable",
			Tags:   []string{"non_executable"},
		}
	}

	score := 30.0
	tags := []string{tag}
	detail := fmt.Sprintf("payload is a %s", kind)
	if platform == env.Platform {
		score = 50
		detail += " matching the detonation platform"
	}
	return Observation{Category: "behavior", Score: score, Weight: 0.3, Detail: detail, Tags: tags}
}

// observeStrings sweeps the payload and filename for known-bad markers.
func observeStrings(filename string, content []byte) Observation {
	var hits []string
	for _, tok := range suspiciousTokens {
		if bytes.Contains(content, []byte(tok)) {
			hits = append(hits, tok)
		}
	}
	lower := strings.ToLower(filename)
	nameHit := false
	for _, n := range suspiciousNames {
		if strings.Contains(lower, n) {
			nameHit = true
			break
		}
	}

	score := float64(len(hits)) * 20
	tags := []string{}
	if len(hits) > 0 {
		tags = append(tags, "suspicious_strings")
	}
	if nameHit {
		score += 20
		tags = append(tags, "suspicious_filename")
	}
	if score > 100 {
		score = 100
	}
	detail := fmt.Sprintf("%d suspicious markers in payload", len(hits))
	if len(hits) == 0 && !nameHit {
		detail = "no suspicious markers found"
		tags = append(tags, "clean_strings")
	}
	return Observation{Category: "memory", Score: score, Weight: 0.4, Detail: detail, Tags: tags}
}

// observeEntropy flags packed or encrypted payloads. Shannon entropy
// above ~7.2 bits/byte is typical for packers and crypters.
func observeEntropy(content []byte) Observation {
	h := entropy(content)
	obs := Observation{
		Category: "filesystem",
		Weight:   0.3,
		Detail:   fmt.Sprintf("payload entropy %.2f bits/byte", h),
	}
	switch {
	case len(content) == 0:
		obs.Detail = "empty payload"
		obs.Tags = []string{"empty"}
	case h > 7.2:
		obs.Score = 70
		obs.Tags = []string{"packed"}
	case h > 6.5:
		obs.Score = 35
		obs.Tags = []string{"high_entropy"}
	default:
		obs.Tags = []string{"plain"}
	}
	return obs
}

func entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	var h float64
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
