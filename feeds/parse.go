package feeds

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/store"
)

// ErrParse wraps any payload that cannot be decoded in the feed's
// declared format.
var ErrParse = errors.New("feeds: parse failed")

// rawEntry is the format-independent shape one feed record normalizes
// into before classification.
type rawEntry struct {
	Value       string
	Confidence  int
	ThreatLevel string
	Description string
	Tags        []string
}

// Parse decodes a feed payload into indicator records. Records whose
// value cannot be classified are skipped, not fatal: one bad row must
// not discard a whole feed update. A payload that cannot be decoded at
// all returns ErrParse.
func Parse(format store.FeedFormat, data []byte) ([]*store.FeedIndicator, error) {
	var entries []rawEntry
	var err error
	switch format {
	case store.FormatJSON:
		entries, err = parseJSON(data)
	case store.FormatCSV:
		entries, err = parseCSV(data)
	case store.FormatXML:
		entries, err = parseXML(data)
	case store.FormatSTIX:
		entries, err = parseSTIX(data)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrParse, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var out []*store.FeedIndicator
	for _, e := range entries {
		t, cerr := ioc.Classify(e.Value)
		if cerr != nil {
			continue
		}
		out = append(out, &store.FeedIndicator{
			Value:       ioc.Normalize(e.Value, t),
			Type:        t,
			Confidence:  clampConfidence(e.Confidence),
			ThreatLevel: normalizeThreatLevel(e.ThreatLevel),
			Description: e.Description,
			Tags:        e.Tags,
		})
	}
	return out, nil
}

// valueFields are the field names feeds commonly use for the indicator
// value, tried in order.
var valueFields = []string{"value", "indicator", "ioc", "observable", "artifact", "domain", "ip", "hash", "url"}

func entryFromMap(m map[string]any) (rawEntry, bool) {
	var e rawEntry
	for _, f := range valueFields {
		if v, ok := m[f]; ok {
			if s := strings.TrimSpace(anyToString(v)); s != "" {
				e.Value = s
				break
			}
		}
	}
	if e.Value == "" {
		return e, false
	}

	e.Confidence = 50
	for _, f := range []string{"confidence", "score"} {
		if v, ok := m[f]; ok {
			if n, err := strconv.Atoi(strings.TrimSpace(anyToString(v))); err == nil {
				e.Confidence = n
				break
			}
		}
	}
	for _, f := range []string{"threat_level", "severity"} {
		if v, ok := m[f]; ok {
			e.ThreatLevel = anyToString(v)
			break
		}
	}
	for _, f := range []string{"description", "comment"} {
		if v, ok := m[f]; ok {
			e.Description = anyToString(v)
			break
		}
	}
	for _, f := range []string{"tags", "labels"} {
		v, ok := m[f]
		if !ok {
			continue
		}
		switch tv := v.(type) {
		case []any:
			for _, item := range tv {
				if s := strings.TrimSpace(anyToString(item)); s != "" {
					e.Tags = append(e.Tags, s)
				}
			}
		case string:
			for _, s := range strings.Split(tv, ",") {
				if s = strings.TrimSpace(s); s != "" {
					e.Tags = append(e.Tags, s)
				}
			}
		}
		break
	}
	return e, true
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func clampConfidence(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func normalizeThreatLevel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return "low"
	case "high":
		return "high"
	default:
		return "medium"
	}
}

// parseJSON accepts either a bare array of records or an object wrapping
// the array under a well-known key.
func parseJSON(data []byte) ([]rawEntry, error) {
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err == nil {
		return entriesFromMaps(list), nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	for _, key := range []string{"indicators", "iocs", "threats", "data"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return entriesFromMaps(list), nil
	}
	return nil, nil
}

func entriesFromMaps(list []map[string]any) []rawEntry {
	var out []rawEntry
	for _, m := range list {
		if e, ok := entryFromMap(m); ok {
			out = append(out, e)
		}
	}
	return out
}

// parseCSV expects a header row naming the columns.
func parseCSV(data []byte) ([]rawEntry, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var out []rawEntry
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(rec) {
				m[h] = rec[i]
			}
		}
		if e, ok := entryFromMap(m); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// parseXML walks the document collecting <indicator>, <ioc> and <threat>
// elements; each child element becomes one field of the record.
func parseXML(data []byte) ([]rawEntry, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []rawEntry
	var sawRoot bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		name := strings.ToLower(start.Name.Local)
		if name != "indicator" && name != "ioc" && name != "threat" {
			continue
		}
		m, err := decodeXMLRecord(dec, start)
		if err != nil {
			return nil, err
		}
		if e, ok := entryFromMap(m); ok {
			out = append(out, e)
		}
	}
	if !sawRoot {
		return nil, errors.New("no xml content")
	}
	return out, nil
}

func decodeXMLRecord(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	m := map[string]any{}
	var field struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := dec.DecodeElement(&field, &t); err != nil {
				return nil, err
			}
			m[strings.ToLower(field.XMLName.Local)] = strings.TrimSpace(field.Value)
		case xml.EndElement:
			if t.Name == start.Name {
				return m, nil
			}
		}
	}
}

// stixPatterns maps STIX observable paths to indicator types. Only the
// subset that maps cleanly onto the indicator model is recognized;
// unhandled patterns are skipped.
var stixPatterns = map[string]ioc.Type{
	"file:hashes.MD5":        ioc.TypeMD5,
	"file:hashes.'SHA-1'":    ioc.TypeSHA1,
	"file:hashes.'SHA-256'":  ioc.TypeSHA256,
	"domain-name:value":      ioc.TypeDomain,
	"ipv4-addr:value":        ioc.TypeIP,
	"url:value":              ioc.TypeURL,
	"email-addr:value":       ioc.TypeEmail,
}

// parseSTIX reads a STIX 2.x bundle and extracts single-comparison
// indicator patterns.
func parseSTIX(data []byte) ([]rawEntry, error) {
	var bundle struct {
		Objects []struct {
			Type    string   `json:"type"`
			Name    string   `json:"name"`
			Pattern string   `json:"pattern"`
			Labels  []string `json:"labels"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, err
	}

	var out []rawEntry
	for _, obj := range bundle.Objects {
		if obj.Type != "indicator" {
			continue
		}
		value := ""
		for path := range stixPatterns {
			if strings.Contains(obj.Pattern, path) {
				value = patternValue(obj.Pattern)
				break
			}
		}
		if value == "" {
			continue
		}
		out = append(out, rawEntry{
			Value:       value,
			Confidence:  75,
			ThreatLevel: "medium",
			Description: obj.Name,
			Tags:        obj.Labels,
		})
	}
	return out, nil
}

// patternValue extracts the compared literal from a STIX pattern like
// [file:hashes.MD5 = 'abc...']. The value is the first quoted string
// after the comparison operator.
func patternValue(pattern string) string {
	i := strings.Index(pattern, "=")
	if i < 0 {
		return ""
	}
	rest := pattern[i+1:]
	open := strings.Index(rest, "'")
	if open < 0 {
		return ""
	}
	rest = rest[open+1:]
	end := strings.Index(rest, "'")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
