package record

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

// Parse converts a raw provider record into a CanonicalRecord. It is a pure
// transformation; fetch and store live in the sync pipeline.
func Parse(raw *provider.RawRecord) *CanonicalRecord {
	rec := &CanonicalRecord{
		SourceID: raw.ID,
		Provider: raw.Provider,
		Kind:     raw.Kind,
		Headers:  map[string]string{},
	}

	for k, v := range raw.Fields {
		rec.Headers[k] = v
	}

	rec.ThreadID = raw.Fields["threadId"]
	rec.Subject = raw.Fields["Subject"]
	rec.Snippet = raw.Fields["snippet"]
	if labels := raw.Fields["labels"]; labels != "" {
		rec.Labels = splitAddrs(labels)
	}

	rec.SenderName, rec.SenderEmail = ParseAddress(raw.Fields["From"])
	rec.To = splitAddrs(raw.Fields["To"])
	rec.Cc = splitAddrs(raw.Fields["Cc"])

	rec.Body = ExtractBody(raw.Parts)
	if rec.Body == "" {
		rec.Body = raw.Fields["body"]
	}

	dateField := raw.Fields["Date"]
	if dateField == "" {
		dateField = raw.Fields["date"]
	}
	rec.OccurredAt, rec.DateInferred = ParseDate(dateField)

	if mod := raw.Fields["lastModified"]; mod != "" {
		if t, err := time.Parse(time.RFC3339, mod); err == nil {
			rec.LastModified = t
		}
	}

	return rec
}

// ParseAddress splits "Name <email>" into name and email. When no
// angle-bracket form is present the raw string serves as both.
func ParseAddress(s string) (name, email string) {
	s = strings.TrimSpace(s)
	open := strings.LastIndex(s, "<")
	end := strings.LastIndex(s, ">")
	if open >= 0 && end > open {
		name = strings.Trim(strings.TrimSpace(s[:open]), `"`)
		email = strings.TrimSpace(s[open+1 : end])
		if name == "" {
			name = email
		}
		return name, email
	}
	return s, s
}

// ExtractBody walks message parts preferring text/plain, falling back to
// text/html, recursing into nested multiparts.
func ExtractBody(parts []provider.BodyPart) string {
	if body := findPart(parts, "text/plain"); body != "" {
		return body
	}
	return findPart(parts, "text/html")
}

func findPart(parts []provider.BodyPart, mimeType string) string {
	for _, p := range parts {
		if strings.HasPrefix(p.MimeType, mimeType) && p.Content != "" {
			return p.Content
		}
	}
	for _, p := range parts {
		if nested := findPart(p.Parts, mimeType); nested != "" {
			return nested
		}
	}
	return ""
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses a provider date string. Structured parse first; on
// failure a bare year yields Jan 1 of that year, and with no year at all the
// current time is used. inferred reports whether a fallback was taken.
func ParseDate(s string) (t time.Time, inferred bool) {
	s = strings.TrimSpace(s)
	if s != "" {
		// Epoch millis (Gmail internalDate).
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
			return time.UnixMilli(ms).UTC(), false
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), false
			}
		}
		if m := yearRe.FindString(s); m != "" {
			year, _ := strconv.Atoi(m)
			return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Now().UTC(), true
}

// splitAddrs parses comma-separated values, trimming blanks.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
