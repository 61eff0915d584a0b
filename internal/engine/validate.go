package engine

import (
	"strings"
	"unicode"

	"github.com/lazypower/rankd/internal/usage"
)

// Size limits for caller-supplied strings.
const (
	maxResourceChars = 4096
	maxIDChars       = 256
	maxTitleChars    = 512
	maxMimeChars     = 128
)

// validateInterval normalizes a usage report and rejects ones the store
// cannot key. Sentinels in Activity and Agent are left for the caller to
// resolve.
func validateInterval(iv usage.Interval) (usage.Interval, error) {
	switch iv.Kind {
	case usage.Accessed, usage.Opened, usage.Closed:
	case "":
		iv.Kind = usage.Accessed
	default:
		return iv, usage.Errorf(usage.InvalidQuery, "unknown interval kind %q", iv.Kind)
	}

	var err error
	if iv.Key, err = validateKey(iv.Key); err != nil {
		return iv, err
	}
	if iv.End != nil && iv.End.Before(iv.Start) {
		return iv, usage.Errorf(usage.InvalidQuery, "interval for %s ends before it starts", iv.Resource)
	}

	iv.Title = truncateClean(strings.TrimSpace(iv.Title), maxTitleChars)
	iv.MimeType = strings.ToLower(strings.TrimSpace(iv.MimeType))
	if len(iv.MimeType) > maxMimeChars || hasControl(iv.MimeType) {
		return iv, usage.Errorf(usage.InvalidQuery, "bad mimetype for %s", iv.Resource)
	}
	return iv, nil
}

// validateKey trims identifiers and checks sizes. Empty activity and agent
// stay empty; they mean :current.
func validateKey(k usage.Key) (usage.Key, error) {
	k.Resource = strings.TrimSpace(k.Resource)
	if k.Resource == "" {
		return k, usage.Errorf(usage.InvalidQuery, "empty resource")
	}
	if len(k.Resource) > maxResourceChars {
		return k, usage.Errorf(usage.InvalidQuery, "resource too long (%d chars, max %d)", len(k.Resource), maxResourceChars)
	}
	if hasControl(k.Resource) {
		return k, usage.Errorf(usage.InvalidQuery, "resource contains control characters")
	}

	k.Activity = strings.TrimSpace(k.Activity)
	k.Agent = strings.TrimSpace(k.Agent)
	for field, v := range map[string]string{"activity": k.Activity, "agent": k.Agent} {
		if len(v) > maxIDChars {
			return k, usage.Errorf(usage.InvalidQuery, "%s too long (%d chars, max %d)", field, len(v), maxIDChars)
		}
		if hasControl(v) || strings.Contains(v, "*") {
			return k, usage.Errorf(usage.InvalidQuery, "%s %q is not a valid identifier", field, v)
		}
	}
	return k, nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	// Back up to last space
	truncated := strings.ToValidUTF8(s[:maxLen], "")
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > len(truncated)-40 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
