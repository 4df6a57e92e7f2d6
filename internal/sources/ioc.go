package sources

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/intelpipe/backend/internal/storage/models"
)

var (
	hexRe    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	cveRe    = regexp.MustCompile(`(?i)^CVE-\d{4}-\d{4,}$`)
	emailRe  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)
	domainRe = regexp.MustCompile(`(?i)^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\.?$`)
)

// DetectIndicatorType classifies a raw IOC string by shape.
func DetectIndicatorType(value string) models.IndicatorType {
	v := strings.TrimSpace(value)
	if v == "" {
		return models.IndicatorUnknown
	}

	if hexRe.MatchString(v) {
		switch len(v) {
		case 32:
			return models.IndicatorMD5
		case 40:
			return models.IndicatorSHA1
		case 64:
			return models.IndicatorSHA256
		}
	}

	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return models.IndicatorURL
	}
	if addr, err := netip.ParseAddr(v); err == nil {
		if addr.Is4() {
			return models.IndicatorIPv4
		}
		return models.IndicatorIPv6
	}
	if cveRe.MatchString(v) {
		return models.IndicatorCVE
	}
	if emailRe.MatchString(v) {
		return models.IndicatorEmail
	}
	if domainRe.MatchString(v) {
		return models.IndicatorDomain
	}
	return models.IndicatorUnknown
}

// normalizeIndicatorType maps provider type names (OTX, MISP) onto the shared
// vocabulary, falling back to shape detection.
func normalizeIndicatorType(providerType, value string) models.IndicatorType {
	switch strings.ToLower(providerType) {
	case "ipv4":
		return models.IndicatorIPv4
	case "ip-dst", "ip-src":
		// MISP uses one attribute type for both families.
		if DetectIndicatorType(value) == models.IndicatorIPv6 {
			return models.IndicatorIPv6
		}
		return models.IndicatorIPv4
	case "ipv6":
		return models.IndicatorIPv6
	case "domain", "hostname":
		return models.IndicatorDomain
	case "url", "uri", "link":
		return models.IndicatorURL
	case "filehash-md5", "md5":
		return models.IndicatorMD5
	case "filehash-sha1", "sha1":
		return models.IndicatorSHA1
	case "filehash-sha256", "sha256":
		return models.IndicatorSHA256
	case "cve", "vulnerability":
		return models.IndicatorCVE
	case "email", "email-src", "email-dst":
		return models.IndicatorEmail
	}
	return DetectIndicatorType(value)
}
