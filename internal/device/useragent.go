package device

import (
	"regexp"
	"strings"
)

const unknown = "unknown"

// Info is the raw client-supplied device description. Missing fields stay
// empty; normalization fills what it can from the user agent.
type Info struct {
	DeviceType     string
	OSName         string
	OSVersion      string
	BrowserName    string
	BrowserVersion string
	UserAgent      string
	ClientID       string
	AppVersion     string
}

var (
	tabletRe = regexp.MustCompile(`(?i)ipad|tablet|kindle|silk|playbook`)
	mobileRe = regexp.MustCompile(`(?i)mobi|iphone|ipod|android.*mobile|windows phone|blackberry`)

	osPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"iOS", regexp.MustCompile(`(?i)(?:iphone|ipad|ipod).*?os (\d+[_.]\d+(?:[_.]\d+)?)`)},
		{"Android", regexp.MustCompile(`(?i)android (\d+(?:\.\d+)*)`)},
		{"Windows", regexp.MustCompile(`(?i)windows nt (\d+(?:\.\d+)*)`)},
		{"macOS", regexp.MustCompile(`(?i)mac os x (\d+[_.]\d+(?:[_.]\d+)?)`)},
		{"Linux", regexp.MustCompile(`(?i)linux`)},
	}

	browserPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		// Order matters: Edge and Opera carry a Chrome token, Chrome
		// carries a Safari token.
		{"Edge", regexp.MustCompile(`(?i)edge?/(\d+(?:\.\d+)*)`)},
		{"Opera", regexp.MustCompile(`(?i)(?:opera|opr)/(\d+(?:\.\d+)*)`)},
		{"Chrome", regexp.MustCompile(`(?i)chrome/(\d+(?:\.\d+)*)`)},
		{"Firefox", regexp.MustCompile(`(?i)firefox/(\d+(?:\.\d+)*)`)},
		{"Safari", regexp.MustCompile(`(?i)version/(\d+(?:\.\d+)*).*safari`)},
	}
)

// Normalize fills missing fields from the user agent. Values that cannot be
// derived become "unknown". Normalization is idempotent.
func Normalize(info Info) Info {
	ua := info.UserAgent

	if info.DeviceType == "" {
		switch {
		case tabletRe.MatchString(ua):
			info.DeviceType = "tablet"
		case mobileRe.MatchString(ua):
			info.DeviceType = "mobile"
		case ua != "":
			info.DeviceType = "desktop"
		default:
			info.DeviceType = unknown
		}
	}

	if info.OSName == "" {
		info.OSName, info.OSVersion = matchVersioned(ua, osPatterns, info.OSVersion)
	}
	if info.OSVersion == "" {
		info.OSVersion = unknown
	}

	if info.BrowserName == "" {
		info.BrowserName, info.BrowserVersion = matchVersioned(ua, browserPatterns, info.BrowserVersion)
	}
	if info.BrowserVersion == "" {
		info.BrowserVersion = unknown
	}

	return info
}

func matchVersioned(ua string, patterns []struct {
	name string
	re   *regexp.Regexp
}, version string) (string, string) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(ua)
		if m == nil {
			continue
		}
		if version == "" && len(m) > 1 {
			version = strings.ReplaceAll(m[1], "_", ".")
		}
		return p.name, version
	}
	return unknown, version
}
