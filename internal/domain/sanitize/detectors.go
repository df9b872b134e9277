package sanitize

import (
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

// traversalPattern matches a ".." path segment in either separator style.
var traversalPattern = regexp.MustCompile(`(?:^|[\\/])\.\.(?:[\\/]|$)`)

// detectPathTraversal flags ".." segments and, when a root is configured,
// absolute paths escaping it.
func detectPathTraversal(val, root string) string {
	if traversalPattern.MatchString(val) {
		return "path traversal sequence"
	}
	if root != "" && (strings.HasPrefix(val, "/") || strings.HasPrefix(val, `\`)) {
		rel, err := filepath.Rel(root, filepath.Clean(val))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "absolute path outside allowed root"
		}
	}
	return ""
}

// shellTokens are metacharacters that chain or substitute commands.
// Longer tokens come first so the reported token is the most specific.
var shellTokens = []string{"$(", "&&", "||", "`", ";", "|"}

func detectShellInjection(val string) string {
	for _, tok := range shellTokens {
		if strings.Contains(val, tok) {
			return "shell metacharacter " + quoteToken(tok)
		}
	}
	return ""
}

// quoteToken wraps a token for a client-facing detail string.
func quoteToken(tok string) string {
	return `"` + tok + `"`
}

var sqlPatterns = []*regexp.Regexp{
	// tautologies: OR 1=1 and the quoted variants
	regexp.MustCompile(`(?i)\bor\s+'?1'?\s*=\s*'?1\b`),
	regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`),
	// comment markers after a quote or statement separator
	regexp.MustCompile(`['";]\s*--`),
	regexp.MustCompile(`/\*`),
}

func detectSQLInjection(val string) string {
	for _, re := range sqlPatterns {
		if re.MatchString(val) {
			return "sql injection pattern"
		}
	}
	return ""
}

// urlHostPattern extracts the host part of http(s) URLs inside a string.
var urlHostPattern = regexp.MustCompile(`(?i)\bhttps?://([^/\s:@?#]+)(?::\d+)?`)

// metadataHosts are cloud metadata endpoints, blocked in every posture.
var metadataHosts = map[string]struct{}{
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
}

// detectSSRF flags URLs addressing metadata services, loopback, and
// private ranges. allowPrivate exempts RFC 1918 and loopback only.
func detectSSRF(val string, allowPrivate bool) string {
	// Metadata IPs are hostile wherever they appear, URL or not.
	if strings.Contains(val, "169.254.169.254") {
		return "cloud metadata endpoint"
	}

	for _, m := range urlHostPattern.FindAllStringSubmatch(val, -1) {
		host := strings.ToLower(strings.Trim(m[1], "[]"))
		if _, hit := metadataHosts[host]; hit {
			return "cloud metadata endpoint"
		}
		if allowPrivate {
			continue
		}
		if host == "localhost" || host == "0.0.0.0" {
			return "loopback host " + quoteToken(host)
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
				return "private or loopback address"
			}
		}
	}
	return ""
}

// blockedSchemePattern matches schemes that reach local files or internal
// services when fetched. The boundary keeps "profile://" style names clean.
var blockedSchemePattern = regexp.MustCompile(`(?i)\b(file|gopher|dict|ldap|tftp)://`)

func detectURLScheme(val string) string {
	m := blockedSchemePattern.FindStringSubmatch(val)
	if m == nil {
		return ""
	}
	return "blocked url scheme " + quoteToken(strings.ToLower(m[1]))
}
