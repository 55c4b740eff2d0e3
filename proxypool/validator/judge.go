package validator

import (
	"net"
	"regexp"
	"strings"

	"egress_nexus/proxypool/model"
)

// ipPatterns are tried in order; the first capture that parses as an IP wins.
var ipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"origin"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"ip"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`REMOTE_ADDR\s*=\s*([0-9A-Fa-f:.]+)`),
	regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3})\b`),
	regexp.MustCompile(`([0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7})`),
}

// ExtractIP finds the caller IP a judge echoed in body.
func ExtractIP(body string) (string, bool) {
	for _, re := range ipPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			// "origin" may carry a forwarding chain: "1.2.3.4, 5.6.7.8"
			for _, tok := range strings.Split(m[1], ",") {
				tok = strings.TrimSpace(tok)
				if net.ParseIP(tok) != nil {
					return tok, true
				}
			}
		}
	}
	return "", false
}

var proxyHeaderMarkers = []string{"x-forwarded-for", "http_x_forwarded_for", "\"via\"", "http_via", "forwarded"}

// DetectAnonymity classifies a judge response. realIP is our own public address; empty
// disables the transparent check.
func DetectAnonymity(body, realIP string) model.Anonymity {
	if realIP != "" && strings.Contains(body, realIP) {
		return model.AnonymityTransparent
	}
	lower := strings.ToLower(body)
	for _, marker := range proxyHeaderMarkers {
		if strings.Contains(lower, marker) {
			return model.AnonymityAnonymous
		}
	}
	return model.AnonymityElite
}
