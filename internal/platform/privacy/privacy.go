// Package privacy holds helpers for logging personally identifiable
// information without retaining it.
package privacy

import (
	"fmt"
	"net"
)

// AnonymizeIP truncates an IP address so the stored value no longer
// identifies a single host. IPv4 addresses lose their last octet (a /24),
// IPv6 addresses keep only the /48 prefix.
//
// Returns "invalid" for unparseable input and "unknown" for empty strings.
func AnonymizeIP(ip string) string {
	if ip == "" {
		return "unknown"
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::",
		parsed[0], parsed[1],
		parsed[2], parsed[3],
		parsed[4], parsed[5])
}
