package logger

import "strings"

// RedactEmail masks a recipient address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactProxyURL strips embedded credentials from a proxy address of the form
// user:pass@host:port so it can be logged.
func RedactProxyURL(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return "***@" + addr[i+1:]
	}
	return addr
}
