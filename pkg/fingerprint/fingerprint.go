package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Data contains the client signals used to generate a device fingerprint
type Data struct {
	UserAgent string
	IPAddress string
	Extra     string // optional caller-supplied salt, e.g. a mobile device ID
}

// Generate creates a stable fingerprint for a device based on the provided data.
// The fingerprint is a SHA-256 hash of the combined signals. The same inputs
// always produce the same fingerprint across process restarts; collisions are
// treated as the same device.
func Generate(data Data) string {
	combined := fmt.Sprintf("%s|%s|%s",
		data.UserAgent,
		data.IPAddress,
		data.Extra,
	)

	hash := sha256.Sum256([]byte(combined))

	return hex.EncodeToString(hash[:])
}

// FromRequest extracts fingerprint data from an HTTP request
func FromRequest(r *http.Request) Data {
	return Data{
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
		Extra:     r.Header.Get("X-Device-ID"),
	}
}

// RequestFingerprint is a convenience function that extracts data from a request
// and generates a fingerprint in one step
func RequestFingerprint(r *http.Request) string {
	return Generate(FromRequest(r))
}

// clientIP returns the originating client IP, preferring the first entry of
// X-Forwarded-For when the request came through a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	// RemoteAddr carries host:port
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
