package ml

import (
	"net"
	"strings"

	"sentinel/core"
)

// FeatureDim is the dimensionality of vectors produced by ExtractFeatures.
const FeatureDim = 11

var mobileMarkers = []string{"mobile", "android", "iphone", "ipad", "ipod"}

var botMarkers = []string{"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests"}

// ExtractFeatures maps an event to a fixed-order numeric vector. The layout
// must stay stable across retrains; append new features at the end only.
//
//	0  hour of day in UTC (0-23)
//	1  day of week in UTC (0-6, Sunday=0)
//	2  source address is private
//	3  source address is loopback
//	4  source address is multicast
//	5  user agent looks mobile
//	6  user agent looks automated
//	7  user agent length
//	8  event is an authentication failure
//	9  event is a rate limit hit
//	10 endpoint path length
func ExtractFeatures(event *core.SecurityEvent) []float64 {
	v := make([]float64, FeatureDim)
	ts := event.Timestamp.UTC()
	v[0] = float64(ts.Hour())
	v[1] = float64(ts.Weekday())

	if ip := net.ParseIP(event.SourceIP); ip != nil {
		v[2] = boolFeature(ip.IsPrivate())
		v[3] = boolFeature(ip.IsLoopback())
		v[4] = boolFeature(ip.IsMulticast())
	}

	ua := strings.ToLower(event.UserAgent)
	v[5] = boolFeature(containsAny(ua, mobileMarkers))
	v[6] = boolFeature(containsAny(ua, botMarkers))
	v[7] = float64(len(event.UserAgent))

	v[8] = boolFeature(event.IsAuthFailure())
	v[9] = boolFeature(event.IsRateLimitHit())
	v[10] = float64(len(event.Endpoint))
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
