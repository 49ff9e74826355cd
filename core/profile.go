package core

import (
	"time"
)

// MaxProfileEntries caps the bounded "typical" sets on a behavior profile.
const MaxProfileEntries = 10

// UserBehaviorProfile holds per-principal rolling baselines used for anomaly
// scoring: typical network origins, countries, client signatures, active
// hours, endpoint frequencies, and running login counters. Profiles are
// persisted with a 30-day TTL; concurrent writers may observe approximate
// staleness, which is acceptable for baseline data.
type UserBehaviorProfile struct {
	UserID            string           `json:"user_id" msgpack:"user_id"`
	TypicalIPs        []string         `json:"typical_ips" msgpack:"typical_ips"`
	TypicalCountries  []string         `json:"typical_countries" msgpack:"typical_countries"`
	TypicalUserAgents []string         `json:"typical_user_agents" msgpack:"typical_user_agents"`
	TypicalHours      []int            `json:"typical_hours" msgpack:"typical_hours"`
	EndpointFrequency map[string]int64 `json:"endpoint_frequency" msgpack:"endpoint_frequency"`
	TotalRequests     int64            `json:"total_requests" msgpack:"total_requests"`
	FailedLogins      int64            `json:"failed_logins" msgpack:"failed_logins"`
	SuccessfulLogins  int64            `json:"successful_logins" msgpack:"successful_logins"`
	FirstSeen         time.Time        `json:"first_seen" msgpack:"first_seen"`
	LastSeen          time.Time        `json:"last_seen" msgpack:"last_seen"`
}

// NewUserBehaviorProfile creates an empty profile for a principal.
func NewUserBehaviorProfile(userID string) *UserBehaviorProfile {
	now := time.Now().UTC()
	return &UserBehaviorProfile{
		UserID:            userID,
		EndpointFrequency: make(map[string]int64),
		FirstSeen:         now,
		LastSeen:          now,
	}
}

// HasSamples reports whether the profile has at least one observed event,
// used for the cold-start exemption in behavioral scoring.
func (p *UserBehaviorProfile) HasSamples() bool {
	return p.TotalRequests > 0
}

// KnowsIP reports whether the source address is in the typical set.
func (p *UserBehaviorProfile) KnowsIP(ip string) bool {
	return containsString(p.TypicalIPs, ip)
}

// KnowsCountry reports whether the country is in the typical set.
func (p *UserBehaviorProfile) KnowsCountry(country string) bool {
	return containsString(p.TypicalCountries, country)
}

// KnowsUserAgent reports whether the client signature is in the typical set.
func (p *UserBehaviorProfile) KnowsUserAgent(ua string) bool {
	return containsString(p.TypicalUserAgents, ua)
}

// HourDistance returns the minimum circular distance (0-12) between an hour
// and the closest typical active hour. Returns -1 when no hours are recorded.
func (p *UserBehaviorProfile) HourDistance(hour int) int {
	if len(p.TypicalHours) == 0 {
		return -1
	}
	best := 12
	for _, h := range p.TypicalHours {
		d := hour - h
		if d < 0 {
			d = -d
		}
		if d > 12 {
			d = 24 - d
		}
		if d < best {
			best = d
		}
	}
	return best
}

// Observe folds one event into the profile. Typical sets are bounded: the
// oldest entry is evicted once MaxProfileEntries is reached.
func (p *UserBehaviorProfile) Observe(event *SecurityEvent) {
	if event.SourceIP != "" {
		p.TypicalIPs = appendBounded(p.TypicalIPs, event.SourceIP)
	}
	if event.Country != "" {
		p.TypicalCountries = appendBounded(p.TypicalCountries, event.Country)
	}
	if event.UserAgent != "" {
		p.TypicalUserAgents = appendBounded(p.TypicalUserAgents, event.UserAgent)
	}
	hour := event.Timestamp.UTC().Hour()
	if !containsInt(p.TypicalHours, hour) {
		p.TypicalHours = append(p.TypicalHours, hour)
	}
	if event.Endpoint != "" {
		if p.EndpointFrequency == nil {
			p.EndpointFrequency = make(map[string]int64)
		}
		p.EndpointFrequency[event.Endpoint]++
	}
	switch event.EventType {
	case EventTypeAuthFailure:
		p.FailedLogins++
	case EventTypeAuthSuccess:
		p.SuccessfulLogins++
	}
	p.TotalRequests++
	p.LastSeen = event.Timestamp.UTC()
}

func appendBounded(set []string, value string) []string {
	if containsString(set, value) {
		return set
	}
	set = append(set, value)
	if len(set) > MaxProfileEntries {
		set = set[len(set)-MaxProfileEntries:]
	}
	return set
}

func containsString(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func containsInt(set []int, value int) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}
