package domain

import (
	"strings"
	"time"
)

// DefaultMatchThreshold is the similarity ratio a presented fingerprint's
// non-critical fields must reach against the stored one.
const DefaultMatchThreshold = 0.8

// DeviceFingerprint is a snapshot of client characteristics used to detect
// session hijacking. A session owns its fingerprint as a copy, never a
// shared reference.
type DeviceFingerprint struct {
	UserAgent        string    `json:"user_agent,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	ColorDepth       string    `json:"color_depth,omitempty"`
	CanvasHash       string    `json:"canvas_hash,omitempty"`
	AudioHash        string    `json:"audio_hash,omitempty"`
	Language         string    `json:"language,omitempty"`
	Fonts            []string  `json:"fonts,omitempty"`
	Plugins          []string  `json:"plugins,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastSeen         time.Time `json:"last_seen"`
}

// Clone returns a deep copy, or nil for a nil receiver.
func (f *DeviceFingerprint) Clone() *DeviceFingerprint {
	if f == nil {
		return nil
	}
	c := *f
	if f.Fonts != nil {
		c.Fonts = append([]string(nil), f.Fonts...)
	}
	if f.Plugins != nil {
		c.Plugins = append([]string(nil), f.Plugins...)
	}
	return &c
}

// Matches compares f against other. The critical fields (user agent,
// platform, timezone) must match exactly; the remaining fields where both
// sides carry a value contribute to a similarity ratio that must reach
// threshold. When no comparable non-critical field overlaps, the match
// fails rather than succeeding vacuously.
func (f *DeviceFingerprint) Matches(other *DeviceFingerprint, threshold float64) bool {
	if f == nil || other == nil {
		return false
	}
	if f.UserAgent != other.UserAgent || f.Platform != other.Platform || f.Timezone != other.Timezone {
		return false
	}

	pairs := [][2]string{
		{f.ScreenResolution, other.ScreenResolution},
		{f.ColorDepth, other.ColorDepth},
		{f.CanvasHash, other.CanvasHash},
		{f.AudioHash, other.AudioHash},
		{f.Language, other.Language},
		{strings.Join(f.Fonts, ","), strings.Join(other.Fonts, ",")},
		{strings.Join(f.Plugins, ","), strings.Join(other.Plugins, ",")},
	}
	overlap, matched := 0, 0
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		overlap++
		if p[0] == p[1] {
			matched++
		}
	}
	if overlap == 0 {
		return false
	}
	return float64(matched)/float64(overlap) >= threshold
}
