package media

import (
	"fmt"
	"sort"
)

// Resolution maps an aspect ratio to the output frame size. Unknown or empty
// ratios get 1920x1080.
func Resolution(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case "9:16":
		return 1080, 1920
	case "4:5":
		return 1080, 1350
	case "1:1":
		return 1080, 1080
	default:
		return 1920, 1080
	}
}

// Preset is a platform export target. A zero MaxDuration means no cap.
type Preset struct {
	Name        string  `json:"name"`
	AspectRatio string  `json:"aspect_ratio"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	MaxDuration float64 `json:"max_duration,omitempty"`
}

var presets = map[string]Preset{
	"tiktok":          {Name: "tiktok", AspectRatio: "9:16", Width: 1080, Height: 1920, MaxDuration: 60},
	"instagram_reels": {Name: "instagram_reels", AspectRatio: "9:16", Width: 1080, Height: 1920, MaxDuration: 90},
	"youtube_shorts":  {Name: "youtube_shorts", AspectRatio: "9:16", Width: 1080, Height: 1920, MaxDuration: 60},
	"instagram_feed":  {Name: "instagram_feed", AspectRatio: "4:5", Width: 1080, Height: 1350, MaxDuration: 60},
	"square":          {Name: "square", AspectRatio: "1:1", Width: 1080, Height: 1080},
	"youtube":         {Name: "youtube", AspectRatio: "16:9", Width: 1920, Height: 1080},
}

func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// Presets lists every export preset by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fitFilter scales into a W×H frame keeping the aspect ratio and pads the
// remainder with black bars.
func fitFilter(width, height int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		width, height, width, height,
	)
}
