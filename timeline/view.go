package timeline

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"PrismVideo-server/models"
)

// PlaceholderImage is shown while no shot has been rendered.
const PlaceholderImage = "https://images.unsplash.com/photo-1490645935967-10de6ba17061?q=80&w=2053&auto=format&fit=crop"

const (
	placeholderSegments = 4
	audioBars           = 100
)

const (
	OverlayPlay  = "play"
	OverlayPause = "pause"
)

type Segment struct {
	Index       int           `json:"index"`
	ShotID      models.ShotID `json:"shot_id,omitempty"`
	Label       string        `json:"label"`
	Active      bool          `json:"active"`
	Placeholder bool          `json:"placeholder"`
}

// View is everything a client needs to draw the player and the timeline.
type View struct {
	Source     string    `json:"source"`
	IsVideo    bool      `json:"is_video"`
	Autoplay   bool      `json:"autoplay"`
	Overlay    string    `json:"overlay"`
	Player     Player    `json:"player"`
	Counter    string    `json:"counter"`
	ShotCount  int       `json:"shot_count"`
	Segments   []Segment `json:"segments"`
	AudioBars  []int     `json:"audio_bars"`
	Resolution string    `json:"resolution,omitempty"`
}

// Render derives the view. seed only feeds the decorative audio bars.
func Render(assets models.ShotAssets, p Player, seed string) View {
	v := View{
		Source:    PlaceholderImage,
		Autoplay:  p.Playing,
		Overlay:   OverlayPlay,
		Player:    p,
		ShotCount: len(assets),
		AudioBars: audioWave(seed),
	}
	if p.Playing {
		v.Overlay = OverlayPause
	}
	// the player may point past a list that has since shrunk
	active := 0
	if len(assets) > 0 {
		active = min(max(p.ActiveShot, 0), len(assets)-1)
		cur := assets[active]
		v.Source = cur.VideoURL
		v.IsVideo = true
		v.Resolution = cur.Resolution
	}
	v.Player.ActiveShot = active
	v.Counter = fmt.Sprintf("Shot %d / %d", active+1, max(len(assets), 1))

	if assets == nil {
		v.Segments = make([]Segment, placeholderSegments)
		for i := range v.Segments {
			v.Segments[i] = Segment{Index: i, Label: fmt.Sprintf("Shot %d", i+1), Placeholder: true}
		}
		return v
	}
	v.Segments = make([]Segment, len(assets))
	for i, a := range assets {
		v.Segments[i] = Segment{
			Index:  i,
			ShotID: a.ShotID,
			Label:  fmt.Sprintf("Shot %d", i+1),
			Active: i == active,
		}
	}
	return v
}

// audioWave returns decorative bar heights in [0,100). They are not derived
// from any audio; the seed only keeps them stable across re-renders.
func audioWave(seed string) []int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	sum := h.Sum64()
	rng := rand.New(rand.NewPCG(sum, sum>>1|1))
	bars := make([]int, audioBars)
	for i := range bars {
		bars[i] = rng.IntN(100)
	}
	return bars
}
