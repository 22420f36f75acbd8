package domain

import "time"

// Finding is a single vetted news item produced by the research phase
type Finding struct {
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonical_url"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	Score        float64   `json:"score"`
	Provider     string    `json:"provider"`
}

// VideoRef points at a rendered video and its narration
type VideoRef struct {
	Script         string `json:"script"`
	Narration      string `json:"narration"`
	JobHandle      string `json:"job_handle"`
	VideoURL       string `json:"video_url"`
	AudioHandle    string `json:"audio_handle"`
	RenderProvider string `json:"render_provider"`
	VoiceProvider  string `json:"voice_provider"`
}

// ArtifactSet is the final bundle produced once per completed run
type ArtifactSet struct {
	RunID      string    `json:"run_id"`
	Query      []string  `json:"query"`
	Findings   []Finding `json:"findings"`
	Impact     string    `json:"impact"`
	Blog       string    `json:"blog"`
	SocialPost string    `json:"social_post"`
	Video      *VideoRef `json:"video,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy of the artifact set
func (a ArtifactSet) Clone() ArtifactSet {
	c := a
	c.Query = append([]string(nil), a.Query...)
	c.Findings = append([]Finding(nil), a.Findings...)
	if a.Video != nil {
		v := *a.Video
		c.Video = &v
	}
	return c
}

// HasText reports whether all text artifacts are present
func (a ArtifactSet) HasText() bool {
	return len(a.Findings) > 0 && a.Impact != "" && a.Blog != "" && a.SocialPost != ""
}
