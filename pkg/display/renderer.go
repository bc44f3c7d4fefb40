package display

import (
	"fmt"
	"strings"
)

const imagePrefix = "images/"

// Frame is the display artifact for one state: a mood image drawn over an
// optional background.
type Frame struct {
	Mood            string `json:"mood"`
	MoodImage       string `json:"mood_image"`
	Background      string `json:"background,omitempty"`
	BackgroundImage string `json:"background_image,omitempty"`
}

type Renderer interface {
	Render(mood, background string) Frame
}

// FrameRenderer resolves moods and backgrounds to image paths.
type FrameRenderer struct {
	vocab       *Vocabulary
	backgrounds map[string]string
	imageRoot   string
}

func NewFrameRenderer(vocab *Vocabulary, backgrounds map[string]string, imageRoot string) *FrameRenderer {
	return &FrameRenderer{vocab: vocab, backgrounds: backgrounds, imageRoot: imageRoot}
}

func (r *FrameRenderer) Render(mood, background string) Frame {
	return Frame{
		Mood:            mood,
		MoodImage:       r.MoodImage(mood),
		Background:      background,
		BackgroundImage: r.BackgroundImage(background),
	}
}

// MoodImage returns the resolved image for mood, falling back to the
// first mood of the vocabulary.
func (r *FrameRenderer) MoodImage(mood string) string {
	img, ok := r.vocab.Image(mood)
	if !ok {
		moods := r.vocab.Moods()
		if len(moods) == 0 {
			return ""
		}
		img, _ = r.vocab.Image(moods[0])
	}
	return r.ResolveImagePath(img)
}

// BackgroundImage maps a background key or path to a resolved path.
func (r *FrameRenderer) BackgroundImage(background string) string {
	if background == "" {
		return ""
	}
	if path, ok := r.backgrounds[background]; ok {
		background = path
	}
	return r.ResolveImagePath(background)
}

// ResolveImagePath prefixes paths under images/ with the image root.
func (r *FrameRenderer) ResolveImagePath(path string) string {
	if r.imageRoot == "" || !strings.HasPrefix(path, imagePrefix) {
		return path
	}
	return strings.TrimSuffix(r.imageRoot, "/") + "/" + path
}

// Status renders the three-line status text.
func (r *FrameRenderer) Status(scene, page, mood, background string) string {
	raw, resolved := "none", "none"
	if background != "" {
		raw, resolved = background, r.BackgroundImage(background)
	}
	return fmt.Sprintf("Scene: %s | Page: %s | Mood: %s\nBackground: %s → %s\nMood Image: %s",
		dash(scene), dash(page), dash(mood), raw, resolved, r.MoodImage(mood))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
