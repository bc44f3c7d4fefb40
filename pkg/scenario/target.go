package scenario

import (
	"fmt"
	"strings"
)

// TargetSeparator splits the scene and page parts of a cross-scene target.
const TargetSeparator = ":"

type TargetKind int

const (
	SameScene TargetKind = iota
	CrossScene
)

// TransitionTarget is a parsed transition reference: either a bare page id
// within the current scene, or a scene:page pair.
type TransitionTarget struct {
	Kind  TargetKind
	Scene string
	Page  string
}

// ParseTarget parses ref once. A ref with a separator is cross-scene,
// everything else names a page in the current scene.
func ParseTarget(ref string) (TransitionTarget, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return TransitionTarget{}, fmt.Errorf("%w: empty target", ErrInvalidTransition)
	}
	scene, page, ok := strings.Cut(ref, TargetSeparator)
	if !ok {
		return TransitionTarget{Kind: SameScene, Page: ref}, nil
	}
	scene, page = strings.TrimSpace(scene), strings.TrimSpace(page)
	if scene == "" || page == "" {
		return TransitionTarget{}, fmt.Errorf("%w: malformed target %q", ErrInvalidTransition, ref)
	}
	return TransitionTarget{Kind: CrossScene, Scene: scene, Page: page}, nil
}

func (t TransitionTarget) String() string {
	if t.Kind == CrossScene {
		return t.Scene + TargetSeparator + t.Page
	}
	return t.Page
}

// In returns the scene the target lands in when taken from current.
func (t TransitionTarget) In(current string) string {
	if t.Kind == CrossScene {
		return t.Scene
	}
	return current
}
