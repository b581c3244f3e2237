package orchestrator

import (
	"strings"

	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/sentence"
)

// FindObject returns the object named name, ignoring case and any ".NNN"
// deduplication suffix. An exact match wins over a suffixed one.
func FindObject(objs []scene.ObjectSummary, name string) *scene.ObjectSummary {
	want := strings.ToLower(strings.TrimSpace(name))
	var fallback *scene.ObjectSummary
	for i := range objs {
		got := strings.ToLower(objs[i].Name)
		if got == want {
			return &objs[i]
		}
		if fallback == nil && scene.BaseName(got) == want {
			fallback = &objs[i]
		}
	}
	return fallback
}

// Place returns where obj goes to satisfy rel against ref. Bounding boxes
// are in object space; Z is up.
func Place(rel sentence.Relation, ref, obj scene.ObjectSummary) scene.Vec3 {
	at := ref.Translation
	r, o := ref.Size, obj.Size
	switch rel {
	case sentence.RelationOn:
		at.Z += r.MaxZ - o.MinZ
	case sentence.RelationAbove:
		at.Z += r.MaxZ - o.MinZ + o.Height()
	case sentence.RelationUnder:
		at.Z += r.MinZ - o.MaxZ
	case sentence.RelationLeft:
		at.X += r.MinX - o.MaxX
	case sentence.RelationRight:
		at.X += r.MaxX - o.MinX
	case sentence.RelationFront:
		at.Y += r.MinY - o.MaxY
	case sentence.RelationBehind:
		at.Y += r.MaxY - o.MinY
	}
	return at
}
