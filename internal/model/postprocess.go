package model

import (
	"sort"

	"github.com/Brownie44l1/detect-api/internal/engine"
)

type candidate struct {
	box   [4]float32
	score float32
	class int
}

// decode turns a raw [4+nc, anchors] head into detections in original
// image pixels. Rows 0..3 are cx, cy, w, h in model input pixels; the rest
// are per-class scores. lb undoes the letterbox applied by preprocess.
// Surviving boxes come back sorted by confidence.
func decode(output []float32, numClasses, anchors int, lb letterbox, origW, origH int, opts Options) []engine.Instance {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, score := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if v := output[(4+c)*anchors+a]; v > score {
				best, score = c, v
			}
		}
		if score < opts.ConfThreshold {
			continue
		}

		cx, cy := output[a], output[anchors+a]
		w, h := output[2*anchors+a], output[3*anchors+a]
		cands = append(cands, candidate{
			box: [4]float32{
				clamp((cx-w/2-lb.padX)/lb.scale, float32(origW)),
				clamp((cy-h/2-lb.padY)/lb.scale, float32(origH)),
				clamp((cx+w/2-lb.padX)/lb.scale, float32(origW)),
				clamp((cy+h/2-lb.padY)/lb.scale, float32(origH)),
			},
			score: score,
			class: best,
		})
	}

	kept := nms(cands, opts.IoUThreshold, opts.MaxDetections)

	out := make([]engine.Instance, len(kept))
	for i, c := range kept {
		out[i] = engine.Instance{Box: c.box, Confidence: c.score, ClassIndex: uint32(c.class)}
	}
	return out
}

// nms is class-aware non-maximum suppression: a box is dropped when it
// overlaps a higher-scoring box of the same class by more than iouThresh.
func nms(cands []candidate, iouThresh float32, limit int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	suppressed := make([]bool, len(cands))
	var kept []candidate
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if limit > 0 && len(kept) == limit {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].class != cands[i].class {
				continue
			}
			if iou(cands[i].box, cands[j].box) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	x1, y1 := max(a[0], b[0]), max(a[1], b[1])
	x2, y2 := min(a[2], b[2]), min(a[3], b[3])

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, hi float32) float32 {
	return min(max(v, 0), hi)
}
