package consolidation

import (
	"bytes"
	"encoding/binary"
	"math"

	"cogkernel/internal/model"
)

// seedEvent is a single unsealed event carried through clustering, trimmed to
// the fields System 1 and pattern proposal actually need.
type seedEvent struct {
	event     model.Event
	embedding []float32
}

// cluster is one output of online density-based clustering: a running-mean
// centroid, its member events in arrival order, and the resulting
// uncertainty score.
type cluster struct {
	centroid    []float32
	members     []seedEvent
	uncertainty float64
}

// clusterEvents runs the online density-based clustering System 1 performs:
// an event joins the most-similar existing cluster if cosine similarity to
// its centroid exceeds theta; otherwise it seeds a new cluster. Events with
// no embedding seed their own singleton cluster (similarity to anything is
// undefined, so they can never join one).
func clusterEvents(events []seedEvent, theta float64) []cluster {
	var clusters []cluster

	for _, se := range events {
		if se.embedding == nil {
			clusters = append(clusters, cluster{members: []seedEvent{se}})
			continue
		}

		bestIdx := -1
		bestSim := theta
		for i, c := range clusters {
			if c.centroid == nil {
				continue
			}
			sim := cosineSimilarity(se.embedding, c.centroid)
			if sim > bestSim {
				bestSim = sim
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			clusters = append(clusters, cluster{
				centroid: append([]float32{}, se.embedding...),
				members:  []seedEvent{se},
			})
			continue
		}

		c := &clusters[bestIdx]
		c.members = append(c.members, se)
		c.centroid = runningMean(c.centroid, se.embedding, len(c.members))
	}

	for i := range clusters {
		clusters[i].uncertainty = intraClusterVariance(clusters[i])
	}

	return clusters
}

// runningMean folds a new vector into a centroid that is the mean of n
// vectors seen so far (n includes the one just added).
func runningMean(centroid, next []float32, n int) []float32 {
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = centroid[i] + (next[i]-centroid[i])/float32(n)
	}
	return out
}

// intraClusterVariance reduces per-member distance-from-centroid into the
// [0,1] uncertainty score §4.10 step 2 requires: 0 for a tight singleton or
// identical members, approaching 1 as members spread toward orthogonality.
func intraClusterVariance(c cluster) float64 {
	if len(c.members) <= 1 || c.centroid == nil {
		return 0
	}

	var sumDist float64
	counted := 0
	for _, m := range c.members {
		if m.embedding == nil {
			continue
		}
		sumDist += 1 - cosineSimilarity(m.embedding, c.centroid)
		counted++
	}
	if counted == 0 {
		return 0
	}
	avgDist := sumDist / float64(counted)
	// Measured against the members' own mean, the average cosine distance
	// of unit-length members stays within [0, 1]; clamp to be safe.
	return math.Min(1, avgDist)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// decodeEmbedding is the inverse of store.EncodeEmbedding: little-endian
// float32s packed into a blob. Returns nil for an empty/NULL blob rather
// than erroring, matching the rest of the kernel's "missing embedding
// degrades gracefully" posture.
func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vec); err != nil {
		return nil
	}
	return vec
}
