package recommend

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// DefaultClusterCount is k for user interest clustering.
const DefaultClusterCount = 10

// clusterSeed fixes the RNG so recomputing a user's clusters over the same
// history yields the same centers.
const clusterSeed = 42

// ErrTooFewArticles is returned when a user has not clicked enough articles
// to support clustering.
var ErrTooFewArticles = errors.New("too few articles to cluster")

const maxIterations = 100

// Cluster runs K-means over the vectors and returns k centers. Fewer than
// k vectors is refused.
func Cluster(vectors [][]float32, k int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("%d articles, need %d: %w", len(vectors), k, ErrTooFewArticles)
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("inconsistent vector dimensions %d and %d", dim, len(v))
		}
	}

	rng := rand.New(rand.NewSource(clusterSeed))
	centers := seedCenters(rng, vectors, k)

	assign := make([]int, len(vectors))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearestCenter(v, centers)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		// Recompute centers as the mean of their members. An emptied
		// cluster keeps its previous center.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centers[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centers, nil
}

// seedCenters is k-means++ initialization: the first center is uniform, each
// further center is drawn with probability proportional to squared distance
// from the nearest chosen center.
func seedCenters(rng *rand.Rand, vectors [][]float32, k int) [][]float32 {
	centers := make([][]float32, 0, k)
	first := vectors[rng.Intn(len(vectors))]
	centers = append(centers, cloneVector(first))

	dists := make([]float64, len(vectors))
	for len(centers) < k {
		total := 0.0
		for i, v := range vectors {
			d := squaredDistance(v, centers[len(centers)-1])
			if len(centers) == 1 || d < dists[i] {
				dists[i] = d
			}
			total += dists[i]
		}

		if total == 0 {
			// All points coincide with a center; any choice works.
			centers = append(centers, cloneVector(vectors[rng.Intn(len(vectors))]))
			continue
		}

		target := rng.Float64() * total
		idx := len(vectors) - 1
		acc := 0.0
		for i, d := range dists {
			acc += d
			if acc >= target {
				idx = i
				break
			}
		}
		centers = append(centers, cloneVector(vectors[idx]))
	}
	return centers
}

func nearestCenter(v []float32, centers [][]float32) int {
	best := 0
	bestDist := math.Inf(1)
	for c, center := range centers {
		if d := squaredDistance(v, center); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
