package recommend

import (
	"math"
	"math/rand"
	"sort"
	"time"

	embedding "github.com/matthewjhunter/go-embedding"

	"github.com/sgn/rssfilter/internal/storage"
)

const (
	// DefaultFilterRatio is the fraction of scored articles kept.
	DefaultFilterRatio = 0.5
	// DefaultRandomRatio is the fraction held out of scoring entirely, so
	// the filter cannot collapse into a bubble.
	DefaultRandomRatio = 0.1
)

// rankSeed fixes the holdout shuffle so the same feed renders the same way
// across polls.
const rankSeed = 42

// Rank selects the articles closest to the user's interest centers, blended
// with a random holdout, newest first. Input with no embeddings at all is
// returned unchanged.
func Rank(articles []storage.Article, centers [][]float32, filterRatio, randomRatio float64) []storage.Article {
	if !anyEmbedded(articles) || len(centers) == 0 {
		return articles
	}

	shuffled := make([]storage.Article, len(articles))
	copy(shuffled, articles)
	rng := rand.New(rand.NewSource(rankSeed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nRandom := int(float64(len(shuffled)) * randomRatio)
	randomPick := shuffled[:nRandom]
	rest := shuffled[nRandom:]

	type scored struct {
		article storage.Article
		dist    float64
	}
	var candidates []scored
	for _, a := range rest {
		if a.Embedding == nil {
			continue
		}
		vec, err := DecodeVector(*a.Embedding)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{article: a, dist: minCosineDistance(vec, centers)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	keep := int(float64(len(rest)) * filterRatio)
	if keep > len(candidates) {
		keep = len(candidates)
	}

	result := make([]storage.Article, 0, keep+len(randomPick))
	for _, c := range candidates[:keep] {
		result = append(result, c.article)
	}
	result = append(result, randomPick...)

	sort.SliceStable(result, func(i, j int) bool {
		return sortDate(&result[i]).After(sortDate(&result[j]))
	})
	return result
}

func anyEmbedded(articles []storage.Article) bool {
	for _, a := range articles {
		if a.Embedding != nil {
			return true
		}
	}
	return false
}

// NearestCenter returns the index of the center closest to v by cosine
// distance. centers must be non-empty.
func NearestCenter(v []float32, centers [][]float32) int {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range centers {
		if d := 1 - embedding.CosineSimilarity(v, c); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// minCosineDistance is the smallest 1 - cos(v, center) over all centers.
func minCosineDistance(v []float32, centers [][]float32) float64 {
	min := math.Inf(1)
	for _, c := range centers {
		if d := 1 - embedding.CosineSimilarity(v, c); d < min {
			min = d
		}
	}
	return min
}

func sortDate(a *storage.Article) time.Time {
	if a.PubDate != nil {
		return *a.PubDate
	}
	return a.Updated
}
