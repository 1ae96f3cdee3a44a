// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

const (
	PolicyLRU        = "lru"
	PolicyLFU        = "lfu"
	PolicyAdaptive   = "adaptive"
	PolicyPredictive = "predictive"
	PolicyHybrid     = "hybrid"
)

// Candidate is an entry considered for eviction.
type Candidate struct {
	Key          string
	Size         int64
	Priority     Priority
	Created      time.Time
	LastAccessed time.Time
	AccessCount  int64
	Score        float64 // predicted likelihood of reuse
	NextAccess   time.Time
	Confidence   float64
}

// Env is the environment candidates are ranked in.
type Env struct {
	Now time.Time
	// Pressure is the current memory pressure in [0, 1].
	Pressure float64
}

// EvictionPolicy ranks eviction candidates.
type EvictionPolicy interface {
	// Name returns the name of the policy.
	Name() string
	// Rank sorts the candidates, most evictable first.
	Rank(candidates []*Candidate, env Env)
}

// Policies returns the names of all eviction policies.
func Policies() []string {
	return []string{PolicyLRU, PolicyLFU, PolicyAdaptive, PolicyPredictive, PolicyHybrid}
}

// NewPolicy returns the eviction policy with the given name.
func NewPolicy(name string) (EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case PolicyLRU:
		return lru{}, nil
	case PolicyLFU:
		return lfu{}, nil
	case PolicyAdaptive:
		return adaptive{}, nil
	case PolicyPredictive:
		return predictive{}, nil
	case PolicyHybrid, "":
		return newHybrid(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// lru evicts the least recently used entries first.
type lru struct{}

func (lru) Name() string { return PolicyLRU }

func (lru) Rank(candidates []*Candidate, _ Env) {
	slices.SortFunc(candidates, func(a, b *Candidate) int {
		if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// lfu evicts the least frequently used entries first.
type lfu struct{}

func (lfu) Name() string { return PolicyLFU }

func (lfu) Rank(candidates []*Candidate, _ Env) {
	slices.SortFunc(candidates, func(a, b *Candidate) int {
		if a.AccessCount != b.AccessCount {
			if a.AccessCount < b.AccessCount {
				return -1
			}
			return 1
		}
		if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// adaptive blends recency and frequency, weighting recency more under pressure.
type adaptive struct{}

func (adaptive) Name() string { return PolicyAdaptive }

func (adaptive) Rank(candidates []*Candidate, env Env) {
	var (
		maxIdle  float64
		maxCount int64
		w        = 0.5 + 0.5*math.Max(0, math.Min(1, env.Pressure))
	)
	for _, c := range candidates {
		maxIdle = math.Max(maxIdle, env.Now.Sub(c.LastAccessed).Seconds())
		maxCount = max(maxCount, c.AccessCount)
	}

	rankByScore(candidates, func(c *Candidate) float64 {
		recency, frequency := 0.0, 0.0
		if maxIdle > 0 {
			recency = env.Now.Sub(c.LastAccessed).Seconds() / maxIdle
		}
		if maxCount > 0 {
			frequency = 1 - float64(c.AccessCount)/float64(maxCount)
		} else {
			frequency = 1
		}
		return w*recency + (1-w)*frequency
	})
}

// predictive evicts entries with the furthest, most confidently predicted
// next access first. Entries without a prediction are ranked by idle time
// and predicted reuse.
type predictive struct{}

func (predictive) Name() string { return PolicyPredictive }

func (predictive) Rank(candidates []*Candidate, env Env) {
	distance := func(c *Candidate) float64 {
		if c.NextAccess.IsZero() {
			return env.Now.Sub(c.LastAccessed).Seconds()
		}
		return math.Max(0, c.NextAccess.Sub(env.Now).Seconds())
	}

	maxDist := 0.0
	for _, c := range candidates {
		maxDist = math.Max(maxDist, distance(c))
	}

	rankByScore(candidates, func(c *Candidate) float64 {
		d := 0.0
		if maxDist > 0 {
			d = distance(c) / maxDist
		}
		conf := c.Confidence
		if c.NextAccess.IsZero() {
			conf = 0
		}
		return conf*d + (1-conf)*0.5*(d+1-c.Score)
	})
}

// hybrid aggregates the rankings of the other policies by weighted Borda count.
type hybrid struct {
	voters  []EvictionPolicy
	weights []float64
}

func newHybrid() *hybrid {
	return &hybrid{
		voters:  []EvictionPolicy{lru{}, lfu{}, adaptive{}, predictive{}},
		weights: []float64{1, 1, 1.5, 1.5},
	}
}

func (*hybrid) Name() string { return PolicyHybrid }

func (h *hybrid) Rank(candidates []*Candidate, env Env) {
	n := len(candidates)
	points := make(map[*Candidate]float64, n)
	for i, voter := range h.voters {
		ranked := slices.Clone(candidates)
		voter.Rank(ranked, env)
		for rank, c := range ranked {
			points[c] += h.weights[i] * float64(n-rank)
		}
	}
	rankByScore(candidates, func(c *Candidate) float64 {
		return points[c]
	})
}

// rankByScore sorts candidates by descending score, then by key.
func rankByScore(candidates []*Candidate, score func(*Candidate) float64) {
	scores := make(map[*Candidate]float64, len(candidates))
	for _, c := range candidates {
		scores[c] = score(c)
	}
	slices.SortFunc(candidates, func(a, b *Candidate) int {
		sa, sb := scores[a], scores[b]
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
}
