package retrieval

import (
	"math"
	"sort"
	"time"
)

// dateLayout is the normalized post date format produced by the reader.
const dateLayout = "2006-01-02"

// applyTimeDecay scales each match's score by
// 0.5 + 0.5 * 0.5^(ageDays/halfLifeDays), so a post exactly one
// half-life old scores 75% of its raw similarity and the factor floors
// at 0.5 for arbitrarily old posts. Matches without a parseable date
// keep their raw score.
func (e *Engine) applyTimeDecay(matches []*PostMatch) {
	now := e.now().UTC()
	for _, m := range matches {
		posted, err := time.Parse(dateLayout, m.Date)
		if err != nil {
			continue
		}
		ageDays := now.Sub(posted).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		factor := 0.5 + 0.5*math.Pow(0.5, ageDays/e.cfg.TimeDecayHalfLifeDays)
		m.Score = m.RawScore * factor
	}
}

// groupByThread buckets matches per thread, keeps each bucket sorted by
// score descending truncated to maxPosts, computes the aggregates, and
// orders buckets by average score descending. The average is taken over
// the kept posts; the truncated tail no longer speaks for the thread.
func groupByThread(matches []*PostMatch, maxPosts int) []*ThreadGroup {
	byThread := make(map[string]*ThreadGroup)
	var order []string
	for _, m := range matches {
		g, ok := byThread[m.ThreadID]
		if !ok {
			g = &ThreadGroup{ThreadID: m.ThreadID, Title: m.ThreadTitle}
			byThread[m.ThreadID] = g
			order = append(order, m.ThreadID)
		}
		if g.Title == "" {
			g.Title = m.ThreadTitle
		}
		g.Posts = append(g.Posts, m)
	}

	groups := make([]*ThreadGroup, 0, len(order))
	for _, id := range order {
		g := byThread[id]
		sort.SliceStable(g.Posts, func(i, j int) bool {
			return g.Posts[i].Score > g.Posts[j].Score
		})
		if len(g.Posts) > maxPosts {
			g.Posts = g.Posts[:maxPosts]
		}

		sum := 0.0
		users := make(map[string]bool)
		for _, p := range g.Posts {
			sum += p.Score
			if p.Username != "" && !users[p.Username] {
				users[p.Username] = true
				g.UniqueUsers = append(g.UniqueUsers, p.Username)
			}
			if p.Date == "" {
				continue
			}
			if g.DateRange.From == "" || p.Date < g.DateRange.From {
				g.DateRange.From = p.Date
			}
			if g.DateRange.To == "" || p.Date > g.DateRange.To {
				g.DateRange.To = p.Date
			}
		}
		g.AvgScore = sum / float64(len(g.Posts))
		groups = append(groups, g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].AvgScore > groups[j].AvgScore
	})
	return groups
}
