package consensus

import (
	"fmt"
	"sort"
	"strings"
)

// minCommonGround is the smallest shared vocabulary that still counts as
// common ground between viewpoints.
const minCommonGround = 3

// Compromise is shared ground between viewpoints that did not reach
// consensus outright.
type Compromise struct {
	Topic        string   `json:"topic"`
	AgentIDs     []string `json:"agentIds"`
	CommonGround []string `json:"commonGround"`
	Description  string   `json:"description"`
	Score        float64  `json:"score"`
}

// topicKeyword picks the most frequent content word of a position, ties
// broken by first appearance.
func topicKeyword(position string) string {
	counts := make(map[string]int)
	var order []string
	for _, tok := range tokenize(position) {
		if _, skip := stopWords[tok]; skip {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	best := ""
	bestCount := 0
	for _, tok := range order {
		if counts[tok] > bestCount {
			best, bestCount = tok, counts[tok]
		}
	}
	return best
}

// synthesizeCompromises groups viewpoints by topic keyword and turns each
// group's shared vocabulary into a candidate compromise. Candidates are
// scored by commonWords * groupSize / totalGroupWords and returned highest
// first.
func synthesizeCompromises(viewpoints []ViewPoint) []Compromise {
	groups := make(map[string][]ViewPoint)
	var topics []string
	for _, vp := range viewpoints {
		topic := topicKeyword(vp.Position)
		if topic == "" {
			continue
		}
		if _, seen := groups[topic]; !seen {
			topics = append(topics, topic)
		}
		groups[topic] = append(groups[topic], vp)
	}

	compromises := []Compromise{}
	for _, topic := range topics {
		group := groups[topic]
		if len(group) < 2 {
			continue
		}

		common := contentWords(group[0].Position)
		union := contentWords(group[0].Position)
		for _, vp := range group[1:] {
			words := contentWords(vp.Position)
			for w := range common {
				if _, ok := words[w]; !ok {
					delete(common, w)
				}
			}
			for w := range words {
				union[w] = struct{}{}
			}
		}
		if len(common) < minCommonGround || len(union) == 0 {
			continue
		}

		ground := make([]string, 0, len(common))
		for w := range common {
			ground = append(ground, w)
		}
		sort.Strings(ground)

		agents := make([]string, 0, len(group))
		for _, vp := range group {
			agents = append(agents, vp.AgentID)
		}

		compromises = append(compromises, Compromise{
			Topic:        topic,
			AgentIDs:     agents,
			CommonGround: ground,
			Description: fmt.Sprintf("Compromise on %s: build on the shared points %s (agents %s)",
				topic, strings.Join(ground, ", "), strings.Join(agents, ", ")),
			Score: float64(len(ground)*len(group)) / float64(len(union)),
		})
	}

	sort.Slice(compromises, func(i, j int) bool {
		if compromises[i].Score != compromises[j].Score {
			return compromises[i].Score > compromises[j].Score
		}
		return compromises[i].Topic < compromises[j].Topic
	})
	return compromises
}
