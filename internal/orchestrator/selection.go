package orchestrator

import (
	"slices"
	"sort"

	"github.com/aixgo-dev/conductor/agent"
)

// SelectAgent returns the agent declaring the most of the required
// capabilities. Ties go to the lexically smallest name. It reports false when
// no agent declares any of them.
func (o *Orchestrator) SelectAgent(required ...string) (string, bool) {
	return selectAgent(o.resolver.AvailableAgents(), required)
}

func selectAgent(infos []agent.Info, required []string) (string, bool) {
	sorted := slices.Clone(infos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	best, bestScore := "", 0
	for _, info := range sorted {
		score := 0
		for _, c := range required {
			if slices.Contains(info.Capabilities, c) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = info.Name, score
		}
	}
	return best, bestScore > 0
}
