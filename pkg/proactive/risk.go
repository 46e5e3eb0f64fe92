package proactive

import "github.com/memloom/memloom/pkg/config"

// CostCategory grades how expensive acting on a piece of knowledge is
// for the user if the knowledge turns out wrong.
type CostCategory string

const (
	CostNone   CostCategory = "none"
	CostLow    CostCategory = "low"
	CostMedium CostCategory = "medium"
	CostHigh   CostCategory = "high"
)

// Action is what the agent is advised to do with a proactive finding.
type Action string

const (
	ActionAutoExecute   Action = "auto-execute"
	ActionSuggest       Action = "suggest"
	ActionCasualMention Action = "casual-mention"
	ActionDefer         Action = "defer"
)

var costRank = map[CostCategory]int{
	CostNone:   0,
	CostLow:    1,
	CostMedium: 2,
	CostHigh:   3,
}

// AssessRisk maps confidence and cost to an action tier. Unknown cost
// categories rank as high.
func AssessRisk(cfg config.RiskConfig, confidence float64, cost CostCategory) Action {
	rank, ok := costRank[cost]
	if !ok {
		rank = costRank[CostHigh]
	}
	switch {
	case confidence >= cfg.AutoExecuteMin && rank == costRank[CostNone]:
		return ActionAutoExecute
	case confidence >= cfg.SuggestMin && rank <= costRank[CostMedium]:
		return ActionSuggest
	case confidence >= cfg.CasualMentionMin && rank <= costRank[CostLow]:
		return ActionCasualMention
	default:
		return ActionDefer
	}
}
