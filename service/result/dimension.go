package result

import (
	"fmt"
	"strings"

	"dq-validation-service/service/models"
)

// 质量维度
const (
	DimensionCompleteness = "completeness"
	DimensionUniqueness   = "uniqueness"
	DimensionValidity     = "validity"
	DimensionFreshness    = "freshness"
	DimensionConsistency  = "consistency"
)

// 规则类型关键字到维度的映射，按顺序匹配
var dimensionKeywords = []struct {
	keyword   string
	dimension string
}{
	{"completeness", DimensionCompleteness},
	{"iscomplete", DimensionCompleteness},
	{"uniqueness", DimensionUniqueness},
	{"isunique", DimensionUniqueness},
	{"range", DimensionValidity},
	{"columnvalues", DimensionValidity},
	{"pattern", DimensionValidity},
	{"freshness", DimensionFreshness},
	{"datafreshness", DimensionFreshness},
	{"referential", DimensionConsistency},
	{"referentialintegrity", DimensionConsistency},
	{"custom", DimensionValidity},
}

// DimensionFor 先按规则类型精确匹配，再在名称或表达式中查找关键字，默认 validity
func DimensionFor(ruleType string, hints ...string) string {
	t := strings.ToLower(strings.TrimSpace(ruleType))
	for _, kw := range dimensionKeywords {
		if t == kw.keyword {
			return kw.dimension
		}
	}
	for _, hint := range append([]string{t}, hints...) {
		h := strings.ToLower(hint)
		if h == "" {
			continue
		}
		for _, kw := range dimensionKeywords {
			if strings.Contains(h, kw.keyword) {
				return kw.dimension
			}
		}
	}
	return DimensionValidity
}

// MapOutcome 将引擎结果 PASS/FAIL/ERROR/SKIP 归一为小写，未知值视为 error
func MapOutcome(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PASS", "PASSED":
		return models.OutcomePass
	case "FAIL", "FAILED":
		return models.OutcomeFail
	case "SKIP", "SKIPPED":
		return models.OutcomeSkip
	default:
		return models.OutcomeError
	}
}

// 维度得分口径
const (
	// DimensionModeRules 通过规则数 / 维度内规则总数，skip 计入总数
	DimensionModeRules = "rules"
	// DimensionModeRecords 维度内所有规则都报告了记录数时取 Σpassed/Σevaluated，否则退回规则口径
	DimensionModeRecords = "records"
)

// ParseDimensionMode 解析维度得分口径，空值取 rules
func ParseDimensionMode(raw string) (string, error) {
	switch mode := strings.ToLower(strings.TrimSpace(raw)); mode {
	case "":
		return DimensionModeRules, nil
	case DimensionModeRules, DimensionModeRecords:
		return mode, nil
	default:
		return "", fmt.Errorf("未知的维度得分口径: %s", raw)
	}
}

type dimensionTally struct {
	rules         int
	passedRules   int
	evaluated     int64
	passed        int64
	missingCounts bool
}

// DimensionScores 按口径计算各维度得分
func DimensionScores(results []models.RuleResult, mode string) map[string]float64 {
	tallies := make(map[string]*dimensionTally)
	for _, r := range results {
		t, ok := tallies[r.Dimension]
		if !ok {
			t = &dimensionTally{}
			tallies[r.Dimension] = t
		}
		t.rules++
		if r.Outcome == models.OutcomePass {
			t.passedRules++
		}
		if r.Outcome == models.OutcomeSkip || r.EvaluatedCount <= 0 {
			t.missingCounts = true
			continue
		}
		t.evaluated += r.EvaluatedCount
		t.passed += r.PassedCount
	}

	scores := make(map[string]float64, len(tallies))
	for dim, t := range tallies {
		if mode == DimensionModeRecords && !t.missingCounts && t.evaluated > 0 {
			scores[dim] = clamp(float64(t.passed) / float64(t.evaluated))
			continue
		}
		scores[dim] = float64(t.passedRules) / float64(t.rules)
	}
	return scores
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
