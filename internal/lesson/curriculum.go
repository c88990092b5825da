package lesson

import (
	"strings"
)

// Level is the grade-level bucket a grade belongs to.
type Level string

const (
	LevelPrimary   Level = "primary"
	LevelSecondary Level = "secondary"
)

const (
	defaultCount        = 5
	maxCount            = 50
	defaultDifficulty   = "中等"
	defaultQuestionType = "综合"
	defaultAnalysisType = "general"
)

// AnalysisTypes lists the accepted analysis kinds.
var AnalysisTypes = map[string]string{
	"general":     "综合分析",
	"structure":   "结构分析",
	"difficulty":  "难度分析",
	"objectives":  "教学目标分析",
	"improvement": "改进建议",
}

type gradeInfo struct {
	level    Level
	subjects []string
}

var (
	lowerPrimary = []string{"语文", "数学", "道德与法治", "科学", "音乐", "美术", "体育"}
	upperPrimary = append(clone(lowerPrimary), "英语", "信息科技")
	juniorBase   = []string{"语文", "数学", "英语", "道德与法治", "历史", "地理", "生物", "信息科技", "音乐", "美术", "体育"}
	grade8       = append(clone(juniorBase), "物理")
	grade9       = append(clone(grade8), "化学")
	senior       = []string{"语文", "数学", "英语", "物理", "化学", "生物", "历史", "地理", "政治", "思想政治", "信息技术", "通用技术", "音乐", "美术", "体育"}
)

var grades = map[string]gradeInfo{
	"一年级": {LevelPrimary, lowerPrimary},
	"二年级": {LevelPrimary, lowerPrimary},
	"三年级": {LevelPrimary, upperPrimary},
	"四年级": {LevelPrimary, upperPrimary},
	"五年级": {LevelPrimary, upperPrimary},
	"六年级": {LevelPrimary, upperPrimary},
	"七年级": {LevelSecondary, juniorBase},
	"初一":  {LevelSecondary, juniorBase},
	"八年级": {LevelSecondary, grade8},
	"初二":  {LevelSecondary, grade8},
	"九年级": {LevelSecondary, grade9},
	"初三":  {LevelSecondary, grade9},
	"高一":  {LevelSecondary, senior},
	"高二":  {LevelSecondary, senior},
	"高三":  {LevelSecondary, senior},
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}

// GradeLevel returns the bucket for a known grade.
func GradeLevel(grade string) (Level, bool) {
	info, ok := grades[strings.TrimSpace(grade)]
	return info.level, ok
}

// SubjectAllowed reports whether subject is taught at grade.
func SubjectAllowed(grade, subject string) bool {
	info, ok := grades[grade]
	if !ok {
		return false
	}
	for _, s := range info.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

// Validate checks a request's parameters for the given kind and returns a
// trimmed copy with defaults applied.
func Validate(kind Kind, p Params) (Params, error) {
	p.Subject = strings.TrimSpace(p.Subject)
	p.Grade = strings.TrimSpace(p.Grade)
	p.Topic = strings.TrimSpace(p.Topic)
	p.Requirements = strings.TrimSpace(p.Requirements)

	switch kind {
	case KindAnalysis:
		return validateAnalysis(p)
	case KindLessonPlan, KindExercises:
	default:
		return p, invalid("kind", "不支持的生成类型: %s", kind)
	}

	if p.Subject == "" || p.Grade == "" || p.Topic == "" {
		return p, invalid("subject", "学科、年级和课题不能为空")
	}
	if _, ok := grades[p.Grade]; !ok {
		return p, invalid("grade", "未知年级: %s", p.Grade)
	}
	if !SubjectAllowed(p.Grade, p.Subject) {
		return p, invalid("subject", "%s暂不支持%s", p.Grade, p.Subject)
	}

	if kind == KindExercises {
		p.Difficulty = strings.TrimSpace(p.Difficulty)
		p.QuestionType = strings.TrimSpace(p.QuestionType)
		if p.Difficulty == "" {
			p.Difficulty = defaultDifficulty
		}
		if p.QuestionType == "" {
			p.QuestionType = defaultQuestionType
		}
		if p.Count == 0 {
			p.Count = defaultCount
		}
		if p.Count < 0 || p.Count > maxCount {
			return p, invalid("count", "题目数量必须在1到%d之间", maxCount)
		}
	}
	return p, nil
}

func validateAnalysis(p Params) (Params, error) {
	p.Content = strings.TrimSpace(p.Content)
	p.AnalysisType = strings.TrimSpace(p.AnalysisType)
	if p.Content == "" {
		return p, invalid("content", "分析内容不能为空")
	}
	if p.AnalysisType == "" {
		p.AnalysisType = defaultAnalysisType
	}
	if _, ok := AnalysisTypes[p.AnalysisType]; !ok {
		return p, invalid("analysisType", "不支持的分析类型: %s", p.AnalysisType)
	}
	return p, nil
}
