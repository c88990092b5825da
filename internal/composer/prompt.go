package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/retrieval"
)

// Input caps, in runes.
const (
	MaxTopicRunes        = 200
	MaxRequirementsRunes = 500
	MaxContentRunes      = 6000
)

// Bundle is the pair of prompts sent to the model.
type Bundle struct {
	SystemPrompt string
	UserPrompt   string
}

// family groups subjects that share a teaching style.
type family int

const (
	familyGeneric family = iota
	familyScience
	familyMath
	familyLanguage
)

func subjectFamily(subject string) family {
	switch subject {
	case "物理", "化学", "生物", "科学":
		return familyScience
	case "数学":
		return familyMath
	case "语文", "英语":
		return familyLanguage
	}
	return familyGeneric
}

var familyGuidance = map[family]string{
	familyScience:  "本学科以实验与观察为核心：设计可操作的实验或观察活动，引导学生提出假设、记录现象、分析数据并得出结论，注意实验安全。",
	familyMath:     "本学科以逻辑推理与解题方法为核心：从具体问题引入概念，展示完整的推理过程，归纳解题思路与方法，并安排由浅入深的练习。",
	familyLanguage: "本学科以阅读与表达为核心：围绕文本开展阅读理解、品析语言、口语交际与写作表达活动，重视积累与运用。",
	familyGeneric:  "结合学科特点设计学生主动参与的学习活动，做到目标明确、过程清晰、评价及时。",
}

var levelGuidance = map[lesson.Level]string{
	lesson.LevelPrimary:   "学生为小学生：使用简单易懂的词汇，多用贴近生活的具体情境、图片和实物，单个活动时间不宜过长，每一步只提出一个要求。",
	lesson.LevelSecondary: "学生为中学生：可以要求综合运用多个知识点，设计需要多步推理的问题，鼓励比较、归纳、论证和迁移应用。",
}

// Build turns a validated request and its retrieval result into prompts.
// It is pure: the same inputs always produce the same bundle.
func Build(req lesson.Request, r retrieval.Result) (Bundle, error) {
	switch req.Kind {
	case lesson.KindLessonPlan:
		return buildLessonPlan(req, r), nil
	case lesson.KindExercises:
		return buildExercises(req, r), nil
	case lesson.KindAnalysis:
		return buildAnalysis(req), nil
	}
	return Bundle{}, &lesson.PromptConstructionError{Kind: req.Kind, Err: fmt.Errorf("no prompt template")}
}

func buildLessonPlan(req lesson.Request, r retrieval.Result) Bundle {
	var sb strings.Builder
	sb.WriteString("你是一名经验丰富的中国中小学教师和教学设计专家，负责编写规范、可直接用于课堂的教案。\n\n")
	writeStyle(&sb, req)
	writeReference(&sb, r)
	writeFormatContract(&sb, req, r)

	var u strings.Builder
	fmt.Fprintf(&u, "请为%s%s编写一份教案。\n课题：%s\n", req.Grade, req.Subject, Cap(req.Topic, MaxTopicRunes))
	if req.Requirements != "" {
		fmt.Fprintf(&u, "具体要求：%s\n", Cap(req.Requirements, MaxRequirementsRunes))
	}
	u.WriteString("请严格按照系统提示中的输出格式作答。")

	return Bundle{SystemPrompt: sb.String(), UserPrompt: u.String()}
}

func buildExercises(req lesson.Request, r retrieval.Result) Bundle {
	var sb strings.Builder
	sb.WriteString("你是一名经验丰富的中国中小学教师和命题专家，负责编写难度适当、答案准确的练习题。\n\n")
	writeStyle(&sb, req)
	writeReference(&sb, r)
	writeFormatContract(&sb, req, r)
	sb.WriteString("\n正文中每道题需给出题号、题目、参考答案和简要解析。\n")

	var u strings.Builder
	fmt.Fprintf(&u, "请为%s%s编写练习题。\n课题：%s\n", req.Grade, req.Subject, Cap(req.Topic, MaxTopicRunes))
	fmt.Fprintf(&u, "难度：%s\n题目数量：%d\n题型：%s\n", req.Difficulty, req.Count, req.QuestionType)
	if req.Requirements != "" {
		fmt.Fprintf(&u, "具体要求：%s\n", Cap(req.Requirements, MaxRequirementsRunes))
	}
	u.WriteString("请严格按照系统提示中的输出格式作答。")

	return Bundle{SystemPrompt: sb.String(), UserPrompt: u.String()}
}

func buildAnalysis(req lesson.Request) Bundle {
	label := lesson.AnalysisTypes[req.AnalysisType]
	if label == "" {
		label = lesson.AnalysisTypes["general"]
	}

	var sb strings.Builder
	sb.WriteString("你是一名资深的教研员，负责对教学内容进行专业分析并给出可操作的建议。\n\n")
	fmt.Fprintf(&sb, "分析类型：%s。\n", label)
	sb.WriteString("请使用 Markdown 输出，包含“总体评价”“主要发现”“改进建议”三个二级标题，建议要具体、可落地。\n")

	var u strings.Builder
	fmt.Fprintf(&u, "请对以下教学内容进行%s：\n\n", label)
	u.WriteString(Cap(req.Content, MaxContentRunes))

	return Bundle{SystemPrompt: sb.String(), UserPrompt: u.String()}
}

func writeStyle(sb *strings.Builder, req lesson.Request) {
	sb.WriteString("## 教学风格\n")
	sb.WriteString(familyGuidance[subjectFamily(req.Subject)])
	sb.WriteString("\n")
	if lvl, ok := lesson.GradeLevel(req.Grade); ok {
		sb.WriteString(levelGuidance[lvl])
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

// writeReference adds the retrieved material. Nothing is written when the
// context is empty so the model is never pointed at absent content.
func writeReference(sb *strings.Builder, r retrieval.Result) {
	if r.Context == "" {
		return
	}
	sb.WriteString("## 参考资料\n")
	sb.WriteString("以下资料来自教材与课程标准，请优先依据这些资料编写内容，不要编造资料中没有的出处：\n\n")
	sb.WriteString(r.Context)
	sb.WriteString("\n\n")
}

func writeFormatContract(sb *strings.Builder, req lesson.Request, r retrieval.Result) {
	sb.WriteString("## 输出格式\n")
	sb.WriteString("输出必须以 YAML frontmatter 开头（首行和结束行均为 ---），字段固定如下：\n")
	sb.WriteString("title: 标题\n")
	fmt.Fprintf(sb, "subject: %q\n", req.Subject)
	fmt.Fprintf(sb, "grade: %q\n", req.Grade)
	sb.WriteString("duration: 课时长度，例如 \"45分钟\"\n")
	sb.WriteString("objectives: [教学目标列表]\n")
	sb.WriteString("keyPoints: [教学重点列表]\n")
	sb.WriteString("difficulties: [教学难点列表]\n")
	sb.WriteString("teachingMethods: [教学方法列表]\n")
	sb.WriteString("teachingProcess: 列表，每项包含 stage（环节名称）、duration（时长）、content（内容列表）\n")
	sb.WriteString("homework: [作业列表]\n")
	sb.WriteString("reflection: 教学反思\n")
	if len(r.Sources) > 0 {
		sb.WriteString("referenceSources: 从以下来源中列出实际引用的条目：\n")
		for _, s := range r.Sources {
			fmt.Fprintf(sb, "  - %q\n", s)
		}
	} else {
		sb.WriteString("referenceSources: []（必须为空列表）\n")
	}
	sb.WriteString("\nfrontmatter 之后是 Markdown 正文，使用与上述字段对应的二级标题：")
	sb.WriteString("教学目标、教学重点、教学难点、教学方法、教学过程、课后作业、教学反思。\n")
}

// Cap truncates s to at most n runes.
func Cap(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
