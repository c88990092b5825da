// Package fallback produces template documents when the model cannot.
package fallback

import (
	"fmt"
	"strings"

	"github.com/kalambet/lessonforge/internal/frontmatter"
	"github.com/kalambet/lessonforge/internal/lesson"
)

// Marker opens every fallback document so readers can tell it apart from
// model output.
const Marker = "> ⚠️ 备用内容：AI 服务暂不可用，以下为模板生成内容。"

// SectionHeader separates appended fallback content from partial model
// output in the same stream.
const SectionHeader = "\n\n---\n\n## 备用内容（模板生成）\n\n"

// Synthesize returns the template document for kind. The output depends
// only on its arguments.
func Synthesize(kind lesson.Kind, subject, grade, topic string) (string, error) {
	switch kind {
	case lesson.KindLessonPlan:
		return lessonPlan(subject, grade, topic)
	case lesson.KindExercises:
		return exercises(subject, grade, topic)
	case lesson.KindAnalysis:
		return analysis(), nil
	}
	return "", &lesson.FallbackError{Err: fmt.Errorf("no template for kind %q", kind)}
}

func lessonPlan(subject, grade, topic string) (string, error) {
	doc := frontmatter.Document{
		Title:    topic,
		Subject:  subject,
		Grade:    grade,
		Duration: "45分钟",
		Objectives: []string{
			fmt.Sprintf("理解%s的基本概念", topic),
			fmt.Sprintf("能够运用%s解决简单问题", topic),
			fmt.Sprintf("培养学习%s的兴趣", subject),
		},
		KeyPoints:       []string{fmt.Sprintf("%s的核心知识", topic)},
		Difficulties:    []string{fmt.Sprintf("%s的理解与应用", topic)},
		TeachingMethods: []string{"讲授法", "讨论法", "练习法"},
		TeachingProcess: []frontmatter.Stage{
			{Stage: "导入", Duration: "5分钟", Content: []string{"创设情境，引出课题"}},
			{Stage: "新授", Duration: "20分钟", Content: []string{fmt.Sprintf("讲解%s的主要内容", topic), "师生互动，举例说明"}},
			{Stage: "练习", Duration: "15分钟", Content: []string{"分层练习，巩固新知"}},
			{Stage: "小结", Duration: "5分钟", Content: []string{"回顾要点，布置作业"}},
		},
		Homework:         []string{"完成课后练习", "预习下一课内容"},
		Reflection:       "根据课堂反馈调整教学节奏。",
		ReferenceSources: []string{},
	}
	header, err := frontmatter.Render(doc)
	if err != nil {
		return "", &lesson.FallbackError{Err: err}
	}

	var sb strings.Builder
	sb.WriteString(header)
	fmt.Fprintf(&sb, "\n%s\n\n# %s\n\n", Marker, topic)
	fmt.Fprintf(&sb, "**学科**：%s　**年级**：%s　**课时**：%s\n\n", subject, grade, doc.Duration)
	writeList(&sb, "教学目标", doc.Objectives)
	writeList(&sb, "教学重点", doc.KeyPoints)
	writeList(&sb, "教学难点", doc.Difficulties)
	writeList(&sb, "教学方法", doc.TeachingMethods)
	sb.WriteString("## 教学过程\n\n")
	for _, st := range doc.TeachingProcess {
		fmt.Fprintf(&sb, "### %s（%s）\n\n", st.Stage, st.Duration)
		for _, c := range st.Content {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}
	writeList(&sb, "课后作业", doc.Homework)
	fmt.Fprintf(&sb, "## 教学反思\n\n%s\n", doc.Reflection)
	return sb.String(), nil
}

func exercises(subject, grade, topic string) (string, error) {
	doc := frontmatter.Document{
		Title:            topic + "练习题",
		Subject:          subject,
		Grade:            grade,
		Duration:         "20分钟",
		Objectives:       []string{fmt.Sprintf("巩固%s的相关知识", topic)},
		KeyPoints:        []string{fmt.Sprintf("%s的基础题型", topic)},
		Difficulties:     []string{fmt.Sprintf("%s的综合运用", topic)},
		TeachingMethods:  []string{"练习法"},
		TeachingProcess:  []frontmatter.Stage{},
		Homework:         []string{},
		Reflection:       "",
		ReferenceSources: []string{},
	}
	header, err := frontmatter.Render(doc)
	if err != nil {
		return "", &lesson.FallbackError{Err: err}
	}

	var sb strings.Builder
	sb.WriteString(header)
	fmt.Fprintf(&sb, "\n%s\n\n# %s\n\n", Marker, doc.Title)
	fmt.Fprintf(&sb, "**学科**：%s　**年级**：%s\n\n", subject, grade)
	sb.WriteString("## 基础题\n\n")
	fmt.Fprintf(&sb, "1. 请用自己的话说明%s的含义。\n\n", topic)
	fmt.Fprintf(&sb, "2. 举出一个生活中与%s有关的例子。\n\n", topic)
	sb.WriteString("## 提高题\n\n")
	fmt.Fprintf(&sb, "3. 结合所学，完成一道综合运用%s的题目，并写出解题过程。\n\n", topic)
	sb.WriteString("## 参考答案\n\n答案由教师根据课堂内容补充。\n")
	return sb.String(), nil
}

func analysis() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", Marker)
	sb.WriteString("## 总体评价\n\n暂无法完成自动分析，请稍后重试。\n\n")
	sb.WriteString("## 主要发现\n\n- 请检查教学目标是否明确、可测量\n- 请检查教学环节之间的衔接\n\n")
	sb.WriteString("## 改进建议\n\n- 结合学情调整难度\n- 增加学生参与的活动\n")
	return sb.String()
}

func writeList(sb *strings.Builder, heading string, items []string) {
	fmt.Fprintf(sb, "## %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
	sb.WriteString("\n")
}
