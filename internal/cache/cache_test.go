package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/lessonforge/internal/lesson"
)

func planReq(topic, requirements string) lesson.Request {
	return lesson.Request{
		Kind:   lesson.KindLessonPlan,
		Params: lesson.Params{Subject: "数学", Grade: "三年级", Topic: topic, Requirements: requirements},
	}
}

func TestKeyFor_NormalizesRequirementsOnly(t *testing.T) {
	a := KeyFor(planReq("小数加法", "  Include   GAMES\n and  quiz "))
	b := KeyFor(planReq("小数加法", "include games and quiz"))
	assert.Equal(t, a, b)

	c := KeyFor(planReq("小数加法 ", "include games and quiz"))
	assert.NotEqual(t, a, c, "topic must be taken verbatim")

	d := planReq("小数加法", "include games and quiz")
	d.Subject = "语文"
	assert.NotEqual(t, b, KeyFor(d))
}

func TestKeyFor_KindAndExerciseParams(t *testing.T) {
	plan := planReq("分数", "")
	ex := plan
	ex.Kind = lesson.KindExercises
	ex.Difficulty, ex.Count, ex.QuestionType = "中等", 5, "综合"
	assert.NotEqual(t, KeyFor(plan), KeyFor(ex))

	ex2 := ex
	ex2.Count = 10
	assert.NotEqual(t, KeyFor(ex), KeyFor(ex2))
}

func TestKeyFor_SeparatorInFieldsDoesNotCollide(t *testing.T) {
	a := KeyFor(planReq("小数加法|进位", "讲练结合"))
	b := KeyFor(planReq("小数加法", "进位|讲练结合"))
	assert.NotEqual(t, a, b)

	ex := lesson.Request{Kind: lesson.KindExercises, Params: lesson.Params{
		Subject: "数学", Grade: "三年级", Topic: "分数", Difficulty: "easy|5", Count: 3, QuestionType: "choice",
	}}
	ex2 := ex
	ex2.Difficulty, ex2.QuestionType = "easy", "5|3|choice"
	ex2.Count = 0
	assert.NotEqual(t, KeyFor(ex), KeyFor(ex2))
}

func TestCacheable(t *testing.T) {
	ok := planReq("小数加法", "")
	assert.True(t, Cacheable(ok, "content"))

	assert.False(t, Cacheable(ok, ""), "empty value")
	assert.False(t, Cacheable(ok, strings.Repeat("x", MaxValueBytes+1)), "oversized value")
	assert.True(t, Cacheable(ok, strings.Repeat("x", MaxValueBytes)))

	for _, topic := range []string{"今天的天气", "Current events", "最新科技", "实时新闻", "news today", "What is happening NOW?", "today的新闻"} {
		assert.False(t, Cacheable(planReq(topic, ""), "v"), topic)
	}
	for _, topic := range []string{"Snow and weather", "Knowledge map", "Concurrent programming", "Acknowledgements"} {
		assert.True(t, Cacheable(planReq(topic, ""), "v"), topic)
	}

	missing := ok
	missing.Grade = ""
	assert.False(t, Cacheable(missing, "v"))

	analysis := lesson.Request{Kind: lesson.KindAnalysis, Params: lesson.Params{Subject: "数学", Grade: "三年级", Topic: "x"}}
	assert.False(t, Cacheable(analysis, "v"))
}

func TestCache_GetSetStats(t *testing.T) {
	c := New(10, time.Minute)

	_, ok := c.Get("k")
	require.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Equal(t, Stats{Hits: 1, Misses: 1, Entries: 1}, c.Stats())
}

func TestCache_SizeBound(t *testing.T) {
	c := New(3, time.Minute)
	for i := range 10 {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}
	assert.LessOrEqual(t, c.Stats().Entries, 3)

	_, ok := c.Get("k9")
	assert.True(t, ok, "most recent entry should survive")
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	c.Set("k", "v")

	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			c.Set(key, fmt.Sprint(i))
			c.Get(key)
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, int64(50), s.Hits+s.Misses)
	assert.Equal(t, 5, s.Entries)
}
