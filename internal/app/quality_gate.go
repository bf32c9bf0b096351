package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"daily_standup_bot/internal/domain/textgen"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/sirupsen/logrus"
)

const (
	// MaxQualityRetries is how many rejections a member can get per cycle.
	// Once RetryCount reaches it, the next submission is accepted as is.
	MaxQualityRetries = 3
	// MinResponseLength is the shortest trimmed response (in characters) worth sending to the judge.
	MinResponseLength = 5
)

const (
	feedbackTooShort = "Ответ слишком короткий. Опишите, какие задачи вы решили, какой план на завтра и какие были сложности."
	feedbackDefault  = "Пожалуйста, опишите ваш план более подробно."
)

// Verdict is the outcome of a quality check.
type Verdict struct {
	Accept    bool
	Feedback  string
	Reason    string
	Forced    bool // Accepted without a positive judgement (retries exhausted or judge unusable)
	JudgeUsed bool
}

// QualityGate decides whether a submitted response is detailed enough.
type QualityGate struct {
	judge   textgen.Generator
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

func NewQualityGate(judge textgen.Generator, m *metrics.Metrics, logger *logrus.Entry) *QualityGate {
	return &QualityGate{
		judge:   judge,
		metrics: m,
		logger:  logger,
	}
}

// Evaluate classifies text given the member's current retry count. It never returns an error:
// any failure of the judge is treated as acceptance.
func (g *QualityGate) Evaluate(ctx context.Context, text string, retryCount int) Verdict {
	if retryCount >= MaxQualityRetries {
		return Verdict{Accept: true, Forced: true, Reason: "retries exhausted"}
	}

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < MinResponseLength {
		return Verdict{Accept: false, Feedback: feedbackTooShort, Reason: "too short"}
	}

	if g.judge == nil {
		return Verdict{Accept: true, Forced: true, Reason: "judge not configured"}
	}

	output, err := g.judge.Generate(ctx, buildJudgePrompt(trimmed))
	if err != nil {
		g.logger.WithError(err).Warn("Quality judge unavailable, accepting response")
		g.metrics.JudgeCalled("unavailable")
		return Verdict{Accept: true, Forced: true, Reason: "judge unavailable", JudgeUsed: true}
	}

	verdict, ok := parseJudgeVerdict(output)
	if !ok {
		g.logger.WithField("judge_output", truncate(output, 200)).Warn("Unparseable judge output, accepting response")
		g.metrics.JudgeCalled("unparseable")
		return Verdict{Accept: true, Forced: true, Reason: "judge output unparseable", JudgeUsed: true}
	}
	verdict.JudgeUsed = true

	if verdict.Accept {
		g.metrics.JudgeCalled("accepted")
	} else {
		g.metrics.JudgeCalled("rejected")
		if verdict.Feedback == "" {
			verdict.Feedback = feedbackDefault
		}
	}
	return verdict
}

func buildJudgePrompt(text string) string {
	return fmt.Sprintf(`Ты проверяешь ежедневные отчёты сотрудников.
Сотрудник отвечает на вопрос: какие задачи сегодня получилось решить, какой план на завтра и какие были сложности.

Ответ сотрудника:
"""
%s
"""

Ответ приемлем, если в нём есть хотя бы одна конкретная задача, проект или цель.
Отписки ("всё норм", "работаю", "ок") и текст не по теме неприемлемы.

Ответь строго в формате из трёх строк, без дополнительного текста:
ACCEPTABLE: YES или NO
FEEDBACK: короткая подсказка сотруднику, что уточнить (пусто, если YES)
REASON: краткая причина решения`, text)
}

// parseJudgeVerdict reads the three-field ACCEPTABLE/FEEDBACK/REASON answer.
// Lines that do not start with a known key continue the previous field.
func parseJudgeVerdict(output string) (Verdict, bool) {
	var (
		verdict    Verdict
		haveAccept bool
		current    *string
	)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.Trim(strings.TrimSpace(raw), "*-` ")
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if found {
			value = strings.Trim(strings.TrimSpace(value), "*` ")
			switch strings.ToUpper(strings.Trim(strings.TrimSpace(key), "*` ")) {
			case "ACCEPTABLE":
				accept, ok := parseYesNo(value)
				if !ok {
					return Verdict{}, false
				}
				verdict.Accept = accept
				haveAccept = true
				current = nil
				continue
			case "FEEDBACK":
				verdict.Feedback = value
				current = &verdict.Feedback
				continue
			case "REASON":
				verdict.Reason = value
				current = &verdict.Reason
				continue
			}
		}
		if current != nil {
			*current = strings.TrimSpace(*current + " " + line)
		}
	}
	return verdict, haveAccept
}

func parseYesNo(value string) (bool, bool) {
	switch strings.ToUpper(strings.Trim(value, ".!\"' ")) {
	case "YES", "TRUE", "ДА":
		return true, true
	case "NO", "FALSE", "НЕТ":
		return false, true
	default:
		return false, false
	}
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
