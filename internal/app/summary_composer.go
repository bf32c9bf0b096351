package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"daily_standup_bot/internal/domain/cycle"
	"daily_standup_bot/internal/domain/group"
	domainTelegram "daily_standup_bot/internal/domain/telegram"
	"daily_standup_bot/internal/domain/textgen"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/sirupsen/logrus"
)

const (
	SummarySourceGenerated = "generated"
	SummarySourceFallback  = "fallback"
)

// Report is a composed summary ready for delivery.
type Report struct {
	Text          string
	Source        string // SummarySourceGenerated or SummarySourceFallback
	Responses     []string
	NonResponders []string
}

// SummaryComposer turns a resolved cycle into one report for the group's administrator.
type SummaryComposer struct {
	generator textgen.Generator
	directory group.Directory
	telegram  domainTelegram.Client
	metrics   *metrics.Metrics
	logger    *logrus.Entry
	chunkSize int
	now       func() time.Time
}

func NewSummaryComposer(
	generator textgen.Generator,
	directory group.Directory,
	tc domainTelegram.Client,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *SummaryComposer {
	return &SummaryComposer{
		generator: generator,
		directory: directory,
		telegram:  tc,
		metrics:   m,
		logger:    logger,
		chunkSize: domainTelegram.MaxMessageLength,
		now:       time.Now,
	}
}

// Dispatch composes the report for roster and records and delivers it to the group administrator.
// cycleDate is the local calendar day the cycle was started on.
// It performs network I/O and must not run on a scheduler goroutine.
func (c *SummaryComposer) Dispatch(ctx context.Context, g *group.Group, cycleDate time.Time, roster []*group.Member, records map[int64]*cycle.ResponseRecord) error {
	started := c.now()
	logCtx := c.logger.WithField("group_id", g.ID)

	report := c.Compose(ctx, g, cycleDate, roster, records)

	adminID, err := c.directory.AdminTelegramID(ctx, g.ID)
	if err != nil || adminID == 0 {
		logCtx.WithError(err).Warn("Could not resolve administrator from directory, using cycle snapshot")
		adminID = g.AdminTelegramID
	}
	if adminID == 0 {
		logCtx.Error("Group has no administrator configured, summary cannot be delivered")
		return fmt.Errorf("group %d has no administrator", g.ID)
	}

	chunks := splitReport(report.Text, c.chunkSize)
	for i, text := range chunks {
		if err := c.telegram.SendMessage(adminID, text, nil); err != nil {
			logCtx.WithError(err).WithFields(logrus.Fields{
				"admin_telegram_id": adminID,
				"chunk":             i + 1,
				"chunks":            len(chunks),
			}).Error("Failed to deliver summary to administrator")
			return fmt.Errorf("failed to deliver summary chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	c.metrics.SummaryDelivered(report.Source, c.now().Sub(started))
	logCtx.WithFields(logrus.Fields{
		"admin_telegram_id": adminID,
		"source":            report.Source,
		"responders":        len(report.Responses),
		"non_responders":    len(report.NonResponders),
		"chunks":            len(chunks),
	}).Info("Summary delivered to administrator")
	return nil
}

// Compose builds the report text, falling back to a plain concatenation when the generator fails.
func (c *SummaryComposer) Compose(ctx context.Context, g *group.Group, cycleDate time.Time, roster []*group.Member, records map[int64]*cycle.ResponseRecord) Report {
	responses, nonResponders := partitionRoster(roster, records)
	report := Report{
		Responses:     responses,
		NonResponders: nonResponders,
	}

	body := ""
	if c.generator != nil {
		generated, err := c.generator.Generate(ctx, buildSummaryPrompt(responses, nonResponders))
		if err != nil {
			c.logger.WithError(err).WithField("group_id", g.ID).Warn("Summary generator unavailable, using fallback report")
		} else {
			body = strings.TrimSpace(generated)
		}
	}
	if body == "" {
		report.Source = SummarySourceFallback
		body = FallbackBody(responses, nonResponders)
	} else {
		report.Source = SummarySourceGenerated
	}

	report.Text = c.header(g, cycleDate, len(roster), len(responses), len(nonResponders)) + body
	return report
}

func (c *SummaryComposer) header(g *group.Group, cycleDate time.Time, total, responded, missing int) string {
	day := cycleDate
	if day.IsZero() {
		day = c.now()
		if loc, err := g.Schedule.Location(); err == nil {
			day = day.In(loc)
		}
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 Сводка планов группы '%s'\n", g.Name))
	b.WriteString(fmt.Sprintf("📅 Дата: %s\n", day.Format("02/01/2006")))
	b.WriteString(fmt.Sprintf("👥 Участников: %d\n", total))
	b.WriteString(fmt.Sprintf("✅ Ответили: %d\n", responded))
	b.WriteString(fmt.Sprintf("⏳ Не ответили: %d\n\n", missing))
	return b.String()
}

// partitionRoster returns "Name: text" lines for responders and the names of non-responders,
// both in roster order.
func partitionRoster(roster []*group.Member, records map[int64]*cycle.ResponseRecord) ([]string, []string) {
	responses := make([]string, 0, len(roster))
	nonResponders := make([]string, 0)
	for _, m := range roster {
		rec, ok := records[m.ID]
		if ok && rec.Accepted && strings.TrimSpace(rec.Text) != "" {
			responses = append(responses, fmt.Sprintf("%s: %s", m.DisplayName(), rec.Text))
			continue
		}
		nonResponders = append(nonResponders, m.DisplayName())
	}
	return responses, nonResponders
}

// FallbackBody is the deterministic report used when the generator is unavailable.
func FallbackBody(responses, nonResponders []string) string {
	var b strings.Builder
	b.WriteString("⚠️ Не удалось сгенерировать сводку через AI. Базовый отчет:\n\n")
	if len(responses) > 0 {
		b.WriteString(strings.Join(responses, "\n"))
	} else {
		b.WriteString("Никто из команды не предоставил планы.")
	}
	if len(nonResponders) > 0 {
		b.WriteString("\n\nНе ответили: ")
		b.WriteString(strings.Join(nonResponders, ", "))
	}
	return b.String()
}

func buildSummaryPrompt(responses, nonResponders []string) string {
	answers := "Никто не ответил"
	if len(responses) > 0 {
		answers = strings.Join(responses, "\n")
	}
	status := "Все участники команды предоставили свои планы"
	if len(nonResponders) > 0 {
		status = "Не ответили: " + strings.Join(nonResponders, ", ")
	}
	return fmt.Sprintf(`Создай краткую сводку работы команды за день.

Ответы сотрудников:
%s

Требования к сводке:
- Кратко и структурированно
- Выдели основные направления работы
- Укажи кто чем занимается (только тех, кто ответил)
- Общий объем текста на каждого сотрудника до 70 слов
- НЕ используй звездочки для выделения текста
- НЕ указывай дату в ответе
- Используй простое форматирование без специальных символов

Ответ должен быть в формате краткого отчета для руководителя.
В конце отчета обязательно укажи статус ответов: %s.`, answers, status)
}

const continuationFormat = "(продолжение %d)\n"

// splitReport cuts a report for delivery. Chunks after the first are numbered with
// continuationFormat, and every chunk, prefix included, stays within limit.
func splitReport(text string, limit int) []string {
	chunks := SplitMessage(text, limit)
	if len(chunks) == 1 {
		return chunks
	}
	reserve := utf8.RuneCountInString(fmt.Sprintf(continuationFormat, len([]rune(text))))
	bodyLimit := limit - reserve
	if bodyLimit < 1 {
		bodyLimit = 1
	}
	rest := SplitMessage(strings.Join(chunks[1:], ""), bodyLimit)
	out := make([]string, 0, len(rest)+1)
	out = append(out, chunks[0])
	for i, chunk := range rest {
		out = append(out, fmt.Sprintf(continuationFormat, i+2)+chunk)
	}
	return out
}

// SplitMessage cuts text into chunks of at most limit characters, preferring line breaks.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
