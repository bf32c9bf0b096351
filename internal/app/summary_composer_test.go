package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"daily_standup_bot/internal/domain/cycle"
	"daily_standup_bot/internal/domain/group"
	"daily_standup_bot/internal/infra/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func acceptedRecords(texts map[int64]string) map[int64]*cycle.ResponseRecord {
	out := make(map[int64]*cycle.ResponseRecord, len(texts))
	for id, text := range texts {
		out[id] = &cycle.ResponseRecord{MemberID: id, Text: text, Accepted: true}
	}
	return out
}

func TestSummaryComposerUsesGeneratedBody(t *testing.T) {
	var gotPrompt string
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "  Итоги дня: релиз  ", nil
	}}
	dir := newFakeDirectory()
	g := testGroup(7)
	alice, bob := testMember(1, g.ID, "Alice"), testMember(2, g.ID, "Bob")
	dir.addGroup(g, alice, bob)
	tg := newFakeTelegram()
	m := metrics.New(prometheus.NewRegistry())
	composer := NewSummaryComposer(gen, dir, tg, m, testLogger())
	// The window started late on the 14th and closes after local midnight.
	composer.now = func() time.Time { return time.Date(2025, 3, 15, 0, 10, 0, 0, time.UTC) }
	cycleDate := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	err := composer.Dispatch(context.Background(), g, cycleDate, []*group.Member{alice, bob}, acceptedRecords(map[int64]string{1: "Сделала релиз"}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}
	if !strings.Contains(gotPrompt, "Alice: Сделала релиз") || !strings.Contains(gotPrompt, "Не ответили: Bob") {
		t.Errorf("prompt misses responders or non-responders: %q", gotPrompt)
	}

	msgs := tg.messagesTo(testAdminID)
	if len(msgs) != 1 {
		t.Fatalf("admin got %d messages, want 1", len(msgs))
	}
	want := "📊 Сводка планов группы 'Team 7'\n📅 Дата: 14/03/2025\n👥 Участников: 2\n✅ Ответили: 1\n⏳ Не ответили: 1\n\nИтоги дня: релиз"
	if msgs[0] != want {
		t.Errorf("report =\n%q\nwant\n%q", msgs[0], want)
	}
	if got := testutil.ToFloat64(m.Summaries.WithLabelValues(SummarySourceGenerated)); got != 1 {
		t.Errorf("summaries{generated} = %v, want 1", got)
	}
}

func TestSummaryComposerFallbackWhenGeneratorFails(t *testing.T) {
	dir := newFakeDirectory()
	g := testGroup(1)
	alice, bob := testMember(1, g.ID, "Alice"), testMember(2, g.ID, "Bob")
	dir.addGroup(g, alice, bob)
	composer := NewSummaryComposer(failingGenerator(), dir, newFakeTelegram(), nil, testLogger())

	report := composer.Compose(context.Background(), g, time.Time{}, []*group.Member{alice, bob}, acceptedRecords(map[int64]string{2: "Починил баг"}))
	if report.Source != SummarySourceFallback {
		t.Errorf("source = %s, want fallback", report.Source)
	}
	if !strings.Contains(report.Text, "Bob: Починил баг") || !strings.Contains(report.Text, "Не ответили: Alice") {
		t.Errorf("fallback report incomplete: %q", report.Text)
	}
}

func TestSummaryComposerPartitionKeepsRosterOrder(t *testing.T) {
	roster := []*group.Member{testMember(3, 1, "Carol"), testMember(1, 1, "Alice"), testMember(2, 1, "Bob")}
	records := acceptedRecords(map[int64]string{1: "a-plan", 3: "c-plan", 2: "   "})
	records[4] = &cycle.ResponseRecord{MemberID: 4, Text: "not on roster", Accepted: true}

	responses, missing := partitionRoster(roster, records)
	if strings.Join(responses, "|") != "Carol: c-plan|Alice: a-plan" {
		t.Errorf("responses = %q", responses)
	}
	if strings.Join(missing, "|") != "Bob" {
		t.Errorf("non-responders = %q", missing)
	}
}

func TestFallbackBodyNobodyResponded(t *testing.T) {
	body := FallbackBody(nil, []string{"Alice", "Bob"})
	if !strings.Contains(body, "Никто из команды не предоставил планы.") || !strings.HasSuffix(body, "Не ответили: Alice, Bob") {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestSummaryComposerChunksLongReports(t *testing.T) {
	long := strings.Repeat("строка отчета\n", 700) // ~9800 runes
	dir := newFakeDirectory()
	g := testGroup(1)
	alice := testMember(1, g.ID, "Alice")
	dir.addGroup(g, alice)
	tg := newFakeTelegram()
	composer := NewSummaryComposer(summaryGenerator(long), dir, tg, nil, testLogger())

	if err := composer.Dispatch(context.Background(), g, time.Time{}, []*group.Member{alice}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msgs := tg.messagesTo(testAdminID)
	if len(msgs) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(msgs))
	}
	if strings.HasPrefix(msgs[0], "(продолжение") {
		t.Errorf("first chunk must not carry a continuation prefix")
	}
	var rebuilt strings.Builder
	rebuilt.WriteString(msgs[0])
	for i, msg := range msgs {
		if n := utf8.RuneCountInString(msg); n > composer.chunkSize {
			t.Errorf("chunk %d has %d runes, limit %d", i+1, n, composer.chunkSize)
		}
		if i == 0 {
			continue
		}
		prefix := fmt.Sprintf(continuationFormat, i+1)
		if !strings.HasPrefix(msg, prefix) {
			t.Errorf("chunk %d misses prefix %q", i+1, prefix)
			continue
		}
		rebuilt.WriteString(strings.TrimPrefix(msg, prefix))
	}
	if !strings.HasSuffix(rebuilt.String(), strings.TrimSpace(long)) {
		t.Errorf("chunks do not reassemble into the generated report")
	}
}

func TestSplitReportKeepsPrefixedChunksWithinLimit(t *testing.T) {
	text := strings.Repeat("ж", 12000)
	chunks := splitReport(text, 4000)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	total := 0
	for i, chunk := range chunks {
		n := utf8.RuneCountInString(chunk)
		if n > 4000 {
			t.Errorf("chunk %d has %d runes > 4000", i+1, n)
		}
		total += utf8.RuneCountInString(strings.TrimPrefix(chunk, fmt.Sprintf(continuationFormat, i+1)))
	}
	if total != 12000 {
		t.Errorf("chunks carry %d runes of body, want 12000", total)
	}
	if got := splitReport("short", 4000); len(got) != 1 || got[0] != "short" {
		t.Errorf("short report = %q", got)
	}
}

func TestSummaryComposerFallsBackToSnapshotAdmin(t *testing.T) {
	g := testGroup(5)
	g.AdminTelegramID = 777
	tg := newFakeTelegram()
	// The directory does not know the group: admin lookup fails.
	composer := NewSummaryComposer(summaryGenerator("ok"), newFakeDirectory(), tg, nil, testLogger())

	if err := composer.Dispatch(context.Background(), g, time.Time{}, nil, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len(tg.messagesTo(777)); got != 1 {
		t.Errorf("snapshot admin got %d messages, want 1", got)
	}
}

func TestSummaryComposerDeliveryFailure(t *testing.T) {
	dir := newFakeDirectory()
	g := testGroup(1)
	dir.addGroup(g)
	tg := newFakeTelegram()
	tg.failFor[testAdminID] = true
	composer := NewSummaryComposer(summaryGenerator("ok"), dir, tg, nil, testLogger())

	if err := composer.Dispatch(context.Background(), g, time.Time{}, nil, nil); err == nil {
		t.Errorf("expected an error when the administrator cannot be reached")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text split into %q", got)
	}

	text := "первая строка\nвторая строка\nтретья"
	chunks := SplitMessage(text, 16)
	if strings.Join(chunks, "") != text {
		t.Errorf("chunks do not reassemble the text: %q", chunks)
	}
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 16 {
			t.Errorf("chunk %q has %d runes, limit 16", c, n)
		}
	}
	if chunks[0] != "первая строка\n" {
		t.Errorf("expected split at line break, got first chunk %q", chunks[0])
	}

	noBreaks := strings.Repeat("я", 25)
	chunks = SplitMessage(noBreaks, 10)
	if len(chunks) != 3 || utf8.RuneCountInString(chunks[2]) != 5 {
		t.Errorf("hard split = %q", chunks)
	}
}
