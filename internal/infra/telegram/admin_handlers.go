package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"daily_standup_bot/internal/app"
	"daily_standup_bot/internal/domain/cycle"
	"daily_standup_bot/internal/domain/group"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const msgUnauthorized = "Ошибка: У вас нет прав для выполнения этой команды."

// RegisterAdminHandlers registers handlers for admin commands.
func RegisterAdminHandlers(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, baseLogger *logrus.Entry) {
	b.Handle("/reload", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/reload",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		n, err := adminService.ReloadSchedules(ctx, c.Sender().ID)
		if err != nil {
			if errors.Is(err, app.ErrAdminNotAuthorized) {
				handlerLogger.Warn("Unauthorized access attempt")
				return c.Send(msgUnauthorized)
			}
			handlerLogger.WithError(err).Error("Failed to reload schedules")
			return c.Send(fmt.Sprintf("Произошла ошибка при перезагрузке расписаний: %s", err.Error()))
		}
		handlerLogger.WithField("groups", n).Info("Schedules reloaded")
		return c.Send(fmt.Sprintf("✅ Расписания перезагружены. Активных групп: %d", n))
	})

	b.Handle("/jobs", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/jobs",
			"sender_id": c.Sender().ID,
		})

		jobs, pending, err := adminService.ListJobs(ctx, c.Sender().ID)
		if err != nil {
			if errors.Is(err, app.ErrAdminNotAuthorized) {
				handlerLogger.Warn("Unauthorized access attempt")
				return c.Send(msgUnauthorized)
			}
			handlerLogger.WithError(err).Error("Failed to list jobs")
			return c.Send(fmt.Sprintf("Произошла ошибка при получении списка задач: %s", err.Error()))
		}
		return c.Send(formatJobs(jobs, pending))
	})

	b.Handle("/status", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/status",
			"sender_id": c.Sender().ID,
		})

		groupID, err := parseGroupArg(c.Args())
		if err != nil {
			return c.Send("Неверный формат команды. Используйте: /status <ID группы>")
		}
		handlerLogger = handlerLogger.WithField("group_id", groupID)

		g, snap, err := adminService.CycleStatus(ctx, c.Sender().ID, groupID)
		if err != nil {
			return c.Send(adminErrorReply(err, groupID, handlerLogger))
		}
		return c.Send(formatStatus(g, snap))
	})

	b.Handle("/remind", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/remind",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		groupID, err := parseGroupArg(c.Args())
		if err != nil {
			return c.Send("Неверный формат команды. Используйте: /remind <ID группы>")
		}
		handlerLogger = handlerLogger.WithField("group_id", groupID)

		sent, total, err := adminService.RemindPending(ctx, c.Sender().ID, groupID)
		if err != nil {
			return c.Send(adminErrorReply(err, groupID, handlerLogger))
		}
		if total == 0 {
			return c.Send("✅ Все участники уже ответили, напоминать некому.")
		}
		handlerLogger.WithFields(logrus.Fields{"sent": sent, "total": total}).Info("Reminder sent")
		return c.Send(fmt.Sprintf("✅ Повторные вопросы отправлены %d из %d участникам.", sent, total))
	})

	b.Handle("/invite", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/invite",
			"sender_id": c.Sender().ID,
		})

		groupID, err := parseGroupArg(c.Args())
		if err != nil {
			return c.Send("Неверный формат команды. Используйте: /invite <ID группы>")
		}
		handlerLogger = handlerLogger.WithField("group_id", groupID)

		g, token, err := adminService.InviteToken(ctx, c.Sender().ID, groupID)
		if err != nil {
			if errors.Is(err, app.ErrNoActivationToken) {
				return c.Send("У группы нет токена активации. Задайте его в панели администратора.")
			}
			return c.Send(adminErrorReply(err, groupID, handlerLogger))
		}
		return c.Send(inviteReply(g, inviteLink(b.Me, token)))
	})
}

// inviteLink is the deep link that opens the bot with /start <token>.
func inviteLink(me *telebot.User, token string) string {
	botName := ""
	if me != nil {
		botName = me.Username
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", botName, token)
}

func inviteReply(g *group.Group, link string) string {
	return fmt.Sprintf("🔗 Ссылка-приглашение в группу '%s':\n%s\n\nОтправьте ее участникам. После перехода по ссылке они начнут получать ежедневный вопрос.", g.Name, link)
}

func adminErrorReply(err error, groupID int64, logCtx *logrus.Entry) string {
	switch {
	case errors.Is(err, app.ErrAdminNotAuthorized):
		logCtx.Warn("Unauthorized access attempt")
		return msgUnauthorized
	case errors.Is(err, group.ErrGroupNotFound):
		return fmt.Sprintf("Группа с ID %d не найдена.", groupID)
	case errors.Is(err, app.ErrNoActiveCycle):
		return "Сейчас у группы нет активного сбора планов."
	default:
		logCtx.WithError(err).Error("Admin command failed")
		return fmt.Sprintf("Произошла ошибка: %s", err.Error())
	}
}

func parseGroupArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one argument, got %d", len(args))
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func formatJobs(jobs []app.ScheduledJob, pendingTimeouts int) string {
	if len(jobs) == 0 {
		return fmt.Sprintf("Запланированных групп нет.\nОжидающих таймаутов: %d", pendingTimeouts)
	}
	var b strings.Builder
	b.WriteString("--- Расписание групп ---\n")
	for _, j := range jobs {
		next := "—"
		if !j.Next.IsZero() {
			next = j.Next.Format("02/01/2006 15:04 MST")
		}
		b.WriteString(fmt.Sprintf("ID: %d, Группа: %s, Cron: %s, Следующий запуск: %s\n", j.GroupID, j.GroupName, j.Spec, next))
	}
	b.WriteString(fmt.Sprintf("\nОжидающих таймаутов: %d", pendingTimeouts))
	return b.String()
}

var statusNames = map[cycle.Status]string{
	cycle.StatusAnnounced:  "объявлен",
	cycle.StatusCollecting: "идет сбор ответов",
	cycle.StatusResolved:   "сбор завершен, сводка готовится",
	cycle.StatusDispatched: "сводка отправлена",
}

var resolutionNames = map[cycle.ResolutionKind]string{
	cycle.ResolutionEarlyComplete: "все ответили",
	cycle.ResolutionTimedOut:      "истекло время",
	cycle.ResolutionEmpty:         "нет участников",
}

func formatStatus(g *group.Group, snap *app.CycleSnapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 Группа '%s' (ID: %d)\n", g.Name, g.ID))
	b.WriteString(fmt.Sprintf("🕐 Расписание: %s\n", g.Schedule.String()))
	if snap == nil {
		b.WriteString("Сбор планов с момента запуска бота еще не проводился.")
		return b.String()
	}

	loc := time.UTC
	if l, err := g.Schedule.Location(); err == nil {
		loc = l
	}
	b.WriteString(fmt.Sprintf("Статус: %s\n", statusNames[snap.Status]))
	if snap.Resolution != cycle.ResolutionNone {
		b.WriteString(fmt.Sprintf("Причина завершения: %s\n", resolutionNames[snap.Resolution]))
	}
	b.WriteString(fmt.Sprintf("Начало: %s, дедлайн: %s\n",
		snap.StartedAt.In(loc).Format("15:04"), snap.Deadline.In(loc).Format("15:04")))
	b.WriteString(fmt.Sprintf("✅ Ответили: %d из %d", snap.Responded, snap.RosterSize))
	if len(snap.Pending) > 0 {
		b.WriteString("\n⏳ Не ответили: ")
		b.WriteString(strings.Join(snap.Pending, ", "))
	}
	return b.String()
}
