package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"daily_standup_bot/internal/domain/group"
	"daily_standup_bot/internal/infra/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func RegisterBotCommands(
	ctx context.Context,
	b *telebot.Bot,
	cfg *config.AppConfig, // For AdminTelegramID
	directory group.Directory,
	registrar group.Registrar,
	baseLogger *logrus.Entry,
) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		if token := strings.TrimSpace(c.Message().Payload); token != "" {
			return c.Send(activationReply(ctx, registrar, token, c.Sender(), logCtx))
		}

		if senderID == cfg.AdminTelegramID {
			logCtx.Info("User identified as Admin")
			return c.Send(fmt.Sprintf("Привет, Администратор %s! Я готов к работе. Используйте /help для списка команд.", c.Sender().FirstName))
		}

		member, err := directory.GetMemberByTelegramID(ctx, senderID)
		if err == nil {
			logCtx = logCtx.WithField("member_id", member.ID)
			if member.Eligible() {
				logCtx.Info("User identified as active member")
				return c.Send(fmt.Sprintf("Привет, %s! 👋\n\nКаждый рабочий день я буду спрашивать о ваших задачах и планах. "+
					"Просто ответьте на мое сообщение, а я передам сводку администратору группы.", member.DisplayName()))
			}
			logCtx.Info("User identified as inactive or unverified member")
			return c.Send("Ваш аккаунт неактивен или еще не подтвержден. Пожалуйста, свяжитесь с администратором группы.")
		} else if !errors.Is(err, group.ErrMemberNotFound) {
			logCtx.WithError(err).Error("Error checking member status for /start command")
			return c.Send("Произошла ошибка при проверке вашего статуса. Пожалуйста, попробуйте позже.")
		}

		logCtx.Info("User is unknown")
		return c.Send("Привет! Я бот для ежедневных отчетов команды. Чтобы участвовать, попросите администратора вашей группы прислать ссылку-приглашение.")
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")

		if senderID == cfg.AdminTelegramID {
			logCtx.Info("User identified as Admin, sending admin help.")
			return c.Send(adminHelpText(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
		}

		member, err := directory.GetMemberByTelegramID(ctx, senderID)
		if err == nil {
			if member.Eligible() {
				return c.Send(memberHelpText(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
			}
			return c.Send("Ваш аккаунт неактивен. Для получения помощи обратитесь к администратору группы.")
		} else if !errors.Is(err, group.ErrMemberNotFound) {
			logCtx.WithError(err).Error("Error checking member status for /help command")
			return c.Send("Произошла ошибка при проверке вашего статуса. Пожалуйста, попробуйте позже.")
		}

		return c.Send("Доступных команд для вас нет. Попросите администратора вашей группы добавить вас в систему.")
	})
}

// activationReply attaches the sender to the group owning token and tells them the outcome.
func activationReply(ctx context.Context, registrar group.Registrar, token string, sender *telebot.User, logCtx *logrus.Entry) string {
	profile := group.Profile{
		TelegramID: sender.ID,
		Username:   sender.Username,
		FullName:   strings.TrimSpace(sender.FirstName + " " + sender.LastName),
	}
	g, member, err := registrar.ActivateMember(ctx, token, profile)
	switch {
	case errors.Is(err, group.ErrInvalidActivationToken):
		logCtx.Warn("Activation attempted with an unknown token")
		return "❌ Неверная ссылка активации или группа неактивна.\n\n" +
			"Используйте актуальную ссылку от администратора или обратитесь к нему."
	case errors.Is(err, group.ErrAlreadyActivated):
		return fmt.Sprintf("✅ Вы уже активированы в системе!\n\n"+
			"Каждый день в %02d:%02d я буду спрашивать о ваших задачах и планах. "+
			"Просто отвечайте на мои сообщения.", g.Schedule.Hour, g.Schedule.Minute)
	case err != nil:
		logCtx.WithError(err).Error("Failed to activate member")
		return "Произошла ошибка при активации. Пожалуйста, попробуйте позже."
	}

	logCtx.WithFields(logrus.Fields{"group_id": g.ID, "member_id": member.ID}).Info("Member activated through invitation link")
	return fmt.Sprintf("🎉 Добро пожаловать в группу '%s', %s!\n\n"+
		"✅ Ваш аккаунт успешно активирован!\n\n"+
		"Каждый день в %02d:%02d я буду спрашивать, какие задачи получилось решить и какой план на завтра. "+
		"Просто отвечайте на мои сообщения.", g.Name, member.DisplayName(), g.Schedule.Hour, g.Schedule.Minute)
}

func adminHelpText() string {
	var helpText strings.Builder
	helpText.WriteString("Доступные команды Администратора:\n\n")
	helpText.WriteString("`/jobs`\n - Показать расписание всех групп и ожидающие таймауты.\n\n")
	helpText.WriteString("`/reload`\n - Перечитать группы из базы и пересобрать расписания.\n\n")
	helpText.WriteString("`/status <ID группы>`\n - Состояние текущего сбора планов группы.\n\n")
	helpText.WriteString("`/remind <ID группы>`\n - Повторно отправить вопрос тем, кто еще не ответил.\n\n")
	helpText.WriteString("`/invite <ID группы>`\n - Получить ссылку-приглашение для участников группы.\n\n")
	helpText.WriteString("`/help`\n - Показать это справочное сообщение.")
	return helpText.String()
}

func memberHelpText() string {
	var helpText strings.Builder
	helpText.WriteString("В рабочие дни в назначенное время я спрошу, что вы сделали за день и что планируете на завтра.\n\n")
	helpText.WriteString("Ответьте одним сообщением. Если ответ будет слишком общим, я попрошу уточнить.\n\n")
	helpText.WriteString("`/change`\n - Заменить уже отправленный план на сегодня.\n\n")
	helpText.WriteString("`/help`\n - Показать это сообщение.")
	return helpText.String()
}
