package telegram

import (
	"context"
	"errors"
	"strings"

	"daily_standup_bot/internal/app"
	"daily_standup_bot/internal/domain/group"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const (
	msgNoActiveCycle = "⏰ Сейчас нет активного сбора планов. Я напишу вам, когда придет время отчета."
	msgNotInRoster   = "ℹ️ Вы не участвуете в текущем сборе планов вашей группы. Дождитесь следующего."
	msgNotRegistered = "❌ Вы не зарегистрированы в системе. Обратитесь к администратору вашей группы за ссылкой-приглашением."
	msgNothingToEdit = "ℹ️ Вы еще не отправили план на сегодня, менять пока нечего. Просто ответьте на вопрос."
	msgInternalError = "Произошла ошибка при обработке вашего ответа. Пожалуйста, попробуйте позже."
)

// RegisterMemberHandlers routes free text from private chats into the daily cycle and handles /change.
func RegisterMemberHandlers(ctx context.Context, b *telebot.Bot, cycles app.CycleService, directory group.Directory, baseLogger *logrus.Entry) {
	b.Handle(telebot.OnText, func(c telebot.Context) error {
		if c.Chat() == nil || c.Chat().Type != telebot.ChatPrivate {
			return nil
		}
		text := c.Text()
		if strings.HasPrefix(text, "/") {
			return c.Send("Неизвестная команда. Используйте /help для списка команд.")
		}

		senderID := c.Sender().ID
		logCtx := baseLogger.WithFields(logrus.Fields{
			"handler":   "on_text",
			"sender_id": senderID,
		})

		outcome, err := cycles.OnResponse(ctx, senderID, text)
		if err != nil {
			return c.Send(explainCycleError(ctx, err, senderID, directory, logCtx))
		}
		logCtx.WithField("outcome", outcome.Kind).Debug("Response processed")
		return c.Send(outcome.Reply)
	})

	b.Handle("/change", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := baseLogger.WithFields(logrus.Fields{
			"handler":   "/change",
			"sender_id": senderID,
		})
		logCtx.Info("Command received")

		reply, err := cycles.OnEditRequest(ctx, senderID)
		if err != nil {
			if errors.Is(err, app.ErrNothingToEdit) {
				return c.Send(msgNothingToEdit)
			}
			return c.Send(explainCycleError(ctx, err, senderID, directory, logCtx))
		}
		return c.Send(reply)
	})
}

// explainCycleError turns a cycle error into a reply. A member unknown to the directory is
// told to register rather than to wait.
func explainCycleError(ctx context.Context, err error, senderID int64, directory group.Directory, logCtx *logrus.Entry) string {
	switch {
	case errors.Is(err, app.ErrNotInRoster):
		return msgNotInRoster
	case errors.Is(err, app.ErrNoActiveCycle):
		if _, lookupErr := directory.GetMemberByTelegramID(ctx, senderID); errors.Is(lookupErr, group.ErrMemberNotFound) {
			return msgNotRegistered
		}
		return msgNoActiveCycle
	default:
		logCtx.WithError(err).Error("Failed to process member message")
		return msgInternalError
	}
}
