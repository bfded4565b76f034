package tgui

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// DoneData is the callback payload of the done button: the instance id in decimal.
func DoneData(instanceID int64) string { return strconv.FormatInt(instanceID, 10) }

// ParseDoneData returns the instance id carried by a done button. Anything
// else, including ids <= 0, is rejected.
func ParseDoneData(data string) (int64, bool) {
	data = strings.TrimSpace(data)
	if data == "" || len(data) > MaxCallbackDataLen {
		return 0, false
	}
	id, err := strconv.ParseInt(data, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// DoneKeyboard is the one-button inline keyboard attached to a reminder.
func DoneKeyboard(text string, instanceID int64) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(tele.Btn{Text: text, Data: DoneData(instanceID)}))
	return rm
}
