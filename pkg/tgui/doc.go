// Package tgui holds the small pieces of Telegram UI the bot renders: HTML
// fragments for ParseMode="HTML" and the done keyboard with its callback data.
package tgui
