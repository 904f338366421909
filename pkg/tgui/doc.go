// Package tgui provides small Telegram UI helpers:
//   - HTML-safe text fragments for ParseMode="HTML"
//   - Inline keyboard builders for post buttons
//   - A message builder used for operator and seller notifications
package tgui
