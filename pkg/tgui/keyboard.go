package tgui

import kit "gatebot/internal/transport"

// Row builds one keyboard row.
func Row(btns ...kit.Button) []kit.Button { return btns }

// Btn is a callback button for inline keyboards.
func Btn(text, data string) kit.Button { return kit.Button{Text: text, Data: data} }

// Key is a plain reply-keyboard button; pressing it sends text.
func Key(text string) kit.Button { return kit.Button{Text: text} }

// Inline builds an inline keyboard attached to the message.
func Inline(rows ...[]kit.Button) *kit.Keyboard {
	return &kit.Keyboard{Inline: true, Rows: rows}
}

// Reply builds a resized reply keyboard.
func Reply(rows ...[]kit.Button) *kit.Keyboard {
	return &kit.Keyboard{Rows: rows}
}

// ReplyOnce is Reply that hides itself after one press.
func ReplyOnce(rows ...[]kit.Button) *kit.Keyboard {
	return &kit.Keyboard{OneTime: true, Rows: rows}
}

// RemoveKeyboard hides any reply keyboard.
func RemoveKeyboard() *kit.Keyboard { return &kit.Keyboard{Remove: true} }

// HTML returns send options for ParseMode=HTML without link previews.
func HTML(kb *kit.Keyboard) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
}

// Plain returns send options for plain text.
func Plain(kb *kit.Keyboard) *kit.SendOptions {
	return &kit.SendOptions{Keyboard: kb}
}
