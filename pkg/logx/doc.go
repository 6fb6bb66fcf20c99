// Package logx configures gatebot's structured logging on top of zerolog.
//
// Console output is human-readable and file output is JSON lines. The
// optional Telegram sink renders records as HTML for the log chat. It is
// rate limited, and the same line is sent at most once a minute.
package logx
