// Package logx is tasker's logging facade over zerolog.
//
// Console output is human readable with a short caller, the optional file
// sink gets JSON lines, and the group sink forwards warnings to a Telegram
// chat at a bounded rate. A Service can be reconfigured at runtime; loggers
// taken from it follow. Level "off" silences every sink.
package logx
