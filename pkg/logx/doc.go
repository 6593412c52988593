// Package logx is pewnotify's structured logging on top of zerolog.
//
// A Service owns the outputs: a readable console, a size-rotated JSON file
// (lumberjack) and an optional alert sink that forwards warnings to an
// operator chat. Loggers handed out by the Service follow Apply, so a config
// reload changes levels and outputs without re-wiring components.
package logx
