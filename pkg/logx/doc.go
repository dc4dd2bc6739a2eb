// Package logx configures reposter's structured logging.
//
// Components take a logx.Logger value (a thin zerolog wrapper). The
// Service behind it owns the sinks: a readable console, a JSON file and
// an optional alert sink that forwards warnings to a chat destination.
package logx
