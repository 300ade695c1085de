// Package logx configures meetbell's structured logging.
//
// Components receive a logx.Logger (a small value type over zerolog) and derive
// scoped loggers with With(logx.String("comp", ...)). Console output stays
// human-readable; the optional file sink is JSON.
package logx
