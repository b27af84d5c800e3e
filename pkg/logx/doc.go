// Package logx is a small structured-logging layer over zerolog.
//
// It exists so components can depend on a stable, minimal API (Logger,
// Field helpers) while the process can swap sinks and levels at runtime
// via Service.Apply without rewiring every component.
package logx
