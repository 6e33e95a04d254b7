// Package logx is the relay's structured logger: a thin value-type wrapper
// over zerolog with a short caller, console or JSON stdout, an optional file
// sink and runtime level changes through Service.Apply.
package logx
