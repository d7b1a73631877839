package opshttp

import (
	"net/http"

	"github.com/keithlinneman/yarascan/internal/health"
)

const defaultAddr = ":9000"

type Options struct {
	// Addr is host:port; empty means :9000.
	Addr        string
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic disables the non-public network guard.
	AllowPublic  bool
	UseRecoverMW bool
	OnPanic      func()
}
