// Package server is the HTTP front door of the relay.
//
// It serves the control panel at /, upgrades /ws into relay connections and
// exposes /health/live and /metrics. The upgrade route is rate limited per
// client IP; once upgraded, a connection belongs to the relay until it closes.
package server
