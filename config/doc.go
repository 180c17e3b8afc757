// Package config loads and validates the router controller's policies
// document and ambient server/log/telemetry settings.
package config
