// Package config loads the gateway configuration from YAML files and
// environment variables. It defines the server, logging, metrics and
// discovery sections and the per-route settings, and converts each route
// into a gateway route spec.
package config
