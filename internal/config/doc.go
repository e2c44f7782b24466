// Package config loads the service configuration from defaults, an optional
// YAML file and SCRY_ prefixed environment variables, then validates it.
package config
