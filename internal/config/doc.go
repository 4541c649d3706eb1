// Package config loads and validates application configuration from an
// optional YAML file and QUEUE_-prefixed environment variables, with
// environment values taking precedence.
package config
