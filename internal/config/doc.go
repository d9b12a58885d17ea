// Package config loads and validates the mallchat-server YAML configuration.
package config
