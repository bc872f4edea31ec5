// Package config loads CIDS service configuration from environment variables.
package config
