// Package config loads engine configuration and pipeline definitions.
//
// Configuration follows a strict precedence: compiled-in defaults, then
// an optional YAML file, then environment variables with the STAGEFLOW_
// prefix. Pipeline definitions load separately so operators can add
// pipelines without touching engine settings.
package config
