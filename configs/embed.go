// Package configs provides the embedded configuration template.
//
// The template is embedded at build time so 'agent-brain config init'
// works in every distribution: source builds, binary releases, and
// package installs.
package configs

import _ "embed"

// ExampleConfig is the annotated configuration template written by
// 'agent-brain config init'.
//
//go:embed agent-brain.example.yaml
var ExampleConfig string
