// Package patterns provides embedded default artifact recognizer definitions.
// YAML files in this directory define the identifier-family recognizers
// (case, policy, order numbers and any operator-added categories). The core
// categories (phone, URL, UPI, email, bank account) are compiled in code.
package patterns

import _ "embed"

//go:embed artifacts.yaml
var artifactsYAML []byte

// ArtifactsYAML returns the embedded default artifact recognizer definitions.
func ArtifactsYAML() []byte { return artifactsYAML }
