// Package defaults provides the embedded example configuration written
// by the telemetry-publisher init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml whose values equal
// [config.Default].
//
//go:embed config.example.yaml
var ConfigYAML []byte
