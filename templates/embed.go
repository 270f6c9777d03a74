// Package templates embeds the default configuration shipped with offline.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
