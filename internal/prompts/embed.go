// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed impact/*.md content/*.md video/*.md
var embeddedFS embed.FS
