package resources

import "embed"

//go:embed migrations i18n gatekeeper
var FS embed.FS
