package webassets

import "embed"

// FS holds the pages served by the callback and loopback routes.
//
//go:embed callback.html home.html
var FS embed.FS
