// Package migrations holds the goose migrations of the history store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
