// Package migrations holds the goose SQL migrations for the booking ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
