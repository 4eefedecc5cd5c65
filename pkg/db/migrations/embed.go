// Package migrations registers the nestsync schema history with goose.
//
// The three steps follow the sharing models in the order they were introduced:
// legacy shared_with_user_id, then partner_id, then sleep_entry_shares.
package migrations

import "embed"

// FS exposes the migration sources so goose can match registered Go
// migrations by file name.
//
//go:embed *.go
var FS embed.FS
