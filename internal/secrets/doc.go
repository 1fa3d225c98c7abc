// Package secrets redacts credentials from persisted run data.
//
// Context snapshots, trace entries and spec messages are scrubbed before
// they reach the store. Values stored under sensitive keys (api_key,
// password, ...) are masked outright; every other string is matched
// against regexp rules for well-known token formats.
package secrets
