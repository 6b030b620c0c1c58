// Package stores provides durable journal implementations for ignite.
// SQLiteJournal keeps the journal, its write history, run reports and
// lifecycle events in a WAL-mode SQLite database with embedded migrations.
// FileJournal is a dependency-free JSON-lines log for single-process use.
package stores
