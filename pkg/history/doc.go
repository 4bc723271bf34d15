// Package history archives finished conversations.
//
// A conversation is archived when its session is reset with "new chat",
// deleted, or still open at shutdown. Transcripts live in a Store: one JSONL
// file per transcript, or a SQLite database. Cleanup prunes transcripts past
// the retention period on a cron schedule.
package history
