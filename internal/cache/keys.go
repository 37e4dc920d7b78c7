package cache

// Logical document keys. Every cross-job piece of state lives under one of
// these; there is no other shared state between workers.
const (
	KeyCases       = "cases"
	KeyCards       = "cards"
	KeyBugs        = "bugs"
	KeyCaseBugs    = "case_bz"
	KeyIssues      = "issues"
	KeyDetails     = "details"
	KeyEscalations = "escalations"
	KeyWatchlist   = "watchlist"
	KeyStats       = "stats"
	KeyLastChoice  = "last_choice"
	KeyRefreshID   = "refresh_id"
	KeyProgress    = "refresh_progress"
	KeyTimestamp   = "timestamp"
)

// Named locks.
const (
	LockRefresh = "refresh_lock"
	LockSync    = "sync_lock"
)
