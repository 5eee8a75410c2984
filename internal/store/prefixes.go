package store

// Key prefixes. Dates are YYYY-MM-DD, so lexical order is chronological.
const (
	runPrefix     = "run/"
	recordPrefix  = "rec/"
	donePrefix    = "done/"
	tablePrefix   = "table/"
	archivePrefix = "archive/"
	lastMarketKey = "market/last"
)
