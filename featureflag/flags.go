package featureflag

type Flag string

const (
	// Skips the cell count tables built after a decomposition.
	FlagDisableProcessTables Flag = "DISABLE_PROCESS_TABLES"

	// Cuts regions around the bounds of the points instead of the bounds
	// of the datasets.
	FlagQueryDataBounds Flag = "QUERY_DATA_BOUNDS"

	// Skips the check that every process holds the same partition.
	FlagDisableFingerprintCheck Flag = "DISABLE_FINGERPRINT_CHECK"
)

var knownFlags = map[Flag]struct{}{
	FlagDisableProcessTables:    {},
	FlagQueryDataBounds:         {},
	FlagDisableFingerprintCheck: {},
}
