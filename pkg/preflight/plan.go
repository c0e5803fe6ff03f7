package preflight

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible    bool
	ReplicaAccessible   bool
	ReplicaWritable     bool
	EnsureReplicaExists bool
	PathNesting         bool

	// DryRun keeps the checks free of filesystem changes.
	DryRun bool
}
