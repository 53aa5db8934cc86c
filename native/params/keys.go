package params

const (
	// ParamsKeySystem stores the ledger-wide system state record.
	ParamsKeySystem = "system/state"
)
