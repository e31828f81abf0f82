// Package keeper implements the Keeper Loop and the
// registration/drop lifecycle around it: bootstrap, pidfile ownership,
// signal handling, the report-pg rule, and the network-partition
// self-demotion decision.
package keeper

// Stable process exit codes. The supervisor keys its restart
// behavior off these, in particular ExitCodeMonitor which signals that the
// binary must be relaunched against a matching monitor extension.
const (
	ExitCodeOK            = 0
	ExitCodeBadConfig     = 1
	ExitCodePgCtl         = 4
	ExitCodeMonitor       = 7
	ExitCodeInternalError = 12
)
