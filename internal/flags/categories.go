package flags

import "github.com/urfave/cli/v2"

const (
	BridgeCategory    = "BRIDGE"
	ChainCategory     = "CHAINS"
	ObserverCategory  = "OBSERVERS"
	SubmitterCategory = "SETTLEMENT"
	DevCategory       = "DEVELOPER CHAINS"
	PerfCategory      = "PERFORMANCE TUNING"
	APICategory       = "API AND MONITORING"
	LoggingCategory   = "LOGGING AND DEBUGGING"
	MetricsCategory   = "METRICS AND STATS"
	MiscCategory      = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
