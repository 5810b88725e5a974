package version

// Current and Commit are set at build time with -ldflags -X.
var (
	Current = "dev"
	Commit  = ""
)

// AppName is the service name reported on traces.
const AppName = "charterguard"

// ProposalFormat is the first line of every canonical proposal message.
const ProposalFormat = "charterguard-proposal/v1"

// String is the version line printed by --version.
func String() string {
	if Commit == "" {
		return Current
	}
	short := Commit
	if len(short) > 12 {
		short = short[:12]
	}
	return Current + " (" + short + ")"
}
