package provenance

import "time"

// Record attributes a path to the last commit that touched it.
type Record struct {
	Path    string
	Author  string
	Email   string
	Commit  string
	When    time.Time
	Summary string
}

// ShortCommit is the abbreviated commit hash shown in reports.
func (r *Record) ShortCommit() string {
	if len(r.Commit) > 12 {
		return r.Commit[:12]
	}
	return r.Commit
}
