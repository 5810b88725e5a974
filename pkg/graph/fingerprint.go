package graph

import (
	"encoding/hex"
	"encoding/json"

	"lukechampine.com/blake3"
)

// computeFingerprint hashes the canonical JSON of the graph. Every collection
// is already sorted, so equal trees yield equal fingerprints.
func computeFingerprint(g *Graph) string {
	export := g.Export()
	export.Fingerprint = ""
	data, err := json.Marshal(export)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
