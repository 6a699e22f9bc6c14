// Package ids holds the deterministic-ID derivations shared by the direct
// submit path (CoreMachine.Submit) and PlatformLayer (spec §4.6, invariant
// 1): identical inputs must always produce the same job_id/lineage_id.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// LineageID derives hash(platform_id, dataset_id, resource_id). version_id
// is deliberately excluded so every version of the same resource shares a
// lineage.
func LineageID(platformID, datasetID, resourceID string) string {
	h := sha256.New()
	h.Write([]byte(platformID))
	h.Write([]byte("|"))
	h.Write([]byte(datasetID))
	h.Write([]byte("|"))
	h.Write([]byte(resourceID))
	return hex.EncodeToString(h.Sum(nil))
}

// JobID derives hash(job_type, canonical(params)).
func JobID(jobType string, params json.RawMessage) (string, error) {
	canonical, err := canonicalizeJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte("|"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalizeJSON re-marshals arbitrary JSON through a generic interface{}
// so object keys sort deterministically (encoding/json always emits map
// keys in sorted order), independent of the caller's field ordering.
func canonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
