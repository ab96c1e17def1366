// Package hcom implements the HcomClusterDesc merge (spec.md §3,
// SPEC_FULL.md §3.J, supplemented from original_source's
// runtime/v1/graph/manager/util/hcom_ome_util.cc): combining the
// communication-cluster descriptions contributed by each sub-flow-model
// into one registry, rejecting a re-insert of an existing cluster name
// unless the two descriptions are byte-for-byte equal. Grounded on the
// teacher's config-merge style (internal/config's option-map loading),
// generalized to a map keyed by cluster name with json-iterator used for
// the structural-equality check, the library the broader example pack
// (aistore) relies on for JSON work instead of encoding/json.
package hcom

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ClusterDesc is one HCOM cluster's description: its rank table and the two
// lookup maps spec.md §3 names.
type ClusterDesc struct {
	Name          string
	RankTable     string              // opaque rank-table blob (format out of scope)
	GroupRankIDs  map[string][]uint32 // group_name -> rank_ids
	DeviceRankIDs map[uint32][]uint32 // device -> rank_ids
}

// ErrConflict reports a re-insert of an existing cluster name with a
// different description.
type ErrConflict struct {
	Name string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("hcom: cluster %q already registered with a different description", e.Name)
}

// Registry merges ClusterDescs across sub-flow-models.
type Registry struct {
	mu       sync.Mutex
	clusters map[string]ClusterDesc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clusters: make(map[string]ClusterDesc)}
}

// Merge inserts desc. If a cluster with the same name already exists, the
// merge succeeds only when desc is byte-equal (via canonical JSON
// marshaling) to the existing entry; otherwise it returns *ErrConflict.
func (r *Registry) Merge(desc ClusterDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.clusters[desc.Name]
	if !ok {
		r.clusters[desc.Name] = desc
		return nil
	}

	equal, err := byteEqual(existing, desc)
	if err != nil {
		return fmt.Errorf("hcom: comparing cluster %q: %w", desc.Name, err)
	}
	if !equal {
		return &ErrConflict{Name: desc.Name}
	}
	return nil
}

// Get returns the merged description for name, if any.
func (r *Registry) Get(name string) (ClusterDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.clusters[name]
	return d, ok
}

// Names returns every registered cluster name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clusters))
	for n := range r.clusters {
		names = append(names, n)
	}
	return names
}

func byteEqual(a, b ClusterDesc) (bool, error) {
	ab, err := jsonAPI.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := jsonAPI.Marshal(b)
	if err != nil {
		return false, err
	}
	if len(ab) != len(bb) {
		return false, nil
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false, nil
		}
	}
	return true, nil
}
