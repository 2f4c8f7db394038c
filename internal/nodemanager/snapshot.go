package nodemanager

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidSnapshot = errors.New("nodemanager: invalid snapshot")

// Snapshot is the gossip payload advertised by a gateway.
type Snapshot struct {
	StatusSeq uint32
	Groups    map[string][]string
}

type wireSnapshot struct {
	StatusSeq    *uint32         `json:"statusSeq"`
	NodeInfoList *[]wireNodeInfo `json:"nodeInfoList"`
}

type wireNodeInfo struct {
	GroupID string   `json:"groupID"`
	NodeIDs []string `json:"nodeIDs"`
}

// EncodeSnapshotJSON renders {"statusSeq":N,"nodeInfoList":[...]} with groups
// in a stable order.
func EncodeSnapshotJSON(s Snapshot) ([]byte, error) {
	groups := make([]string, 0, len(s.Groups))
	for g := range s.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	list := make([]wireNodeInfo, 0, len(groups))
	for _, g := range groups {
		ids := append([]string{}, s.Groups[g]...)
		list = append(list, wireNodeInfo{GroupID: g, NodeIDs: ids})
	}
	seq := s.StatusSeq
	return json.Marshal(wireSnapshot{StatusSeq: &seq, NodeInfoList: &list})
}

// DecodeSnapshotJSON rejects payloads missing either top-level key or
// carrying a node id that is not hex. Node ids are lowercased to match the
// registry's keys; duplicate group entries are merged.
func DecodeSnapshotJSON(b []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(b, &w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if w.StatusSeq == nil {
		return Snapshot{}, fmt.Errorf("%w: missing statusSeq", ErrInvalidSnapshot)
	}
	if w.NodeInfoList == nil {
		return Snapshot{}, fmt.Errorf("%w: missing nodeInfoList", ErrInvalidSnapshot)
	}
	s := Snapshot{StatusSeq: *w.StatusSeq, Groups: make(map[string][]string, len(*w.NodeInfoList))}
	for _, info := range *w.NodeInfoList {
		for _, raw := range info.NodeIDs {
			id, err := normalizeNodeID(raw)
			if err != nil {
				return Snapshot{}, fmt.Errorf("%w: group=%s: %v", ErrInvalidSnapshot, info.GroupID, err)
			}
			s.Groups[info.GroupID] = append(s.Groups[info.GroupID], id)
		}
	}
	return s, nil
}

func normalizeNodeID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", errors.New("empty node id")
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", fmt.Errorf("node id %q: %v", raw, err)
	}
	return id, nil
}
