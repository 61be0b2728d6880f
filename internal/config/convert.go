package config

import (
	"strings"

	"github.com/danmuck/meshd/internal/mesh"
)

// MeshNodes converts declared node entries into mesh membership.
func MeshNodes(entries []NodeEntry) []mesh.Node {
	nodes := make([]mesh.Node, 0, len(entries))
	for _, entry := range entries {
		kinds := make([]mesh.TaskKind, 0, len(entry.Capabilities))
		for _, capability := range entry.Capabilities {
			if kind := strings.TrimSpace(capability); kind != "" {
				kinds = append(kinds, mesh.TaskKind(kind))
			}
		}
		nodes = append(nodes, mesh.Node{
			NodeID:       entry.NodeID,
			Type:         mesh.NodeType(strings.ToLower(strings.TrimSpace(entry.NodeType))),
			Capabilities: mesh.NewCapabilitySet(kinds...),
			Load:         entry.Load,
		})
	}
	return nodes
}
