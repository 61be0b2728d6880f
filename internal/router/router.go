// Package router places execution requests on the best eligible node.
//
// Ownership boundary: candidate filtering and scoring only. The router
// is stateless per call: it never tracks running work, and a caller
// holding a dead assignment re-requests with the fallback chain rather
// than the router re-computing unprompted.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/rs/zerolog/log"
)

var ErrInvalidRequest = errors.New("router: invalid execution request")

const fallbackDepth = 2

// ExecutionRequest asks for a node placement for one task kind.
// Never mutated after assignment.
type ExecutionRequest struct {
	TaskKind     mesh.TaskKind `json:"task_kind"`
	Affinity     string        `json:"affinity,omitempty"`
	AntiAffinity []string      `json:"anti_affinity,omitempty"`
	Deadline     time.Time     `json:"deadline,omitempty"`
}

// Validate enforces request fields required before routing.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(string(r.TaskKind)) == "" {
		return fmt.Errorf("%w: missing task_kind", ErrInvalidRequest)
	}
	return nil
}

// ExecutionAssignment is the routing decision: primary node plus an
// ordered fallback chain of the next candidates.
type ExecutionAssignment struct {
	TaskKind   mesh.TaskKind `json:"task_kind"`
	Primary    string        `json:"primary"`
	Fallbacks  []string      `json:"fallbacks,omitempty"`
	AssignedAt time.Time     `json:"assigned_at"`
}

// NodesFunc supplies the current membership view, including the
// coordinator-observed load and latency per node.
type NodesFunc func() []mesh.Node

// Config weights the placement score.
type Config struct {
	LoadWeight    float64
	LatencyWeight float64
}

// DefaultConfig returns the placement scoring defaults.
func DefaultConfig() Config {
	return Config{LoadWeight: 0.6, LatencyWeight: 0.4}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.LoadWeight <= 0 {
		c.LoadWeight = def.LoadWeight
	}
	if c.LatencyWeight <= 0 {
		c.LatencyWeight = def.LatencyWeight
	}
	return c
}

// Router scores eligible nodes for execution placement.
type Router struct {
	cfg   Config
	nodes NodesFunc
}

// NewRouter wires the router against a membership provider.
func NewRouter(cfg Config, nodes NodesFunc) *Router {
	return &Router{cfg: cfg.WithDefaults(), nodes: nodes}
}

type scoredNode struct {
	node  mesh.Node
	score float64
}

// Route returns the top-ranked eligible node and up to two fallbacks.
// mesh.ErrNoEligibleNode is returned when no candidate satisfies the
// constraints; an incapable node is never substituted.
func (r *Router) Route(req ExecutionRequest) (ExecutionAssignment, error) {
	if err := req.Validate(); err != nil {
		return ExecutionAssignment{}, err
	}

	excluded := make(map[string]struct{}, len(req.AntiAffinity))
	for _, nodeID := range req.AntiAffinity {
		excluded[nodeID] = struct{}{}
	}

	candidates := make([]scoredNode, 0)
	for _, node := range r.nodes() {
		if node.Status != mesh.StatusHealthy || !node.Available() {
			continue
		}
		if !node.Capabilities.Has(req.TaskKind) {
			continue
		}
		if _, out := excluded[node.NodeID]; out {
			continue
		}
		if req.Affinity != "" && node.NodeID != req.Affinity {
			continue
		}
		candidates = append(candidates, scoredNode{node: node, score: r.score(node)})
	}
	if len(candidates) == 0 {
		return ExecutionAssignment{}, fmt.Errorf("%w: task_kind=%q", mesh.ErrNoEligibleNode, req.TaskKind)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.node.Type.Rank() != b.node.Type.Rank() {
			return a.node.Type.Rank() < b.node.Type.Rank()
		}
		return a.node.NodeID < b.node.NodeID
	})

	assignment := ExecutionAssignment{
		TaskKind:   req.TaskKind,
		Primary:    candidates[0].node.NodeID,
		AssignedAt: time.Now(),
	}
	for _, cand := range candidates[1:] {
		if len(assignment.Fallbacks) == fallbackDepth {
			break
		}
		assignment.Fallbacks = append(assignment.Fallbacks, cand.node.NodeID)
	}

	log.Debug().
		Str("task_kind", string(req.TaskKind)).
		Str("primary", assignment.Primary).
		Strs("fallbacks", assignment.Fallbacks).
		Msg("router_assignment")
	return assignment, nil
}

// score combines observed load with normalized latency; lower is better.
// Node-type preference breaks ties in Route's sort, not here.
func (r *Router) score(node mesh.Node) float64 {
	latency := float64(node.LatencyMS)
	normalized := latency / (latency + 100.0)
	return r.cfg.LoadWeight*node.Load + r.cfg.LatencyWeight*normalized
}
