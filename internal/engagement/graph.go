package engagement

import (
	"fmt"
	"slices"
)

type edge struct {
	from, to Status
}

// Graph is the fixed set of allowed status moves and who may initiate them.
// It is built once and never mutated, so it is safe for concurrent reads.
type Graph struct {
	targets map[Status][]Status
	roles   map[Status][]Role
	// edgeRoles replaces roles[to] for specific edges.
	edgeRoles map[edge][]Role
}

var lifecycle = NewGraph()

// Lifecycle returns the shared engagement lifecycle graph.
func Lifecycle() *Graph { return lifecycle }

// NewGraph builds the lifecycle graph. It panics if a status has no row, which
// only happens when a status is added without deciding where it may lead.
func NewGraph() *Graph {
	g := &Graph{
		targets: map[Status][]Status{
			StatusProposed:    {StatusAccepted, StatusCancelled},
			StatusAccepted:    {StatusConfirmed, StatusCancelled},
			StatusConfirmed:   {StatusCompleted, StatusCancelled, StatusRescheduled},
			StatusCompleted:   {StatusCancelled},
			StatusCancelled:   {},
			StatusRescheduled: {StatusProposed, StatusCancelled},
		},
		roles: map[Status][]Role{
			StatusProposed:    {RoleProvider, RoleClient},
			StatusAccepted:    {RoleClient},
			StatusConfirmed:   {RoleProvider, RoleSystem},
			StatusCompleted:   {RoleProvider, RoleSystem},
			StatusCancelled:   {RoleProvider, RoleClient},
			StatusRescheduled: {RoleProvider, RoleClient},
		},
		edgeRoles: map[edge][]Role{
			{StatusCompleted, StatusCancelled}: {RoleAdmin},
		},
	}

	for _, s := range Statuses {
		if _, ok := g.targets[s]; !ok {
			panic(fmt.Sprintf("engagement: status %s has no transition row", s))
		}

		if _, ok := g.roles[s]; !ok {
			panic(fmt.Sprintf("engagement: status %s has no permission row", s))
		}
	}

	return g
}

// AllowedTargets returns the statuses reachable from s in one step.
func (g *Graph) AllowedTargets(s Status) []Status {
	return slices.Clone(g.targets[s])
}

// CanTransition reports whether from -> to is an edge of the graph.
func (g *Graph) CanTransition(from, to Status) bool {
	return slices.Contains(g.targets[from], to)
}

// IsRolePermitted reports whether role may initiate a move to target.
func (g *Graph) IsRolePermitted(target Status, role Role) bool {
	return slices.Contains(g.roles[target], role)
}

// Permits reports whether role may initiate the specific edge from -> to.
// Edge-level rules take precedence over the per-target table.
func (g *Graph) Permits(from, to Status, role Role) bool {
	if roles, ok := g.edgeRoles[edge{from, to}]; ok {
		return slices.Contains(roles, role)
	}

	return g.IsRolePermitted(to, role)
}

// Check validates a move for role, returning InvalidTransition for graph
// violations and Forbidden for role violations.
func (g *Graph) Check(from, to Status, role Role) error {
	if !g.CanTransition(from, to) {
		return invalidTransition(from, to)
	}

	if !g.Permits(from, to, role) {
		return forbidden(CodeRoleNotPermitted, "%s may not move an engagement to %s", role, to)
	}

	return nil
}

// NextFor returns the targets from s that role may initiate.
func (g *Graph) NextFor(s Status, role Role) []Status {
	next := make([]Status, 0, len(g.targets[s]))

	for _, to := range g.targets[s] {
		if g.Permits(s, to, role) {
			next = append(next, to)
		}
	}

	return next
}
