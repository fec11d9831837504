// Package dependency resolves the dependency graph of a manifest against
// the manifests already acquired.
package dependency

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/result"
)

// Lookup finds acquired manifests by id.
type Lookup interface {
	GetManifest(ctx context.Context, id manifest.ManifestID) result.Result[*manifest.ContentManifest]
}

// Graph is the resolved dependency closure of Root.
type Graph struct {
	Root  manifest.ManifestID
	Nodes map[manifest.ManifestID]*manifest.ContentManifest
	// Edges maps a manifest to the dependencies that were resolved for it.
	Edges map[manifest.ManifestID][]manifest.ManifestID
}

// Order returns the manifests with every dependency before its dependents.
// Ties are broken by id so the order is stable.
func (g *Graph) Order() []manifest.ManifestID {
	order, _ := g.topological()
	return order
}

// topological sorts the graph depth first and returns the first cycle found.
func (g *Graph) topological() ([]manifest.ManifestID, []manifest.ManifestID) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[manifest.ManifestID]int, len(g.Nodes))
	var (
		order []manifest.ManifestID
		stack []manifest.ManifestID
		cycle []manifest.ManifestID
	)

	var visit func(id manifest.ManifestID)
	visit = func(id manifest.ManifestID) {
		if cycle != nil {
			return
		}
		switch state[id] {
		case done:
			return
		case visiting:
			for i, s := range stack {
				if s == id {
					cycle = append(append([]manifest.ManifestID{}, stack[i:]...), id)
					return
				}
			}
			return
		}
		state[id] = visiting
		stack = append(stack, id)
		deps := append([]manifest.ManifestID(nil), g.Edges[id]...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			visit(dep)
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		order = append(order, id)
	}

	ids := make([]manifest.ManifestID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		visit(id)
	}
	return order, cycle
}

type Resolver struct {
	lookup Lookup
	logger hclog.Logger
}

func NewResolver(lookup Lookup, logger hclog.Logger) *Resolver {
	return &Resolver{lookup: lookup, logger: logging.OrNull(logger).Named("dependency")}
}

// Resolve walks the dependencies of m breadth first. Missing required
// dependencies, unmet minimum versions, incompatible pairs and cycles fail
// the resolution. Missing optional and recommended dependencies are
// reported as warnings.
func (r *Resolver) Resolve(ctx context.Context, m *manifest.ContentManifest) result.Result[*Graph] {
	if m == nil {
		return result.Failure[*Graph]("manifest is nil")
	}
	g := &Graph{
		Root:  m.ID,
		Nodes: map[manifest.ManifestID]*manifest.ContentManifest{m.ID: m},
		Edges: make(map[manifest.ManifestID][]manifest.ManifestID),
	}

	var (
		errs         []string
		warnings     []string
		incompatible = make(map[manifest.ManifestID]manifest.ManifestID)
		queue        = []*manifest.ContentManifest{m}
	)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result.FailureFromError[*Graph](err)
		}
		cur := queue[0]
		queue = queue[1:]

		for _, dep := range cur.Dependencies {
			if err := dep.ID.Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", cur.ID, err))
				continue
			}
			if dep.DependencyType == manifest.DependencyIncompatible {
				incompatible[dep.ID] = cur.ID
				continue
			}
			optional := dep.IsOptional || dep.DependencyType == manifest.DependencyRecommended

			target, known := g.Nodes[dep.ID]
			if !known {
				found := r.lookup.GetManifest(ctx, dep.ID)
				if found.Failed() {
					if optional {
						warnings = append(warnings, fmt.Sprintf("optional dependency %s of %s is not acquired", dep.ID, cur.ID))
						continue
					}
					errs = append(errs, fmt.Sprintf("missing required dependency %s of %s", dep.ID, cur.ID))
					continue
				}
				target = found.Data
				g.Nodes[dep.ID] = target
				queue = append(queue, target)
			}

			if dep.MinVersion != "" && CompareVersions(target.Version, dep.MinVersion) < 0 {
				msg := fmt.Sprintf("%s requires %s %s or newer, found %s", cur.ID, dep.ID, dep.MinVersion, target.Version)
				if optional {
					warnings = append(warnings, msg)
				} else {
					errs = append(errs, msg)
				}
			}
			g.Edges[cur.ID] = append(g.Edges[cur.ID], dep.ID)
		}
	}

	for id, by := range incompatible {
		if _, ok := g.Nodes[id]; ok {
			errs = append(errs, fmt.Sprintf("%s is incompatible with %s", by, id))
		}
	}
	if _, cycle := g.topological(); cycle != nil {
		parts := make([]string, len(cycle))
		for i, id := range cycle {
			parts[i] = string(id)
		}
		errs = append(errs, "dependency cycle: "+strings.Join(parts, " -> "))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		r.logger.Warn("dependency resolution failed", "manifest", m.ID, "problems", len(errs))
		return result.Result[*Graph]{Errors: errs, Warnings: warnings}
	}
	return result.Success(g, warnings...)
}

// CompareVersions compares dotted numeric versions component by component.
// Non-numeric characters separate components; missing components are zero.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for len(pa) < len(pb) {
		pa = append(pa, 0)
	}
	for len(pb) < len(pa) {
		pb = append(pb, 0)
	}
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r < '0' || r > '9' })
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parts
}
