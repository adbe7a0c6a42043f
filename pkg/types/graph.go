package types

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// JobVertex is one node of a submitted job graph. Profile is nil when the
// vertex declares no resource spec ("UNKNOWN" in spec.md §4.2); submit_job
// rejects a graph that mixes declared and UNKNOWN vertices. Inputs names
// the vertex's direct upstream producers, the one piece of graph shape the
// scheduler needs for topological ordering and location preference (§4.6);
// everything else about a vertex's task payload stays opaque.
type JobVertex struct {
	Id          VertexId
	Name        string
	Parallelism int
	Profile     *ResourceProfile
	Inputs      []VertexId
}

// JobGraph is the opaque execution graph a job submission carries (spec.md
// §4.1, §4.2). The runtime treats everything beyond vertex identity,
// resource spec, and parallelism as opaque payload the Job Master
// interprets; this type only models the shape submit_job's invariant check
// needs.
type JobGraph struct {
	JobId    JobId
	Name     string
	Vertices []JobVertex
}

// Validate enforces spec.md §4.2's submit_job invariant: a graph must not
// mix vertices that declare a resource spec with vertices left UNKNOWN.
func (g *JobGraph) Validate() error {
	if len(g.Vertices) == 0 {
		return fmt.Errorf("%w: job graph has no vertices", ErrInvalidJob)
	}
	declared, unknown := 0, 0
	for _, v := range g.Vertices {
		if v.Profile != nil {
			declared++
		} else {
			unknown++
		}
	}
	if declared > 0 && unknown > 0 {
		return fmt.Errorf("%w: %d vertex/vertices declare a resource spec while %d are UNKNOWN", ErrInvalidJob, declared, unknown)
	}
	return nil
}

// TopologicalOrder returns the graph's vertices sorted so that every
// vertex appears after all of its Inputs (spec.md §4.6's eager scheduling
// walks vertices in this order). It reports an error if Inputs describes a
// cycle, which submit_job's graph never should but a defensive scheduler
// must not silently loop forever on.
func (g *JobGraph) TopologicalOrder() ([]JobVertex, error) {
	byId := make(map[VertexId]JobVertex, len(g.Vertices))
	for _, v := range g.Vertices {
		byId[v.Id] = v
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[VertexId]int, len(g.Vertices))
	order := make([]JobVertex, 0, len(g.Vertices))

	var visit func(id VertexId) error
	visit = func(id VertexId) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle detected at vertex %s", ErrInvalidJob, id)
		}
		state[id] = visiting
		v, ok := byId[id]
		if !ok {
			return fmt.Errorf("%w: vertex %s references unknown input", ErrInvalidJob, id)
		}
		for _, input := range v.Inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		state[id] = visited
		order = append(order, v)
		return nil
	}

	for _, v := range g.Vertices {
		if err := visit(v.Id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Encode serializes the graph to the opaque blob form pkg/storage persists.
func (g *JobGraph) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, fmt.Errorf("encode job graph: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJobGraph reverses Encode.
func DecodeJobGraph(blob []byte) (*JobGraph, error) {
	var g JobGraph
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode job graph: %w", err)
	}
	return &g, nil
}
