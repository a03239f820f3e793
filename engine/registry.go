package engine

// NodeRegistry tracks the node ids currently believed live on the server.
// Ids are added when creation messages are scheduled and removed on a
// confirmed end event or wholesale invalidation. The registry is owned by
// the control loop goroutine; no locking.
type NodeRegistry struct {
	nodes map[int32]struct{}
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[int32]struct{})}
}

// Add records node ids as live.
func (r *NodeRegistry) Add(ids ...int32) {
	for _, id := range ids {
		if id > 0 {
			r.nodes[id] = struct{}{}
		}
	}
}

// Remove forgets a node id. Reports whether it was known.
func (r *NodeRegistry) Remove(id int32) bool {
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	return ok
}

// Contains reports whether the node is believed live.
func (r *NodeRegistry) Contains(id int32) bool {
	_, ok := r.nodes[id]
	return ok
}

// All returns the live node ids in unspecified order.
func (r *NodeRegistry) All() []int32 {
	out := make([]int32, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	return out
}

// Len reports the number of live nodes.
func (r *NodeRegistry) Len() int {
	return len(r.nodes)
}

// Invalidate forgets everything, used when the server restarts or a full
// rebuild tears the graph down.
func (r *NodeRegistry) Invalidate() {
	r.nodes = make(map[int32]struct{})
}
