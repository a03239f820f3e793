package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/scgolang/osc"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/scsynth"
)

// Plugin parameter discovery timing. A query completes when it has been idle
// for the idle window with at least one reply, or when the absolute window
// elapses regardless.
const (
	queryIdleWindow     = 150 * time.Millisecond
	queryAbsoluteWindow = 2 * time.Second
	placeholderParams   = 128
)

// Param is one discovered plugin parameter.
type Param struct {
	Index int32   `json:"index"`
	Name  string  `json:"name"`
	Value float32 `json:"value"`
}

// ParamQuery tracks one in-flight discovery: last-seen count and change
// timestamps plus the replies keyed by index so duplicates collapse.
type ParamQuery struct {
	EffectID  string
	NodeID    int32
	StartedAt time.Time
	LastReply time.Time
	replies   map[int32]Param
}

// CompletedQuery is the resolved result handed back to the loop.
type CompletedQuery struct {
	EffectID string
	NodeID   int32
	Params   []Param
}

// QueryPluginParams starts a ranged parameter discovery against the effect's
// plugin node, clearing any prior replies for that node.
func (e *Engine) QueryPluginParams(effectID string) error {
	if _, err := e.sess.EffectByID(effectID); err != nil {
		return err
	}
	node, ok := e.effectNode(effectID)
	if !ok {
		return scdeck.NotFound("plugin node", effectID)
	}
	delete(e.queries, node)
	if err := e.SendNow(scsynth.UnitCmd(node, 0, "param_query",
		osc.Int(0), osc.Int(placeholderParams*16))); err != nil {
		return err
	}
	now := time.Now()
	e.queries[node] = &ParamQuery{
		EffectID:  effectID,
		NodeID:    node,
		StartedAt: now,
		replies:   make(map[int32]Param),
	}
	return nil
}

// handleParamReply folds one discovery reply into its query. Replies for
// nodes without a live query are stale and dropped.
func (e *Engine) handleParamReply(ev scsynth.ParamReplyEvent) {
	q, ok := e.queries[ev.NodeID]
	if !ok {
		return
	}
	q.replies[ev.Index] = Param{Index: ev.Index, Name: ev.Name, Value: ev.Value}
	q.LastReply = time.Now()
}

// PollQueries completes every query whose idle or absolute window elapsed.
// Replies sort ascending by index; zero replies yield a placeholder list so
// callers always get a usable result.
func (e *Engine) PollQueries(now time.Time) []CompletedQuery {
	var done []CompletedQuery
	for node, q := range e.queries {
		idle := len(q.replies) > 0 && now.Sub(q.LastReply) >= queryIdleWindow
		expired := now.Sub(q.StartedAt) >= queryAbsoluteWindow
		if !idle && !expired {
			continue
		}
		delete(e.queries, node)
		done = append(done, CompletedQuery{
			EffectID: q.EffectID,
			NodeID:   q.NodeID,
			Params:   q.resolve(),
		})
	}
	return done
}

// resolve flattens the reply map into the caller-facing list.
func (q *ParamQuery) resolve() []Param {
	if len(q.replies) == 0 {
		params := make([]Param, placeholderParams)
		for i := range params {
			params[i] = Param{Index: int32(i), Name: fmt.Sprintf("param %d", i)}
		}
		return params
	}
	params := make([]Param, 0, len(q.replies))
	for _, p := range q.replies {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Index < params[j].Index })
	return params
}

// SetPluginParam sets one parameter on the effect's plugin node and records
// it in the session so rebuilds restore it.
func (e *Engine) SetPluginParam(effectID string, index int32, value float32) error {
	eff, err := e.sess.EffectByID(effectID)
	if err != nil {
		return err
	}
	node, ok := e.effectNode(effectID)
	if !ok {
		return scdeck.NotFound("plugin node", effectID)
	}
	if eff.SavedParams == nil {
		eff.SavedParams = make(map[int32]float32)
	}
	eff.SavedParams[index] = value
	return e.SendNow(scsynth.UnitCmd(node, 0, "param_set", osc.Int(index), osc.Float(value)))
}

// SavePluginState asks the plugin node to write its full state to path.
func (e *Engine) SavePluginState(effectID, path string) error {
	node, ok := e.effectNode(effectID)
	if !ok {
		return scdeck.NotFound("plugin node", effectID)
	}
	return e.SendNow(scsynth.UnitCmd(node, 0, "state_save", osc.String(path)))
}

// LoadPluginState asks the plugin node to load its full state from path.
func (e *Engine) LoadPluginState(effectID, path string) error {
	node, ok := e.effectNode(effectID)
	if !ok {
		return scdeck.NotFound("plugin node", effectID)
	}
	return e.SendNow(scsynth.UnitCmd(node, 0, "state_load", osc.String(path)))
}
