// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import "github.com/ije/upsession/wire"

// priorityNode is one node in the dependency forest a priority tree
// tracks on behalf of the peer.
type priorityNode struct {
	id        wire.StreamID
	parentID  wire.StreamID
	weight    uint8 // 1..255; the wire's 256 does not fit a uint8
	exclusive bool
	virtual   bool
}

// priorityTree answers "given a level tag, which dependency/weight
// applies?" and tracks every node (virtual or real) the session has told
// the peer about, so a later sendPriority(existingID, update) can find its
// current parent/weight. The tree is purely an addressing structure;
// actual write ordering happens in the session's egress pump, which
// consults getHTTPPriority when a codec asks what weight a level maps to.
type priorityTree struct {
	codec wire.Codec

	nodes map[wire.StreamID]*priorityNode

	levelsEnabled bool
	levelParents  map[uint8]wire.StreamID
	levelWeights  map[uint8]uint8
	minLevel      uint8 // the level priorityTree falls back to for unknown levels

	hiPriParent wire.StreamID
	loPriParent wire.StreamID
}

func newPriorityTree(codec wire.Codec) *priorityTree {
	return &priorityTree{
		codec:        codec,
		nodes:        make(map[wire.StreamID]*priorityNode),
		levelParents: make(map[uint8]wire.StreamID),
		levelWeights: make(map[uint8]uint8),
	}
}

// bootstrapLevels enables levels mode for numLevels levels. It creates
// three virtual nodes whatever numLevels is: a root, a hi-pri parent that
// level 0 maps to, and a lo-pri parent shared by levels 1..numLevels-1.
// create is called once per virtual node and must emit the single codec
// call (sendPriority) the tree promises.
func (pt *priorityTree) bootstrapLevels(numLevels int, hiPriWeight, loPriWeight uint8, create func(update wire.PriorityUpdate) wire.StreamID) {
	if numLevels <= 0 || !pt.codec.SupportsPriority() {
		return
	}
	pt.levelsEnabled = true

	rootID := create(wire.PriorityUpdate{ParentID: 0, Exclusive: false, Weight: 1})
	pt.addNode(rootID, 0, false, 1, true)

	hiID := create(wire.PriorityUpdate{ParentID: rootID, Exclusive: false, Weight: hiPriWeight})
	pt.addNode(hiID, rootID, false, hiPriWeight, true)
	pt.hiPriParent = hiID

	loID := create(wire.PriorityUpdate{ParentID: rootID, Exclusive: false, Weight: loPriWeight})
	pt.addNode(loID, rootID, false, loPriWeight, true)
	pt.loPriParent = loID

	pt.levelParents[0] = hiID
	pt.levelWeights[0] = hiPriWeight
	pt.minLevel = 0
	for lvl := uint8(1); int(lvl) < numLevels; lvl++ {
		pt.levelParents[lvl] = loID
		pt.levelWeights[lvl] = loPriWeight
		pt.minLevel = lvl
	}
}

func (pt *priorityTree) addNode(id, parent wire.StreamID, exclusive bool, weight uint8, virtual bool) {
	pt.nodes[id] = &priorityNode{id: id, parentID: parent, weight: weight, exclusive: exclusive, virtual: virtual}
}

// sendPriority implements both overloads: when id == 0, a new node is
// created (real or virtual-on-first-reference in raw mode); otherwise the
// existing node at id is updated.
func (pt *priorityTree) sendPriority(id wire.StreamID, update wire.PriorityUpdate, create func(wire.PriorityUpdate) wire.StreamID) wire.StreamID {
	if id == 0 {
		newID := create(update)
		pt.addNode(newID, update.ParentID, update.Exclusive, update.Weight, false)
		return newID
	}
	if n, ok := pt.nodes[id]; ok {
		n.parentID = update.ParentID
		n.exclusive = update.Exclusive
		n.weight = update.Weight
	} else {
		pt.addNode(id, update.ParentID, update.Exclusive, update.Weight, false)
	}
	return id
}

// getHTTPPriority returns the priority tuple for a level (levels mode
// only). Unknown levels resolve to the minimum-priority (lowest weight)
// entry.
func (pt *priorityTree) getHTTPPriority(level uint8) (wire.PriorityUpdate, bool) {
	if !pt.levelsEnabled {
		return wire.PriorityUpdate{}, false
	}
	parent, ok := pt.levelParents[level]
	weight := pt.levelWeights[level]
	if !ok {
		parent = pt.levelParents[pt.minLevel]
		weight = pt.levelWeights[pt.minLevel]
	}
	return wire.PriorityUpdate{ParentID: parent, Weight: weight}, true
}

// dependencyFor is used when a stream is created with a level tag instead
// of a raw PriorityUpdate: it resolves the level to a dependency via the
// codec's MapPriorityToDependency, falling back to the tree itself when
// the codec declines (e.g. it has no opinion beyond what the tree already
// computed in levels mode).
func (pt *priorityTree) dependencyFor(level uint8) wire.PriorityUpdate {
	if update, ok := pt.codec.MapPriorityToDependency(level); ok {
		return update
	}
	update, _ := pt.getHTTPPriority(level)
	return update
}
