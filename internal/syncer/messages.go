package syncer

import (
	"github.com/ssd-technologies/confluence/internal/clock"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/snapshot"
)

// pushPayload carries records to a peer. Hops counts relays since the
// originating instance.
type pushPayload struct {
	Records []record.Record `json:"records"`
	Hops    int             `json:"hops"`
}

type pushAck struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

type pongPayload struct {
	Instance identity.InstanceID `json:"instance"`
	Time     clock.LogicalTime   `json:"time"`
}

type summaryRequest struct {
	After int64 `json:"after"`
}

// summaryPayload lists record ids logged after the requested watermark. Seq
// is the watermark to ask from next time.
type summaryPayload struct {
	IDs []string `json:"ids"`
	Seq int64    `json:"seq"`
}

type pullRequest struct {
	IDs []string `json:"ids"`
}

type recordsPayload struct {
	Records []record.Record `json:"records"`
}

type snapshotPayload struct {
	Snapshot *snapshot.Encoded `json:"snapshot"`
}

// State is the full shareable state of one instance as sent in a check-in.
// Timestamp is the sender's wall clock in unix milliseconds.
type State struct {
	Instance  identity.InstanceID `json:"instance"`
	Timestamp int64               `json:"timestamp"`
	Clock     clock.LogicalTime   `json:"clock"`
	Records   []record.Record     `json:"records"`
}
