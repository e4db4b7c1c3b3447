package config

// EventKind discriminates the ConfigEvent union (spec §6).
type EventKind int

const (
	EventDomainUpsert EventKind = iota
	EventDomainDelete
	EventClusterUpsert
	EventClusterDelete
	EventMetaRevision
	EventParseError
)

// Event is the abstract event the applier (K) consumes. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	Domain     *DomainConfig
	DomainName string // for EventDomainDelete

	Cluster     *ClusterConfig
	ClusterName string // for EventClusterDelete

	Revision int64 // for EventMetaRevision

	ParseError *ParseError
}

// ParseError is advisory: one malformed KV entry, logged and counted but
// never fatal to the watch stream (spec §7 "recovered locally").
type ParseError struct {
	Kind    string // "domain" | "cluster" | "meta"
	Key     string
	Message string
}

func DomainUpsert(d *DomainConfig) Event   { return Event{Kind: EventDomainUpsert, Domain: d} }
func DomainDelete(name string) Event       { return Event{Kind: EventDomainDelete, DomainName: name} }
func ClusterUpsert(c *ClusterConfig) Event { return Event{Kind: EventClusterUpsert, Cluster: c} }
func ClusterDelete(name string) Event      { return Event{Kind: EventClusterDelete, ClusterName: name} }
func MetaRevision(rev int64) Event         { return Event{Kind: EventMetaRevision, Revision: rev} }
func NewParseError(kind, key, msg string) Event {
	return Event{Kind: EventParseError, ParseError: &ParseError{Kind: kind, Key: key, Message: msg}}
}
