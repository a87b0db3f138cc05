package sequence

// TraceComponentKind identifies a CoreSight trace component a sequence may
// need to program before trace data will flow (spec.md §4.7's trace_start
// hook).
type TraceComponentKind int

const (
	TraceComponentFunnel TraceComponentKind = iota
	TraceComponentTPIU
)

// TraceComponent is one component's location in the target's debug memory
// map, discovered by the caller (typically by walking the ROM table) and
// handed to TraceStart rather than rediscovered by the sequence itself.
type TraceComponent struct {
	Kind TraceComponentKind
	Base uint64
}

// TraceSinkKind selects where trace data should be routed.
type TraceSinkKind int

const (
	TraceSinkNone TraceSinkKind = iota
	TraceSinkSWO
)

// TraceSink describes the session's current trace configuration (owned by
// Session per spec.md §4.8).
type TraceSink struct {
	Kind    TraceSinkKind
	SwoBaud uint32
}
