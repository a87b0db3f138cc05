package dap

// Batch coalesces a run of AP-register writes destined for the same bank
// and defers flushing them until a state-observing operation needs the
// result, matching spec.md §5's "writes may be buffered but must be flushed
// before any operation that observes core state" rule. It is a thin
// convenience wrapper around Port; Port itself always performs writes
// immediately, so Batch's "coalescing" is really a queue of pending AP
// writes applied in order on Flush.
type Batch struct {
	port *Port

	pending []pendingWrite
}

type pendingWrite struct {
	bank  uint8
	addr4 uint8
	value uint32
}

// NewBatch creates an empty write batch over the given Port.
func NewBatch(port *Port) *Batch {
	return &Batch{port: port}
}

// QueueAPWrite defers an AP register write until Flush is called.
func (b *Batch) QueueAPWrite(bank, addr4 uint8, value uint32) {
	b.pending = append(b.pending, pendingWrite{bank: bank, addr4: addr4, value: value})
}

// Flush applies all queued writes in order, stopping at the first error.
// Callers must Flush before any read or any operation that depends on the
// target having observed the queued writes.
func (b *Batch) Flush() error {
	for _, w := range b.pending {
		if err := b.port.WriteAP(w.bank, w.addr4, w.value); err != nil {
			b.pending = nil
			return err
		}
	}
	b.pending = nil
	return nil
}

// Pending reports how many writes are queued and not yet flushed.
func (b *Batch) Pending() int {
	return len(b.pending)
}
