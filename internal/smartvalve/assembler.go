package smartvalve

// Assembler rebuilds pages from the valve's notification chunks.
//
// The valve streams its response in MTU-sized chunks (20 bytes on an unnegotiated link).
// A chunk that starts with a doubled command letter opens a new page and flushes the
// previous one; a page that ends with its end-of-record byte and is the final page of
// its command completes the response.
//
// Assembler is not safe for concurrent use; the BLE session feeds it from a single
// notification handler.
type Assembler struct {
	buf    []byte
	id     PageID
	active bool
}

// NewAssembler returns an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{buf: make([]byte, 0, 64)}
}

// Feed consumes one notification chunk. It returns the pages completed by this chunk
// and whether the chunk finished a whole response.
func (a *Assembler) Feed(chunk []byte) (records []RawRecord, done bool) {
	if len(chunk) == 0 {
		return nil, false
	}

	if hasHeader(chunk) {
		if len(a.buf) > 0 {
			records = append(records, a.flush())
		}
		a.id = PageID{Command: Command(chunk[0]), Page: chunk[2]}
		a.active = true
	}

	// Continuation data without an open page belongs to a response we already gave up on
	if !a.active {
		return records, false
	}

	a.buf = append(a.buf, chunk...)

	eor, known := EndOfRecord(a.id)
	if known && a.buf[len(a.buf)-1] == eor && IsFinal(a.id) {
		records = append(records, a.flush())
		a.active = false
		return records, true
	}

	return records, false
}

// Pending returns the number of buffered bytes of the page being assembled
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Reset discards any partially assembled page
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.id = PageID{}
	a.active = false
}

func (a *Assembler) flush() RawRecord {
	rec := make(RawRecord, len(a.buf))
	copy(rec, a.buf)
	a.buf = a.buf[:0]
	return rec
}
