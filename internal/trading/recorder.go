package trading

// Recorder is the append-only trade sink of a session.
type Recorder struct {
	records []TradeRecord
	total   float64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append stamps the sequence number and running P&L and stores the record.
func (r *Recorder) Append(rec TradeRecord) TradeRecord {
	r.total += rec.PnL
	rec.Seq = len(r.records) + 1
	rec.CumPnL = r.total
	r.records = append(r.records, rec)
	return rec
}

// Records returns a copy of every record in emission order.
func (r *Recorder) Records() []TradeRecord {
	out := make([]TradeRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of recorded trades.
func (r *Recorder) Len() int {
	return len(r.records)
}

// Total returns the realized P&L across all records.
func (r *Recorder) Total() float64 {
	return r.total
}
