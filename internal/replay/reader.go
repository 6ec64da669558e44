// Package replay reads recorded NDJSON event logs and reduces them into
// pairing and backtest statistics.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"pm-arb-bot/internal/recorder"
)

const maxLineBytes = 4 << 20

// Record holds exactly one of Tick or Trade.
type Record struct {
	Tick  *recorder.Tick
	Trade *recorder.Trade
}

type Reader struct {
	sc      *bufio.Scanner
	lines   int
	skipped int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{sc: sc}
}

// Open returns a reader over a log file. Closing the returned file is the
// caller's job.
func Open(path string) (*Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return NewReader(f), f, nil
}

type header struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
	T    int64  `json:"t"`
}

// Next returns the next well-formed record or io.EOF. Blank, malformed and
// unknown lines are skipped.
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.lines++
		raw := bytes.TrimSpace(r.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var h header
		if err := json.Unmarshal(raw, &h); err != nil {
			r.skipped++
			continue
		}
		switch h.Type {
		case recorder.TypeTick:
			var t recorder.Tick
			if err := json.Unmarshal(raw, &t); err != nil || t.PM.RoundID == "" {
				r.skipped++
				continue
			}
			if t.Ts == 0 {
				t.Ts = h.T
			}
			return Record{Tick: &t}, nil
		case recorder.TypeTrade:
			var t recorder.Trade
			if err := json.Unmarshal(raw, &t); err != nil {
				r.skipped++
				continue
			}
			if t.T == 0 {
				t.T = h.Ts
			}
			return Record{Trade: &t}, nil
		default:
			r.skipped++
		}
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (r *Reader) Lines() int   { return r.lines }
func (r *Reader) Skipped() int { return r.skipped }
