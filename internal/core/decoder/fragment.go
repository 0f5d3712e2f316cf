package decoder

import (
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
)

// fragmentIn is one IP fragment offered to the session reassembly table.
type fragmentIn struct {
	key     reassembly.Key
	header  uint8 // per-fragment header byte; the offset-0 value wins
	offset  int
	more    bool
	body    dissect.Cursor
	prefix  string // field name prefix, "ip" or "ipv6"
	enabled bool
}

// reassemble adds a fragment to the session table. It returns the
// reassembled datagram and the offset-0 fragment's header byte once the
// last missing piece arrives; otherwise the fragment bytes are rendered as
// data and nil is returned.
func reassemble(ctx *dissect.Context, f fragmentIn) (*dissect.Cursor, uint8) {
	table := ctx.Session.Reassembly
	body := f.body
	if !f.enabled || table == nil || body.Truncated() {
		fragmentData(ctx, f)
		ctx.AppendInfo("fragment offset=%d, not reassembled", f.offset)
		return nil, 0
	}
	payload, _ := body.Bytes(0, body.Len())
	res, err := table.AddWithHeader(f.key, f.offset, payload, f.more, f.header, ctx.Timestamp)
	if err != nil {
		sev := dissect.SeverityError
		if dissect.KindOf(err) == dissect.KindResource {
			sev = dissect.SeverityWarning
		}
		ctx.Expert(sev, dissect.KindOf(err), body, 0, body.Len(), "%v", err)
		fragmentData(ctx, f)
		return nil, 0
	}
	ctx.Add(body, 0, 0, f.prefix+".fragment.count", res.Fragments)

	switch {
	case res.Conflict:
		at := min(max(res.ConflictOffset-f.offset, 0), body.Len())
		ctx.Expert(dissect.SeverityWarning, dissect.KindReassemblyConflict, body, at, body.Len()-at,
			"fragment bytes at datagram offset %d differ from an earlier fragment; keeping the earlier bytes", res.ConflictOffset)
	case res.Duplicate:
		ctx.Note(body, 0, body.Len(), "duplicate fragment data at offset %d", f.offset)
	}

	if res.Outcome == reassembly.Completed {
		ctx.Addf(body, 0, body.Len(), f.prefix+".fragment.data", "%d bytes", body.Len())
		ctx.AppendInfo("reassembled %d bytes from %d fragments", len(res.Data), res.Fragments)
		ctx.Reassembled = true
		cur := dissect.NewCursor(res.Data, len(res.Data))
		return &cur, res.Header
	}
	fragmentData(ctx, f)
	ctx.AppendInfo("fragmented, not yet reassembled")
	return nil, 0
}

func fragmentData(ctx *dissect.Context, f fragmentIn) {
	if f.body.Len() > 0 {
		ctx.Addf(f.body, 0, f.body.Len(), f.prefix+".fragment.data", "%d bytes", f.body.Len())
	}
}
