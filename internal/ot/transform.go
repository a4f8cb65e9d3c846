package ot

// Transform derives the bottom two sides of the OT diamond: given a and b
// made concurrently against the same document, it returns a' and b' such that
// apply(apply(doc, a), b') == apply(apply(doc, b), a'). Neither input is
// modified.
func Transform(a, b Op) (ap, bp Op) {
	ap, bp = a, b
	switch a.Kind {
	case Insert:
		switch b.Kind {
		case Insert:
			if a.Position < b.Position || (a.Position == b.Position && Precedes(a, b)) {
				bp.Position += a.Len()
			} else {
				ap.Position += b.Len()
			}
		case Delete:
			ap, bp = transformInsertDelete(a, b)
		case Retain:
			bp = transformRangeInsert(b, a)
		}
	case Delete:
		switch b.Kind {
		case Insert:
			bp, ap = transformInsertDelete(b, a)
		case Delete:
			ap, bp = transformDeleteDelete(a, b)
		case Retain:
			bp = transformRangeDelete(b, a)
		}
	case Retain:
		switch b.Kind {
		case Insert:
			ap = transformRangeInsert(a, b)
		case Delete:
			ap = transformRangeDelete(a, b)
		}
	}
	return ap, bp
}

// transformInsertDelete handles the insert/delete corner of the diamond.
func transformInsertDelete(ins, del Op) (insp, delp Op) {
	insp, delp = ins, del
	switch {
	case ins.Position <= del.Position:
		// Insert before delete. Delete shifts forward.
		delp.Position += ins.Len()
	case ins.Position >= del.Position+del.Count:
		// Insert after delete. Insert shifts backward.
		insp.Position -= del.Count
	default:
		// Insert inside the deleted range: the delete absorbs it and the
		// insert collapses to nothing.
		insp.Position = del.Position
		insp.Text = ""
		delp.Count += ins.Len()
	}
	return insp, delp
}

func transformDeleteDelete(a, b Op) (ap, bp Op) {
	ap, bp = a, b
	aEnd, bEnd := a.Position+a.Count, b.Position+b.Count
	switch {
	case aEnd <= b.Position:
		bp.Position -= a.Count
	case bEnd <= a.Position:
		ap.Position -= b.Count
	default:
		// Deletions overlap; each side only removes what the other left.
		pos := min(a.Position, b.Position)
		overlap := max(0, min(aEnd, bEnd)-max(a.Position, b.Position))
		ap.Position, ap.Count = pos, a.Count-overlap
		bp.Position, bp.Count = pos, b.Count-overlap
	}
	return ap, bp
}

// transformRangeInsert moves a retained range past a concurrent insert. An
// insert strictly inside the range widens it.
func transformRangeInsert(r, ins Op) Op {
	switch {
	case ins.Position <= r.Position:
		r.Position += ins.Len()
	case ins.Position < r.Position+r.Count:
		r.Count += ins.Len()
	}
	return r
}

// transformRangeDelete shrinks a retained range by whatever a concurrent
// delete removed from it.
func transformRangeDelete(r, del Op) Op {
	start := mapThroughDelete(r.Position, del)
	end := mapThroughDelete(r.Position+r.Count, del)
	r.Position, r.Count = start, end-start
	return r
}

func mapThroughDelete(pos int, del Op) int {
	switch {
	case pos <= del.Position:
		return pos
	case pos <= del.Position+del.Count:
		return del.Position
	default:
		return pos - del.Count
	}
}

// TransformAll transforms each op in pending, in order, against remote and
// returns the transformed pending ops together with remote rebased past all
// of them. pending is not modified.
func TransformAll(pending []Op, remote Op) ([]Op, Op) {
	out := make([]Op, len(pending))
	for i, p := range pending {
		out[i], remote = Transform(p, remote)
	}
	return out, remote
}
