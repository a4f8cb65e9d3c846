package ot_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/matheus3301/collab/internal/ot"
)

func ins(client string, lv int64, pos int, text string) ot.Op {
	return ot.Op{Kind: ot.Insert, Position: pos, Text: text, ClientID: client, LocalVersion: lv}
}

func del(client string, lv int64, pos, n int) ot.Op {
	return ot.Op{Kind: ot.Delete, Position: pos, Count: n, ClientID: client, LocalVersion: lv}
}

func retain(client string, lv int64, pos, n int) ot.Op {
	return ot.Op{Kind: ot.Retain, Position: pos, Count: n, ClientID: client, LocalVersion: lv}
}

func apply(t *testing.T, doc string, ops ...ot.Op) string {
	t.Helper()
	for _, op := range ops {
		var err error
		doc, err = op.Apply(doc)
		if err != nil {
			t.Fatalf("apply %v to %q: %v", op, doc, err)
		}
	}
	return doc
}

func TestApply(t *testing.T) {
	doc := apply(t, "", ins("a", 1, 0, "foo"), ins("a", 2, 0, "foo"), del("a", 3, 2, 1), del("a", 4, 2, 1))
	assert.Equal(t, doc, "fooo")
	assert.Equal(t, apply(t, "héllo", ins("a", 1, 2, "ü")), "héüllo")
	assert.Equal(t, apply(t, "héllo", del("a", 1, 1, 2)), "hlo")
	assert.Equal(t, apply(t, "abc", retain("a", 1, 1, 2)), "abc")
}

func TestApplyOutOfBounds(t *testing.T) {
	cases := []ot.Op{
		ins("a", 1, 4, "x"),
		del("a", 1, 2, 2),
		retain("a", 1, 0, 4),
	}
	for _, op := range cases {
		_, err := op.Apply("abc")
		if !errors.Is(err, ot.ErrOutOfBounds) {
			t.Errorf("%v: error = %v, want ErrOutOfBounds", op, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		op      ot.Op
		wantErr bool
	}{
		{ins("a", 1, 0, "x"), false},
		{del("a", 1, 0, 1), false},
		{ot.Op{Kind: "move"}, true},
		{ot.Op{Kind: ot.Delete, Position: -1}, true},
		{ot.Op{Kind: ot.Delete, Count: 1, Text: "x"}, true},
	}
	for _, c := range cases {
		err := c.op.Validate()
		assert.Equal(t, err != nil, c.wantErr)
	}
}

func TestConcurrentInsertSamePositionTieBreak(t *testing.T) {
	// Both clients start from server version 5 with the same document.
	base := "doc"
	x := ins("client-a", 1, 0, "X")
	x.ServerVersion = 5
	y := ins("client-b", 1, 0, "Y")
	y.ServerVersion = 5

	xp, yp := ot.Transform(x, y)
	onA := apply(t, base, x, yp)
	onB := apply(t, base, y, xp)

	assert.Equal(t, onA, onB)
	// client-a sorts first, so its insert is placed first.
	assert.Equal(t, onA, "XYdoc")

	// Swapping argument order must not change the outcome.
	yp2, xp2 := ot.Transform(y, x)
	assert.Equal(t, apply(t, base, y, xp2), "XYdoc")
	assert.Equal(t, apply(t, base, x, yp2), "XYdoc")
}

func TestTieBreakFallsBackToLocalVersion(t *testing.T) {
	a := ins("same", 1, 0, "A")
	b := ins("same", 2, 0, "B")
	assert.Equal(t, ot.Precedes(a, b), true)
	assert.Equal(t, ot.Precedes(b, a), false)
}

func TestTransformInsertDelete(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		a, b ot.Op
		want string
	}{
		{"insert before delete", "abcdef", ins("a", 1, 1, "X"), del("b", 1, 2, 2), "aXbef"},
		{"insert after delete", "abcdef", ins("a", 1, 5, "X"), del("b", 1, 1, 2), "adeXf"},
		{"insert at delete end", "abcdef", ins("a", 1, 3, "X"), del("b", 1, 1, 2), "aXdef"},
		{"insert inside delete", "abcdef", ins("a", 1, 2, "X"), del("b", 1, 1, 3), "aef"},
		{"overlapping deletes", "abcdefgh", del("a", 1, 2, 4), del("b", 1, 4, 4), "ab"},
		{"nested deletes", "abcdefgh", del("a", 1, 1, 6), del("b", 1, 3, 2), "ah"},
		{"identical deletes", "abcdef", del("a", 1, 1, 2), del("b", 1, 1, 2), "adef"},
		{"disjoint deletes", "abcdef", del("a", 1, 0, 1), del("b", 1, 4, 2), "bcd"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ap, bp := ot.Transform(c.a, c.b)
			left := apply(t, c.doc, c.a, bp)
			right := apply(t, c.doc, c.b, ap)
			assert.Equal(t, left, right)
			assert.Equal(t, left, c.want)
		})
	}
}

func TestTransformRetain(t *testing.T) {
	r := retain("a", 1, 2, 3) // covers "cde" in "abcdefg"

	_, rp := ot.Transform(ins("b", 1, 0, "XY"), r)
	assert.Equal(t, rp.Position, 4)
	assert.Equal(t, rp.Count, 3)

	_, rp = ot.Transform(ins("b", 1, 3, "XY"), r)
	assert.Equal(t, rp.Position, 2)
	assert.Equal(t, rp.Count, 5)

	_, rp = ot.Transform(del("b", 1, 1, 2), r)
	assert.Equal(t, rp.Position, 1)
	assert.Equal(t, rp.Count, 2)

	rp, _ = ot.Transform(r, del("b", 1, 0, 7))
	assert.Equal(t, rp.Position, 0)
	assert.Equal(t, rp.Count, 0)

	// Retain never changes content, so the other side is untouched.
	d := del("b", 1, 1, 2)
	_, dp := ot.Transform(r, d)
	assert.Equal(t, dp, d)
}

func TestTransformDoesNotMutateInputs(t *testing.T) {
	a := ins("a", 1, 2, "X")
	b := del("b", 1, 1, 3)
	aCopy, bCopy := a, b
	ot.Transform(a, b)
	assert.Equal(t, a, aCopy)
	assert.Equal(t, b, bCopy)
}

func randomOp(r *rand.Rand, client string, lv int64, doc string) ot.Op {
	n := len([]rune(doc))
	alphabet := []rune("abcxyz")
	switch k := r.Intn(5); {
	case k < 2 || n == 0:
		text := make([]rune, 1+r.Intn(3))
		for i := range text {
			text[i] = alphabet[r.Intn(len(alphabet))]
		}
		return ins(client, lv, r.Intn(n+1), string(text))
	case k < 4:
		pos := r.Intn(n)
		return del(client, lv, pos, 1+r.Intn(n-pos))
	default:
		pos := r.Intn(n + 1)
		return retain(client, lv, pos, r.Intn(n-pos+1))
	}
}

// transformSeq transforms two concurrent sequences against each other.
func transformSeq(a, b []ot.Op) (ap, bp []ot.Op) {
	ap = append([]ot.Op(nil), a...)
	bp = make([]ot.Op, len(b))
	for i, bOp := range b {
		ap, bOp = ot.TransformAll(ap, bOp)
		bp[i] = bOp
	}
	return ap, bp
}

func TestConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 2000; iter++ {
		base := ""
		for i := 0; i < r.Intn(12); i++ {
			base += string(rune('A' + r.Intn(26)))
		}

		var as, bs []ot.Op
		docA, docB := base, base
		for i := 0; i < 1+r.Intn(4); i++ {
			op := randomOp(r, "client-a", int64(i+1), docA)
			docA = apply(t, docA, op)
			as = append(as, op)
		}
		for i := 0; i < 1+r.Intn(4); i++ {
			op := randomOp(r, "client-b", int64(i+1), docB)
			docB = apply(t, docB, op)
			bs = append(bs, op)
		}

		ap, bp := transformSeq(as, bs)
		finalA := apply(t, docA, bp...)
		finalB := apply(t, docB, ap...)
		if finalA != finalB {
			t.Fatalf("iteration %d diverged from %q:\n a=%v\n b=%v\n got %q vs %q", iter, base, as, bs, finalA, finalB)
		}
	}
}
