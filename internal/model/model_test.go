package model

import "testing"

func TestKeyRoundtrip(t *testing.T) {
	k := KeyFromUint64(0x0000000000000001)
	if got := k.Uint64(); got != 1 {
		t.Fatalf("Uint64() = %d, want 1", got)
	}
}

func TestKeyLess(t *testing.T) {
	a := KeyFromUint64(1)
	b := KeyFromUint64(2)
	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %v not < %v", b, a)
	}
	if a.Less(a) {
		t.Fatalf("key must not be less than itself")
	}
}

func TestTimestampPeriod(t *testing.T) {
	cases := []struct {
		ts, period, want uint64
	}{
		{1005, 100, 1000},
		{999, 100, 900},
		{0, 100, 0},
		{42, 0, 42},
	}
	for _, c := range cases {
		if got := Timestamp(c.ts).Period(c.period); got != c.want {
			t.Errorf("Timestamp(%d).Period(%d) = %d, want %d", c.ts, c.period, got, c.want)
		}
	}
}

func TestMetaNewer(t *testing.T) {
	older := Meta{Timestamp: 5}
	newer := Meta{Timestamp: 10}
	if !newer.Newer(older) {
		t.Fatalf("expected newer record to be Newer")
	}
	if older.Newer(newer) {
		t.Fatalf("older record must not be Newer than newer one")
	}
}
