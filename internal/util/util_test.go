package util

import "testing"

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min(3,5) != 3")
	}
	if Min(5, 3) != 3 {
		t.Fatal("Min(5,3) != 3")
	}
	if Min(uint32(4), uint32(4)) != 4 {
		t.Fatal("Min(4,4) != 4")
	}
}

func TestRounddown(t *testing.T) {
	cases := []struct{ v, b, want int }{
		{0, 4096, 0},
		{1, 4096, 0},
		{4095, 4096, 0},
		{4096, 4096, 4096},
		{4097, 4096, 4096},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.want {
			t.Fatalf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestRoundup(t *testing.T) {
	cases := []struct{ v, b, want int }{
		{0, 512, 0},
		{1, 512, 512},
		{512, 512, 512},
		{513, 512, 1024},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.want {
			t.Fatalf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}
