package address

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		class Class
		host  string
		port  int
	}{
		{ClassNode, "127.0.0.1", 65430},
		{ClassStreamer, "127.0.0.1", 65431},
		{ClassCA, "ca.example.internal", 65432},
	}
	for _, c := range cases {
		text := Format(c.class, c.host, c.port)
		got, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		if got.Class != c.class || got.Host != c.host || got.Port != c.port {
			t.Fatalf("Parse(%q) = %+v, want class=%s host=%s port=%d", text, got, c.class, c.host, c.port)
		}
	}
}

func TestPairedMarker(t *testing.T) {
	a, err := Parse("*ChaskiStreamer@127.0.0.1:65431")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Paired {
		t.Fatal("expected Paired=true")
	}
	if a.String() != "*ChaskiStreamer@127.0.0.1:65431" {
		t.Fatalf("got %q", a.String())
	}
}

func TestEqual(t *testing.T) {
	a, _ := Parse("ChaskiNode@127.0.0.1:65430")
	b, _ := Parse("*ChaskiNode@127.0.0.1:65430")
	if !a.Equal(b) {
		t.Fatal("expected equal regardless of Paired marker")
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{"", "noat", "cls@nohost", "cls@host:notaport", "cls@:1234"}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}
