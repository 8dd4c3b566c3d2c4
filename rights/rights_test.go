package rights_test

import (
	"testing"

	"github.com/fluxusproxy/fluxus/rights"
)

func TestSetToRights(t *testing.T) {
	s := rights.Set{
		Tcp:  rights.Entry{CanCreate: true, CanSelectPort: false},
		Http: rights.Entry{CanCreate: false, CanSelectPort: false},
	}
	got := s.Rights()
	if !got.Has(rights.CreateTcp) {
		t.Fatal("expected CreateTcp")
	}
	if got.Has(rights.SelectTcpPort) || got.Has(rights.CreateHttp) {
		t.Fatalf("got %08b, want only CreateTcp", got)
	}
}

func TestStringRendersPerBitLetters(t *testing.T) {
	r := rights.CreateTcp.With(rights.CreateHttp)
	if got, want := r.String(), "c-C-"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := rights.Rights(0).String(), "----"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestWithWithout(t *testing.T) {
	r := rights.CreateTcp
	r = r.With(rights.SelectTcpPort)
	if !r.Has(rights.SelectTcpPort) {
		t.Fatal("With did not set bit")
	}
	r = r.Without(rights.CreateTcp)
	if r.Has(rights.CreateTcp) {
		t.Fatal("Without did not clear bit")
	}
}
