package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestPageAlign(t *testing.T) {
	cases := []struct{ in, want uint64 }{
		{0, 0},
		{1, 4096},
		{4095, 4096},
		{4096, 4096},
		{4097, 8192},
		{5000, 8192},
	}
	for _, tc := range cases {
		if got := PageAlign(tc.in); got != tc.want {
			t.Errorf("PageAlign(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestMapWindowRejectsDegenerateRanges(t *testing.T) {
	p := &Platform{IOMap: func(phys, length uint64) ([]byte, error) {
		return make([]byte, length), nil
	}}
	if _, err := p.MapWindow(0, 4096); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero phys: err = %v", err)
	}
	if _, err := p.MapWindow(0x1000, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero length: err = %v", err)
	}
}

func TestMapWindowUsesMapper(t *testing.T) {
	backing := make([]byte, 8192)
	var gotPhys, gotLen uint64
	p := &Platform{IOMap: func(phys, length uint64) ([]byte, error) {
		gotPhys, gotLen = phys, length
		return backing, nil
	}}
	win, err := p.MapWindow(0xfebe_0000, 0x38)
	if err != nil {
		t.Fatal(err)
	}
	if gotPhys != 0xfebe_0000 || gotLen != 0x38 {
		t.Fatalf("mapper called with %#x+%#x", gotPhys, gotLen)
	}
	if win.Phys != 0xfebe_0000 || win.Len() != 0x38 {
		t.Fatalf("window = %#x+%#x", win.Phys, win.Len())
	}
	if !win.Valid() {
		t.Fatalf("window reports invalid")
	}
}

func TestMapWindowShortMapping(t *testing.T) {
	p := &Platform{IOMap: func(phys, length uint64) ([]byte, error) {
		return make([]byte, length-1), nil
	}}
	if _, err := p.MapWindow(0x1000, 4096); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapWindowMapperError(t *testing.T) {
	sentinel := fmt.Errorf("bus fault")
	p := &Platform{IOMap: func(phys, length uint64) ([]byte, error) {
		return nil, sentinel
	}}
	if _, err := p.MapWindow(0x1000, 4096); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapWindowWithoutMapper(t *testing.T) {
	p := &Platform{}
	if _, err := p.MapWindow(0x1000, 4096); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestLiveBytesUnavailable(t *testing.T) {
	p := &Platform{}
	if _, ok := p.LiveBytes(); ok {
		t.Fatalf("bare platform reports accounting")
	}
}

func TestWindowValid(t *testing.T) {
	if (Window{}).Valid() {
		t.Fatalf("zero window valid")
	}
	if !(Window{Mem: make([]byte, 1), Phys: 0x1000}).Valid() {
		t.Fatalf("one-byte window invalid")
	}
}
