package sutils

import (
	"testing"
)

func Test_Addr(t *testing.T) {
	t.Run("ResolveUDPAddr SCION address", func(t *testing.T) {
		a, err := ResolveUDPAddr("1-ff00:0:110,[127.0.0.12]:31000")
		if err != nil {
			t.Fatal(err)
		}
		if a.IA.String() != "1-ff00:0:110" || a.Host.Port != 31000 {
			t.Errorf("unexpected address %s", a)
		}
	})

	t.Run("WithPort", func(t *testing.T) {
		a, err := ResolveUDPAddr("1-ff00:0:110,[127.0.0.12]:0")
		if err != nil {
			t.Fatal(err)
		}
		b := WithPort(a, 4242)
		if a.Host.Port != 0 || b.Host.Port != 4242 {
			t.Errorf("WithPort must not modify the original: %s %s", a, b)
		}
		if HostPort(b) != "127.0.0.12:4242" {
			t.Errorf("unexpected host port %s", HostPort(b))
		}
		if ListenAddr(b).Port != 4242 {
			t.Error("listen addr lost the port")
		}
	})
}
