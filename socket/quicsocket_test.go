package socket

import (
	"context"
	"testing"
)

func Test_QUICSocket(t *testing.T) {
	t.Run("QUICSocket Accept before Listen", func(t *testing.T) {
		sock := NewQUICSocket("1-ff00:0:110,[127.0.0.12]:31000", 0)
		if _, err := sock.Accept(context.Background()); err != errNotListening {
			t.Errorf("expected errNotListening, got %v", err)
		}
		if err := sock.CloseAll(); err != nil {
			t.Error(err)
		}
	})
}
