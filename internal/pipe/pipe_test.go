package pipe

import (
	"testing"
	"time"

	"gophix/internal/defs"
)

func TestWriteThenRead(t *testing.T) {
	p := New()
	n, err := p.Write([]byte("hi"))
	if err != 0 || n != 2 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	buf := make([]byte, 2)
	n, err = p.Read(buf)
	if err != 0 || n != 2 || string(buf) != "hi" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := New()
	done := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 5)
		n, _ := p.Read(buf)
		got = buf[:n]
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("read returned before any data was written")
	case <-time.After(20 * time.Millisecond):
	}

	p.Write([]byte("abc"))
	<-done
	if string(got) != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestWriteBlocksWhenFull(t *testing.T) {
	p := New()
	full := make([]byte, Size)
	if n, err := p.Write(full); err != 0 || n != Size {
		t.Fatalf("filling write failed: n=%d err=%v", n, err)
	}

	done := make(chan struct{})
	go func() {
		p.Write([]byte{1})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("write into a full pipe should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	drained := make([]byte, 1)
	p.Read(drained)
	<-done
}

func TestCloseReadCausesEPIPE(t *testing.T) {
	p := New()
	full := make([]byte, Size)
	p.Write(full)
	p.CloseRead()

	done := make(chan struct {
		n   int
		err defs.Err_t
	})
	go func() {
		n, err := p.Write([]byte{1})
		done <- struct {
			n   int
			err defs.Err_t
		}{n, err}
	}()

	res := <-done
	if res.err != defs.EPIPE {
		t.Fatalf("expected EPIPE after closing the read end, got %v", res.err)
	}
}

func TestCloseWriteCausesEOF(t *testing.T) {
	p := New()
	p.CloseWrite()
	buf := make([]byte, 4)
	n, err := p.Read(buf)
	if err != 0 || n != 0 {
		t.Fatalf("expected EOF (n=0, err=0) on a closed write end, got n=%d err=%v", n, err)
	}
}
