package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "[pmm] bitmap placed at 0x100000, 16384 frames tracked"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb.wIndex = 0
		rb.rIndex = 0
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write moves read pointer", func(t *testing.T) {
		rb.wIndex = ringBufferSize - 1
		rb.rIndex = 0
		if _, err := rb.Write([]byte{'!'}); err != nil {
			t.Fatal(err)
		}

		if exp := 1; rb.rIndex != exp {
			t.Fatalf("expected write to push rIndex to %d; got %d", exp, rb.rIndex)
		}
	})

	t.Run("wraps around", func(t *testing.T) {
		rb.wIndex = ringBufferSize - 2
		rb.rIndex = ringBufferSize - 2
		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		var out bytes.Buffer
		if _, err := io.Copy(&out, &rb); err != nil {
			t.Fatal(err)
		}

		if got := out.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps newest bytes", func(t *testing.T) {
		rb = ringBuffer{}
		data := bytes.Repeat([]byte{'a'}, ringBufferSize)
		data = append(data, []byte("tail")...)
		if _, err := rb.Write(data); err != nil {
			t.Fatal(err)
		}

		got := readByteByByte(&buf, &rb)
		if exp := ringBufferSize - 1; len(got) != exp {
			t.Fatalf("expected to read %d bytes; got %d", exp, len(got))
		}
		if got[len(got)-4:] != "tail" {
			t.Fatalf("expected buffer to end with the newest write; got %q", got[len(got)-4:])
		}
	})
}

func readByteByByte(buf *bytes.Buffer, r io.Reader) string {
	buf.Reset()
	var b = make([]byte, 1)
	for {
		_, err := r.Read(b)
		if err == io.EOF {
			break
		}

		buf.Write(b)
	}
	return buf.String()
}
