// Package kfmt implements the kernel's allocation-free formatted output. All
// output produced before an output sink is attached is kept in a ring buffer
// and replayed into the sink once SetOutputSink is called.
package kfmt

import (
	"io"
	"unsafe"

	"limeos/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// printLock serializes formatting so that output from several cores
	// does not interleave mid-line and the shared scratch buffers stay
	// consistent.
	printLock sync.Spinlock
	scratch   printer

	// earlyPrintBuffer stores Printf output until a sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. If nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer
)

// printer holds the scratch space used while rendering a single format
// string.
type printer struct {
	w      io.Writer
	num    [maxBufSize + 1]byte
	single [1]byte
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// GetOutputSink returns the writer Printf currently sends its output to. It
// returns nil while output is still buffered.
func GetOutputSink() io.Writer {
	printLock.Acquire()
	defer printLock.Release()
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go allocator is available. It does not allocate.
//
// Supported verbs:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%o base 8
//	%d base 10
//	%x base 16, lower-case
//	%t "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Pointers (%p) are not supported: supporting them requires reflect which
// makes the compiler emit allocating conversions for the argument slice.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w. A nil w
// selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	scratch.w = w
	scratch.format(format, args)
	scratch.w = nil
	printLock.Release()
}

func (p *printer) format(format string, args []interface{}) {
	var (
		argIndex int
		padLen   int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			p.writeByte(format[i])
			continue
		}

		padLen = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			p.write(errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			p.writeByte('%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			p.write(errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			p.write(errMissingArg)
			continue
		}

		switch verb {
		case 'o':
			p.fmtInt(args[argIndex], 8, padLen)
		case 'd':
			p.fmtInt(args[argIndex], 10, padLen)
		case 'x':
			p.fmtInt(args[argIndex], 16, padLen)
		case 's':
			p.fmtString(args[argIndex], padLen)
		case 't':
			p.fmtBool(args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		p.write(errExtraArg)
	}
}

func (p *printer) fmtBool(v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		p.write(errWrongArgType)
	case bVal:
		p.write(trueValue)
	default:
		p.write(falseValue)
	}
}

func (p *printer) fmtString(v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		p.repeat(' ', padLen-len(castedVal))
		// converting the string to a byte slice allocates.
		for i := 0; i < len(castedVal); i++ {
			p.writeByte(castedVal[i])
		}
	case []byte:
		p.repeat(' ', padLen-len(castedVal))
		p.write(castedVal)
	default:
		p.write(errWrongArgType)
	}
}

func (p *printer) repeat(ch byte, count int) {
	for ; count > 0; count-- {
		p.writeByte(ch)
	}
}

// fmtInt renders v in the requested base, applying padLen. All built-in
// integer types are supported.
func (p *printer) fmtInt(v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
		padCh    byte = '0'
		right    int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}
	if base == 10 {
		padCh = ' '
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = abs(int64(t))
	case int16:
		uval, negative = abs(int64(t))
	case int32:
		uval, negative = abs(int64(t))
	case int64:
		uval, negative = abs(t)
	case int:
		uval, negative = abs(int64(t))
	default:
		p.write(errWrongArgType)
		return
	}

	// Digits are produced least significant first and reversed at the end.
	for {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			p.num[right] = digit + '0'
		} else {
			p.num[right] = digit - 10 + 'a'
		}
		right++

		if uval /= uint64(base); uval == 0 || right == maxBufSize {
			break
		}
	}

	for ; right < padLen; right++ {
		p.num[right] = padCh
	}

	// The sign replaces the leftmost space of a padded decimal or is
	// appended when there is no room.
	if negative {
		end := right - 1
		for end >= 0 && p.num[end] == ' ' {
			end--
		}
		if end == right-1 {
			right++
		}
		p.num[end+1] = '-'
	}

	for left, r := 0, right-1; left < r; left, r = left+1, r-1 {
		p.num[left], p.num[r] = p.num[r], p.num[left]
	}

	p.write(p.num[:right])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func (p *printer) writeByte(b byte) {
	p.single[0] = b
	p.write(p.single[:])
}

// write hides b from escape analysis. Without this the compiler cannot
// tell that b does not escape through the io.Writer interface call and
// makes every Printf call allocate.
func (p *printer) write(b []byte) {
	doRealWrite(p.w, noEscape(unsafe.Pointer(&b)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	b := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(b)
	} else {
		_, _ = earlyPrintBuffer.Write(b)
	}
}

// noEscape hides a pointer from escape analysis. Copied from
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
