// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cdr implements the subset of OMG CDR needed for builtin security
// messages: the encapsulation header, aligned primitives, strings and octet
// sequences.
package cdr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encapsulation kinds.
const (
	CDRBE   byte = 0x00
	CDRLE   byte = 0x01
	PLCDRBE byte = 0x02
	PLCDRLE byte = 0x03
)

// HeaderLength is the size of the encapsulation header.
const HeaderLength = 4

// MaxSequenceLength bounds decoded sequence and string lengths.
const MaxSequenceLength = 1 << 20

var (
	// ErrTruncated is returned when the input ends early.
	ErrTruncated = errors.New("cdr: truncated input")

	// ErrInvalidEncapsulation is returned for an unknown encapsulation kind.
	ErrInvalidEncapsulation = errors.New("cdr: invalid encapsulation")

	// ErrTooLong is returned for sequences exceeding MaxSequenceLength.
	ErrTooLong = errors.New("cdr: sequence too long")
)

// byteOrder is satisfied by binary.BigEndian and binary.LittleEndian.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func orderFor(kind byte) (byteOrder, error) {
	switch kind {
	case CDRBE, PLCDRBE:
		return binary.BigEndian, nil
	case CDRLE, PLCDRLE:
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidEncapsulation, kind)
	}
}

// Encoder appends CDR data after an encapsulation header. Alignment is
// relative to the first byte after the header.
type Encoder struct {
	buf   []byte
	order byteOrder
}

// NewEncoder starts a buffer with the header for kind.
func NewEncoder(kind byte) (*Encoder, error) {
	order, err := orderFor(kind)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		buf:   []byte{0x00, kind, 0x00, 0x00},
		order: order,
	}, nil
}

func (e *Encoder) align(n int) {
	for (len(e.buf)-HeaderLength)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

// Octet writes one byte.
func (e *Encoder) Octet(v byte) {
	e.buf = append(e.buf, v)
}

// Raw writes bytes without a length prefix or alignment.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Uint32 writes an aligned unsigned 32 bit integer.
func (e *Encoder) Uint32(v uint32) {
	e.align(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

// Int32 writes an aligned signed 32 bit integer.
func (e *Encoder) Int32(v int32) {
	e.Uint32(uint32(v))
}

// Bool writes a boolean octet.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Octet(1)
		return
	}
	e.Octet(0)
}

// String writes a length prefixed, NUL terminated string.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// Octets writes a length prefixed octet sequence.
func (e *Encoder) Octets(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Bytes returns the encoded buffer including the header.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads CDR data. The first error sticks; every later read returns
// zero values.
type Decoder struct {
	buf   []byte
	off   int
	order byteOrder
	err   error
}

// NewDecoder parses the encapsulation header of b.
func NewDecoder(b []byte) (*Decoder, error) {
	if len(b) < HeaderLength {
		return nil, ErrTruncated
	}
	order, err := orderFor(b[1])
	if err != nil {
		return nil, err
	}
	return &Decoder{
		buf:   b[HeaderLength:],
		order: order,
	}, nil
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) align(n int) {
	if pad := d.off % n; pad != 0 {
		d.take(n - pad)
	}
}

// Octet reads one byte.
func (d *Decoder) Octet() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Raw reads n bytes.
func (d *Decoder) Raw(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Uint32 reads an aligned unsigned 32 bit integer.
func (d *Decoder) Uint32() uint32 {
	d.align(4)
	b := d.take(4)
	if b == nil {
		return 0
	}
	return d.order.Uint32(b)
}

// Int32 reads an aligned signed 32 bit integer.
func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

// Bool reads a boolean octet.
func (d *Decoder) Bool() bool {
	return d.Octet() != 0
}

// Length reads a sequence length, rejecting absurd values.
func (d *Decoder) Length() int {
	n := d.Uint32()
	if n > MaxSequenceLength {
		if d.err == nil {
			d.err = fmt.Errorf("%w: %d", ErrTooLong, n)
		}
		return 0
	}
	return int(n)
}

// String reads a length prefixed, NUL terminated string.
func (d *Decoder) String() string {
	n := d.Length()
	if n == 0 {
		return ""
	}
	b := d.take(n)
	if b == nil {
		return ""
	}
	if b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

// Octets reads a length prefixed octet sequence.
func (d *Decoder) Octets() []byte {
	n := d.Length()
	return d.Raw(n)
}
