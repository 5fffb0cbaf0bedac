package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferAppendAndSnapshot(t *testing.T) {
	buf := NewOutputBuffer(1024)

	buf.Append([]byte("hello "))
	buf.Append([]byte("world"))

	assert.Equal(t, []byte("hello world"), buf.Snapshot())
	assert.Equal(t, 11, buf.Len())
}

func TestOutputBufferNeverExceedsCap(t *testing.T) {
	const cap = 64
	buf := NewOutputBuffer(cap)

	for i := 0; i < 100; i++ {
		buf.Append(bytes.Repeat([]byte{byte('a' + i%26)}, 7))
		assert.LessOrEqual(t, buf.Len(), cap)
	}
}

func TestOutputBufferKeepsMostRecentBytes(t *testing.T) {
	buf := NewOutputBuffer(8)

	buf.Append([]byte("12345678"))
	buf.Append([]byte("abcd"))

	assert.Equal(t, []byte("5678abcd"), buf.Snapshot())
}

func TestOutputBufferOversizedChunk(t *testing.T) {
	buf := NewOutputBuffer(4)

	buf.Append([]byte("abcdefghij"))

	assert.Equal(t, []byte("ghij"), buf.Snapshot())
}

func TestOutputBufferSnapshotIsACopy(t *testing.T) {
	buf := NewOutputBuffer(16)
	buf.Append([]byte("data"))

	snap := buf.Snapshot()
	snap[0] = 'X'

	assert.Equal(t, []byte("data"), buf.Snapshot())
}
