package ioutils

import (
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiReadCloser(t *testing.T) {
	content := []byte{'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k'}
	reader := NewByteReadSeekCloser(content[0:5])
	reader2 := NewByteReadSeekCloser(content[5:7])
	reader3 := NewByteReadSeekCloser(content[7:11])
	multiReadCloser := NewMultiReadCloser(reader, reader2, reader3)
	err := iotest.TestReader(multiReadCloser, content)
	assert.Nil(t, err)
}

func TestLimitedEndReadCloser(t *testing.T) {
	content := []byte{'a', 'b', 'c', 'd', 'e', 'f'}
	reader := NewLimitedEndReadCloser(NewByteReadSeekCloser(content), 4)
	err := iotest.TestReader(reader, content[0:4])
	assert.Nil(t, err)
}

func TestSkipNBytes(t *testing.T) {
	content := []byte{'a', 'b', 'c', 'd', 'e', 'f'}
	reader := NewByteReadSeekCloser(content)
	_, err := SkipNBytes(reader, 2)
	assert.Nil(t, err)
	rest, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, content[2:], rest)
}

func TestBoundedPipeDeliversAllChunks(t *testing.T) {
	reader, writer := NewBoundedPipe(context.Background(), 2)
	go func() {
		_, err := writer.Write([]byte("AAAA"))
		assert.Nil(t, err)
		_, err = writer.Write([]byte("BBBB"))
		assert.Nil(t, err)
		writer.Close()
	}()
	data, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, []byte("AAAABBBB"), data)
}

func TestBoundedPipeCloseWithError(t *testing.T) {
	reader, writer := NewBoundedPipe(context.Background(), 2)
	errBroken := errors.New("broken")
	_, err := writer.Write([]byte("AAAA"))
	assert.Nil(t, err)
	writer.CloseWithError(errBroken)

	buffer := make([]byte, 4)
	n, err := reader.Read(buffer)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	_, err = reader.Read(buffer)
	assert.Equal(t, errBroken, err)
}

func TestBoundedPipeReaderCloseUnblocksWriter(t *testing.T) {
	reader, writer := NewBoundedPipe(context.Background(), 1)
	writeResult := make(chan error, 1)
	go func() {
		_, err := writer.Write([]byte("AAAA"))
		if err == nil {
			_, err = writer.Write([]byte("BBBB"))
		}
		if err == nil {
			_, err = writer.Write([]byte("CCCC"))
		}
		writeResult <- err
	}()
	time.Sleep(10 * time.Millisecond)
	reader.Close()
	select {
	case err := <-writeResult:
		assert.Equal(t, io.ErrClosedPipe, err)
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after reader close")
	}
}

func TestBoundedPipeStreamsFromSourceReader(t *testing.T) {
	source := NewByteReadSeekCloser([]byte("object content"))
	reader, writer := NewBoundedPipe(context.Background(), 2)
	go func() {
		_, copyErr := io.Copy(writer, source)
		source.Close()
		writer.CloseWithError(copyErr)
	}()
	defer reader.Close()
	data, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, []byte("object content"), data)
}

func TestBoundedPipeContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader, _ := NewBoundedPipe(ctx, 1)
	cancel()
	buffer := make([]byte, 4)
	_, err := reader.Read(buffer)
	assert.Equal(t, context.Canceled, err)
}
