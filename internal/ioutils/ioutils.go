package ioutils

import (
	"bytes"
	"io"
)

func NewByteReadSeekCloser(buffer []byte) ByteReadSeekCloser {
	return ByteReadSeekCloser{
		bytes.NewReader(buffer),
	}
}

type ByteReadSeekCloser struct {
	io.ReadSeeker
}

func (brsc ByteReadSeekCloser) Close() error {
	return nil
}

func SkipNBytes(r io.Reader, n int64) (int64, error) {
	var err error
	switch r := r.(type) {
	case io.Seeker:
		_, err = r.Seek(n, io.SeekCurrent)
	default:
		_, err = io.CopyN(io.Discard, r, n)
	}
	return n, err
}

type limitedEndReadCloser struct {
	io.Reader
	innerReadCloser io.ReadCloser
}

// NewLimitedEndReadCloser stops the reader after endLimit bytes.
// Close still closes the full inner reader.
func NewLimitedEndReadCloser(innerReadCloser io.ReadCloser, endLimit int64) io.ReadCloser {
	return &limitedEndReadCloser{
		io.LimitReader(innerReadCloser, endLimit),
		innerReadCloser,
	}
}

func (lrc *limitedEndReadCloser) Close() error {
	return lrc.innerReadCloser.Close()
}

type multiReadCloser struct {
	io.Reader
	readClosers []io.ReadCloser
}

// NewMultiReadCloser concatenates the readers and closes all of them on
// Close, returning the first close error.
func NewMultiReadCloser(readClosers ...io.ReadCloser) io.ReadCloser {
	readers := make([]io.Reader, 0, len(readClosers))
	for _, readCloser := range readClosers {
		readers = append(readers, readCloser)
	}
	return &multiReadCloser{
		io.MultiReader(readers...),
		readClosers,
	}
}

func (mrc *multiReadCloser) Close() error {
	var err error
	for _, readCloser := range mrc.readClosers {
		innerErr := readCloser.Close()
		if err == nil && innerErr != nil {
			err = innerErr
		}
	}
	return err
}

type readAndCallbackCloser struct {
	innerReadCloser io.ReadCloser
	closeCallback   func() error
}

func NewReadAndCallbackCloser(innerReadCloser io.ReadCloser, closeCallback func() error) io.ReadCloser {
	return &readAndCallbackCloser{
		innerReadCloser: innerReadCloser,
		closeCallback:   closeCallback,
	}
}

func (r *readAndCallbackCloser) Read(p []byte) (int, error) {
	return r.innerReadCloser.Read(p)
}

func (r *readAndCallbackCloser) Close() error {
	return r.closeCallback()
}

type statsReadCloser struct {
	innerReadCloser io.ReadCloser
	readCallback    func(n int)
}

func NewStatsReadCloser(innerReadCloser io.ReadCloser, readCallback func(n int)) io.ReadCloser {
	return &statsReadCloser{
		innerReadCloser: innerReadCloser,
		readCallback:    readCallback,
	}
}

func (s *statsReadCloser) Read(p []byte) (int, error) {
	n, err := s.innerReadCloser.Read(p)
	if s.readCallback != nil {
		s.readCallback(n)
	}
	return n, err
}

func (s *statsReadCloser) Close() error {
	return s.innerReadCloser.Close()
}
