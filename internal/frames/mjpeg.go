package frames

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/banshee-data/walker.report/internal/httputil"
)

// maxFrameBytes bounds a single JPEG and the scan buffer.
const maxFrameBytes = 8 << 20

// Source opens a frame stream.
type Source interface {
	Open(ctx context.Context) (Reader, error)
}

// Reader yields encoded frames until it fails or is closed. Close must
// unblock a pending ReadFrame.
type Reader interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// MJPEGSource reads an HTTP camera stream such as mjpg-streamer's
// "?action=stream" endpoint.
type MJPEGSource struct {
	URL    string
	Client httputil.HTTPClient
}

func NewMJPEGSource(url string, client httputil.HTTPClient) *MJPEGSource {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &MJPEGSource{URL: url, Client: client}
}

func (s *MJPEGSource) Open(ctx context.Context) (Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: status %d", s.URL, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		return &multipartReader{body: resp.Body, mr: multipart.NewReader(resp.Body, params["boundary"])}, nil
	}
	return &jpegScanner{body: resp.Body, buf: make([]byte, 0, 64<<10), chunk: make([]byte, 8192)}, nil
}

type multipartReader struct {
	body io.ReadCloser
	mr   *multipart.Reader
}

func (r *multipartReader) ReadFrame() ([]byte, error) {
	for {
		part, err := r.mr.NextPart()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes+1))
		part.Close()
		if err != nil {
			return nil, err
		}
		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (r *multipartReader) Close() error { return r.body.Close() }

// jpegScanner splits a bare byte stream on JPEG start/end markers.
type jpegScanner struct {
	body  io.ReadCloser
	buf   []byte
	chunk []byte
}

func (r *jpegScanner) ReadFrame() ([]byte, error) {
	for {
		if frame := extractJPEG(&r.buf); frame != nil {
			return frame, nil
		}
		if len(r.buf) > maxFrameBytes {
			r.buf = r.buf[:0]
		}
		n, err := r.body.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err != nil {
			if frame := extractJPEG(&r.buf); frame != nil {
				return frame, nil
			}
			return nil, err
		}
	}
}

func (r *jpegScanner) Close() error { return r.body.Close() }

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// extractJPEG cuts the first complete SOI..EOI image out of buf, dropping
// any bytes before it.
func extractJPEG(buf *[]byte) []byte {
	start := bytes.Index(*buf, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case the marker straddles reads.
		if n := len(*buf); n > 0 && (*buf)[n-1] == 0xFF {
			*buf = append((*buf)[:0], 0xFF)
		} else {
			*buf = (*buf)[:0]
		}
		return nil
	}
	end := bytes.Index((*buf)[start+2:], jpegEOI)
	if end < 0 {
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, (*buf)[start:end])
	*buf = append((*buf)[:0], (*buf)[end:]...)
	return frame
}
