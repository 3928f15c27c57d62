package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/walker.report/internal/httputil"
)

func jpeg(payload string) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

func TestMJPEGSource_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary=boundarydonotcross")
		for _, p := range []string{"one", "two"} {
			img := jpeg(p)
			fmt.Fprintf(w, "--boundarydonotcross\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(img))
			w.Write(img)
			io.WriteString(w, "\r\n")
		}
		io.WriteString(w, "--boundarydonotcross--\r\n")
	}))
	defer srv.Close()

	r, err := NewMJPEGSource(srv.URL+"/?action=stream", nil).Open(context.Background())
	require.NoError(t, err)
	defer r.Close()

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, jpeg("one"), f)
	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, jpeg("two"), f)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMJPEGSource_BareStream(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("junk")
	stream.Write(jpeg("a"))
	stream.Write([]byte{0x00, 0x01})
	stream.Write(jpeg("bb"))

	client := httputil.NewMockHTTPClient()
	client.AddResponse(http.StatusOK, stream.String())

	r, err := NewMJPEGSource("http://camera/stream", client).Open(context.Background())
	require.NoError(t, err)
	defer r.Close()

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, jpeg("a"), f)
	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, jpeg("bb"), f)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "http://camera/stream", reqs[0].URL.String())
}

func TestMJPEGSource_OpenErrors(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(http.StatusNotFound, "")
	client.AddErrorResponse(errors.New("connection refused"))
	src := NewMJPEGSource("http://camera/stream", client)

	_, err := src.Open(context.Background())
	assert.ErrorContains(t, err, "status 404")
	_, err = src.Open(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestExtractJPEG_SplitMarkers(t *testing.T) {
	buf := []byte{0x00, 0xFF}
	assert.Nil(t, extractJPEG(&buf))
	assert.Equal(t, []byte{0xFF}, buf)

	buf = append(buf, 0xD8, 'x', 0xFF)
	assert.Nil(t, extractJPEG(&buf))
	buf = append(buf, 0xD9, 'y')
	assert.Equal(t, jpeg("x"), extractJPEG(&buf))
	assert.Equal(t, []byte{'y'}, buf)
}
