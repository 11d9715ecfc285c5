package primenet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proofServer mimics the upload endpoint: a GET probe answering with the
// byte offset received so far, POSTs appending chunk bodies.
type proofServer struct {
	received bytes.Buffer
	probes   int
	posts    int
}

func (s *proofServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.probes++
			size, _ := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
			if int64(s.received.Len()) == size && size > 0 {
				fmt.Fprint(w, "done=1\n==END==\n")
				return
			}
			fmt.Fprintf(w, "offset=%d\n==END==\n", s.received.Len())
		case http.MethodPost:
			s.posts++
			body, _ := io.ReadAll(r.Body)
			s.received.Write(body)
			fmt.Fprintf(w, "offset=%d\n==END==\n", s.received.Len())
		}
	}
}

func newProofClient(t *testing.T, srv *proofServer) *Client {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return NewClient(testLogger(), Config{
		BaseURL:         ts.URL,
		ProofURL:        ts.URL,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	})
}

func writeProofFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "108174367-8.proof")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestUploadProofFromScratch(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB, 0xCD}, 500)
	srv := &proofServer{}
	c := newProofClient(t, srv)

	err := c.UploadProof(context.Background(), testGUID, "8480F365A5D1EB8DE3343C0D273AE255",
		writeProofFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, content, srv.received.Bytes())
	assert.Equal(t, 1, srv.posts)
}

func TestUploadProofResumesFromServerOffset(t *testing.T) {
	content := bytes.Repeat([]byte{0x11}, 100)
	srv := &proofServer{}
	srv.received.Write(content[:40]) // an earlier interrupted upload
	c := newProofClient(t, srv)

	err := c.UploadProof(context.Background(), testGUID, "8480F365A5D1EB8DE3343C0D273AE255",
		writeProofFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, content, srv.received.Bytes())
}

func TestUploadProofAlreadyDone(t *testing.T) {
	content := []byte("complete proof artifact")
	srv := &proofServer{}
	srv.received.Write(content)
	c := newProofClient(t, srv)

	err := c.UploadProof(context.Background(), testGUID, "8480F365A5D1EB8DE3343C0D273AE255",
		writeProofFile(t, content))
	require.NoError(t, err)
	assert.Zero(t, srv.posts)
}

func TestUploadProofMissingFile(t *testing.T) {
	srv := &proofServer{}
	c := newProofClient(t, srv)
	err := c.UploadProof(context.Background(), testGUID, "8480F365A5D1EB8DE3343C0D273AE255",
		filepath.Join(t.TempDir(), "nope.proof"))
	assert.Error(t, err)
	assert.Zero(t, srv.probes)
}
