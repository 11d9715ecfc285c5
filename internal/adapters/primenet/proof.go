package primenet

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// proofChunkSize keeps individual POSTs small enough that a flaky link
// loses little on interruption; proof files run to hundreds of megabytes.
const proofChunkSize = 4 << 20

// UploadProof uploads a proof artifact in chunks, resuming from the last
// offset the server acknowledged rather than from zero. Only call after the
// owning assignment's result was accepted.
func (c *Client) UploadProof(ctx context.Context, guid string, aid string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &domain.LocalIOError{Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return &domain.LocalIOError{Path: path, Err: err}
	}
	size := st.Size()

	sum := md5.New()
	if _, err := io.Copy(sum, f); err != nil {
		return &domain.LocalIOError{Path: path, Err: err}
	}
	fileMD5 := hex.EncodeToString(sum.Sum(nil))

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.cfg.InitialInterval)),
		c.cfg.MaxRetries), ctx)

	return backoff.Retry(func() error {
		offset, done, err := c.probeProof(ctx, guid, aid, fileMD5, size)
		if err != nil {
			if !domain.Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if done {
			c.logger.Info("proof already fully uploaded", "aid", aid, "file", path)
			return nil
		}
		if err := c.sendProofChunks(ctx, guid, aid, f, offset, size); err != nil {
			if !domain.Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, bo)
}

// probeProof asks the server how much of the artifact it already has.
func (c *Client) probeProof(ctx context.Context, guid, aid, fileMD5 string, size int64) (offset int64, done bool, err error) {
	p := &params{}
	p.add("g", guid)
	p.add("k", aid)
	p.add("md5", fileMD5)
	p.add("size", strconv.FormatInt(size, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.ProofURL, "/")+"/?"+p.encode(), nil)
	if err != nil {
		return 0, false, fmt.Errorf("build proof probe: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, false, &domain.NetworkError{Op: "proof-probe", Err: err}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, false, &domain.NetworkError{Op: "proof-probe", Err: err}
	}
	if res.StatusCode >= 500 {
		return 0, false, &domain.ServerError{Op: "proof-probe", Code: res.StatusCode, Detail: res.Status}
	}
	if res.StatusCode != http.StatusOK {
		return 0, false, &domain.ProtocolRejection{Op: "proof-probe", Code: res.StatusCode, Detail: res.Status}
	}

	resp := parseResponse(string(body))
	if resp["done"] == "1" {
		return size, true, nil
	}
	offset, _ = strconv.ParseInt(resp["offset"], 10, 64)
	if offset < 0 || offset > size {
		return 0, false, &domain.ServerError{Op: "proof-probe", Code: 0,
			Detail: fmt.Sprintf("server acknowledged impossible offset %d of %d", offset, size)}
	}
	return offset, false, nil
}

func (c *Client) sendProofChunks(ctx context.Context, guid, aid string, f *os.File, offset, size int64) error {
	buf := make([]byte, proofChunkSize)
	for offset < size {
		n := int64(len(buf))
		if size-offset < n {
			n = size - offset
		}
		if _, err := f.ReadAt(buf[:n], offset); err != nil {
			return &domain.LocalIOError{Path: f.Name(), Err: err}
		}

		p := &params{}
		p.add("g", guid)
		p.add("k", aid)
		p.add("offset", strconv.FormatInt(offset, 10))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.ProofURL, "/")+"/?"+p.encode(), strings.NewReader(string(buf[:n])))
		if err != nil {
			return fmt.Errorf("build proof chunk request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		res, err := c.http.Do(req)
		if err != nil {
			return &domain.NetworkError{Op: "proof-upload", Err: err}
		}
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return &domain.NetworkError{Op: "proof-upload", Err: err}
		}
		if res.StatusCode >= 500 {
			return &domain.ServerError{Op: "proof-upload", Code: res.StatusCode, Detail: res.Status}
		}
		if res.StatusCode != http.StatusOK {
			return &domain.ProtocolRejection{Op: "proof-upload", Code: res.StatusCode, Detail: res.Status}
		}

		acked, _ := strconv.ParseInt(parseResponse(string(body))["offset"], 10, 64)
		if acked <= offset {
			return &domain.ServerError{Op: "proof-upload", Code: 0,
				Detail: fmt.Sprintf("server did not advance past offset %d", offset)}
		}
		c.logger.Debug("proof chunk acknowledged", "aid", aid, "offset", acked, "size", size)
		offset = acked
	}
	return nil
}
