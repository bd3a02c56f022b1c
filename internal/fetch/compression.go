// internal/fetch/compression.go
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on requests that do not set their own.
const AcceptEncoding = "br, gzip, deflate, identity"

var (
	gzipReaders = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaders = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
	// Pooled readers are reset onto this rather than nil.
	emptyReader = strings.NewReader("")
)

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaders.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaders.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	_ = zr.Reset(emptyReader)
	gzipReaders.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaders.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaders.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaders.Put(br)
}

// decompressingTransport negotiates compression and decodes response
// bodies. The wrapped transport must have DisableCompression set.
type decompressingTransport struct {
	next http.RoundTripper
}

func (t *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// layeredBody closes a decoder, returns it to its pool and closes the body
// it reads from.
type layeredBody struct {
	io.ReadCloser
	inner   io.ReadCloser
	release func()
}

func (b *layeredBody) Close() error {
	err := errors.Join(b.ReadCloser.Close(), b.inner.Close())
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return err
}

// DecompressResponse replaces resp.Body with a decoder for every layer of
// Content-Encoding, last applied first. On error the body may be partly
// consumed and the response should be discarded.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			decoder io.ReadCloser
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip", "x-gzip":
			zr, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			decoder = zr
			release = func() { putGzipReader(zr) }
		case "deflate":
			decoder = inflate(resp.Body)
		case "br":
			br, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			decoder = io.NopCloser(br)
			release = func() { putBrotliReader(br) }
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
		resp.Body = &layeredBody{ReadCloser: decoder, inner: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// rewindable replays the bytes read so far once Rewind is called.
type rewindable struct {
	r      io.Reader
	seen   *bytes.Buffer
	source io.Reader
}

func newRewindable(r io.Reader) *rewindable {
	seen := bytes.NewBuffer(make([]byte, 0, 128))
	return &rewindable{r: io.TeeReader(r, seen), seen: seen, source: r}
}

func (rw *rewindable) Read(p []byte) (int, error) { return rw.r.Read(p) }

func (rw *rewindable) Rewind() {
	rw.r = io.MultiReader(bytes.NewReader(rw.seen.Bytes()), rw.source)
}

// inflate decodes "deflate", which servers send both zlib-wrapped and raw.
func inflate(r io.Reader) io.ReadCloser {
	rw := newRewindable(r)
	if zr, err := zlib.NewReader(rw); err == nil {
		return zr
	}
	rw.Rewind()
	return flate.NewReader(rw)
}
