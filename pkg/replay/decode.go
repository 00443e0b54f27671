package replay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// maxBodySize bounds a response body, both as received and once decoded.
const maxBodySize = 64 << 20

// bufferBody reads resp.Body fully, decodes any Content-Encoding and replaces
// the body with an in-memory reader. Identity headers advertise
// "gzip, deflate, br, zstd", so net/http's transparent gzip is not in play
// and every encoding is decoded here.
func bufferBody(resp *http.Response) error {
	return bufferBodyLimit(resp, maxBodySize)
}

func bufferBodyLimit(resp *http.Response, limit int64) error {
	raw, err := readLimited(resp.Body, limit)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	body, err := decompress(raw, encoding, limit)
	if err != nil {
		return fmt.Errorf("decode %s response body: %w", encoding, err)
	}
	if encoding != "" && encoding != "identity" {
		resp.Header.Del("Content-Encoding")
		resp.Uncompressed = true
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.ContentLength = int64(len(body))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

var errBodyTooLarge = errors.New("response body too large")

// readLimited reads r to EOF and fails once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errBodyTooLarge, limit)
	}
	return b, nil
}

func decompress(data []byte, encoding string, limit int64) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readLimited(r, limit)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(data)), limit)
	case "deflate":
		// Servers disagree on zlib-wrapped versus raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			out, rerr := readLimited(zr, limit)
			_ = zr.Close()
			if rerr == nil || errors.Is(rerr, errBodyTooLarge) {
				return out, rerr
			}
		}
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return readLimited(r, limit)
	case "zstd":
		d, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return readLimited(d, limit)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
