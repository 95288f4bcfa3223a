package interceptor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

const (
	encodingBrotli = "br"
	encodingGzip   = "gzip"
)

type compressSettings struct {
	Level      *int     `yaml:"level"`
	MinSize    int64    `yaml:"min_size"`
	Algorithms []string `yaml:"algorithms"`
}

// compressor recompresses the relayed body on the fly with the best encoding
// both sides accept. The body is piped through the encoder, so large
// responses are never buffered.
type compressor struct {
	algorithms []string // server preference order
	gzipLevel  int
	brLevel    int
	minSize    int64
}

func newGzip(raw map[string]any) (Interceptor, error) {
	return newCompressor(raw, []string{encodingGzip})
}

func newCompress(raw map[string]any) (Interceptor, error) {
	return newCompressor(raw, []string{encodingBrotli, encodingGzip})
}

func newCompressor(raw map[string]any, algorithms []string) (Interceptor, error) {
	s := compressSettings{MinSize: 1024}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if len(s.Algorithms) > 0 {
		algorithms = s.Algorithms
	}

	c := &compressor{
		gzipLevel: gzip.DefaultCompression,
		brLevel:   brotli.DefaultCompression,
		minSize:   s.MinSize,
	}
	for _, algo := range algorithms {
		algo = strings.ToLower(strings.TrimSpace(algo))
		switch algo {
		case encodingGzip:
			if s.Level != nil {
				if *s.Level < gzip.HuffmanOnly || *s.Level > gzip.BestCompression {
					return nil, fmt.Errorf("invalid gzip level %d", *s.Level)
				}
				c.gzipLevel = *s.Level
			}
		case encodingBrotli:
			if s.Level != nil {
				if *s.Level < brotli.BestSpeed || *s.Level > brotli.BestCompression {
					return nil, fmt.Errorf("invalid brotli level %d", *s.Level)
				}
				c.brLevel = *s.Level
			}
		default:
			return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
		}
		c.algorithms = append(c.algorithms, algo)
	}
	return c, nil
}

func (c *compressor) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	resp := ex.Response
	if !c.applies(ex.Request, resp) {
		return nil, nil
	}
	algo := c.negotiate(ex.Request.Header.Get("Accept-Encoding"))
	if algo == "" {
		return nil, nil
	}

	src := resp.Body
	pr, pw := io.Pipe()
	go func() {
		enc, err := c.newEncoder(pw, algo)
		if err == nil {
			_, err = io.Copy(enc, src)
			if cerr := enc.Close(); err == nil {
				err = cerr
			}
		}
		src.Close()
		pw.CloseWithError(err)
	}()

	resp.Body = &pipedBody{PipeReader: pr, src: src}
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Encoding", algo)
	resp.Header.Add("Vary", "Accept-Encoding")
	return nil, nil
}

func (c *compressor) newEncoder(w io.Writer, algo string) (io.WriteCloser, error) {
	if algo == encodingBrotli {
		return brotli.NewWriterLevel(w, c.brLevel), nil
	}
	return gzip.NewWriterLevel(w, c.gzipLevel)
}

func (c *compressor) applies(req *http.Request, resp *Response) bool {
	if req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	return resp.ContentLength < 0 || resp.ContentLength >= c.minSize
}

// negotiate picks the encoding with the highest client quality. Ties go to
// the earlier entry in c.algorithms; q=0 rejects an encoding.
func (c *compressor) negotiate(header string) string {
	if header == "" {
		return ""
	}
	accepted := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		q := 1.0
		if v, ok := strings.CutPrefix(strings.ReplaceAll(strings.TrimSpace(params), " ", ""), "q="); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			q = f
		}
		if coding == "*" {
			wildcard = q
			continue
		}
		accepted[coding] = q
	}

	best, bestQ := "", 0.0
	for _, algo := range c.algorithms {
		q, ok := accepted[algo]
		if !ok {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

// pipedBody closes both the compressed reader and the upstream body so the
// encoder goroutine exits when the client goes away.
type pipedBody struct {
	*io.PipeReader
	src io.Closer
}

func (b *pipedBody) Close() error {
	b.PipeReader.Close()
	return b.src.Close()
}
