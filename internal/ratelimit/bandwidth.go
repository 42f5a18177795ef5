package ratelimit

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Bandwidth caps the upload rate shared by every reader and transport it wraps.
// A nil *Bandwidth is valid and limits nothing.
type Bandwidth struct {
	lim *rate.Limiter
}

// NewBandwidth returns a limiter capping uploads at kibPerSec KiB/s.
// kibPerSec <= 0 means unlimited and yields nil.
func NewBandwidth(kibPerSec int) *Bandwidth {
	if kibPerSec <= 0 {
		return nil
	}
	bytesPerSec := kibPerSec * KiB
	return &Bandwidth{lim: rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, MinBurstBytes))}
}

// BytesPerSecond returns the configured rate, or 0 when unlimited.
func (b *Bandwidth) BytesPerSecond() int {
	if b == nil {
		return 0
	}
	return int(b.lim.Limit())
}

// Reader wraps r so reads are paced by the limiter.
func (b *Bandwidth) Reader(r io.Reader) io.Reader {
	return b.ReaderContext(context.Background(), r)
}

// ReaderContext is Reader with waits that end when ctx is done.
func (b *Bandwidth) ReaderContext(ctx context.Context, r io.Reader) io.Reader {
	if b == nil {
		return r
	}
	return rateLimitedReader{ctx: ctx, reader: r, limiter: b.lim}
}

// Transport wraps rt so request bodies are paced by the limiter.
func (b *Bandwidth) Transport(rt http.RoundTripper) http.RoundTripper {
	if b == nil {
		return rt
	}
	return roundTripper(func(req *http.Request) (*http.Response, error) {
		if req.Body != nil && req.Body != http.NoBody {
			req = req.Clone(req.Context())
			req.Body = limitedReadCloser{
				Reader:   b.ReaderContext(req.Context(), req.Body),
				original: req.Body,
			}
		}
		return rt.RoundTrip(req)
	})
}

type roundTripper func(*http.Request) (*http.Response, error)

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}

type limitedReadCloser struct {
	io.Reader
	original io.ReadCloser
}

func (l limitedReadCloser) Close() error {
	return l.original.Close()
}

type rateLimitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func (r rateLimitedReader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	if werr := consumeTokens(r.ctx, n, r.limiter); werr != nil {
		return n, werr
	}
	return n, err
}

func consumeTokens(ctx context.Context, tokens int, limiter *rate.Limiter) error {
	// WaitN fails outright for n above the burst, so large reads are paid in installments
	burst := limiter.Burst()
	for tokens > 0 {
		n := min(tokens, burst)
		if err := limiter.WaitN(ctx, n); err != nil {
			return err
		}
		tokens -= n
	}
	return nil
}
