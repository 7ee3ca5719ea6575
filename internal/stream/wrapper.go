package stream

import "context"

// Transform is the plugin-supplied cryptographic (or otherwise
// byte-transforming) layer a WrapperStream installs in front of an inner
// Stream. TLS termination is the canonical example: TransformRead drives
// the TLS handshake/record layer against inner, buffering ciphertext
// through it as needed.
type Transform interface {
	TransformRead(ctx context.Context, inner Stream, n int) ([]byte, error)
	TransformWrite(ctx context.Context, inner Stream, data []byte) error
}

// WrapperStream owns an inner Stream and layers a Transform over it. It is
// what ProxyConnection.Wrap installs in place of a connection's raw tunnel
// stream. The inner stream is set after construction,
// because a plugin builds the wrapper before Wrap installs the old,
// now-wrapped stream as its inner one via SetInner.
type WrapperStream struct {
	Base
	inner     Stream
	transform Transform
}

// NewWrapperStream creates a WrapperStream around the given Transform. The
// inner stream must be installed with SetInner before first use.
func NewWrapperStream(transform Transform) *WrapperStream {
	return &WrapperStream{transform: transform}
}

// SetInner installs the stream this wrapper layers its transform over.
func (w *WrapperStream) SetInner(inner Stream) {
	w.inner = inner
}

// Inner returns the wrapped stream. Panics if called before SetInner —
// callers (the transform, Close) only ever run after Wrap has installed it.
func (w *WrapperStream) Inner() Stream {
	if w.inner == nil {
		panic("stream: WrapperStream used before SetInner")
	}
	return w.inner
}

func (w *WrapperStream) Read(ctx context.Context, n int) ([]byte, error) {
	return w.DoRead(ctx, func(ctx context.Context, n int) ([]byte, error) {
		return w.transform.TransformRead(ctx, w.Inner(), n)
	}, n)
}

func (w *WrapperStream) Write(ctx context.Context, data []byte) error {
	return w.transform.TransformWrite(ctx, w.Inner(), data)
}

func (w *WrapperStream) Close(force bool) {
	w.DoClose(func(force bool) {
		w.Inner().Close(force)
	}, force)
}
