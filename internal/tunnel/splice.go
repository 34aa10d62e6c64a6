package tunnel

import (
	"context"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// splice copies bytes between local and remote until both directions finish
// or one of them fails. EOF on one leg half-closes the other leg's write
// side. Any error, or cancellation of ctx, closes both connections.
func splice(ctx context.Context, local, remote net.Conn, sent, received func(int64)) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		local.Close()
		remote.Close()
	})
	defer stop()

	g.Go(func() error {
		return pipe(remote, local, sent)
	})
	g.Go(func() error {
		return pipe(local, remote, received)
	})

	err := g.Wait()
	local.Close()
	remote.Close()
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies src into dst and propagates EOF as a half-close of dst
func pipe(dst, src net.Conn, count func(int64)) error {
	if _, err := io.Copy(&countingWriter{w: dst, count: count}, src); err != nil {
		return err
	}
	if cw, ok := dst.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return dst.Close()
}

type countingWriter struct {
	w     io.Writer
	count func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.count != nil {
		c.count(int64(n))
	}
	return n, err
}
