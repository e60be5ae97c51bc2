package frontend

import (
	"net/http"
	"time"

	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/hub"
)

const defaultStreamIdleTimeout = 60 * time.Second

// handleLiveStream proxies the cloud plane's live SSE feed byte-for-byte.
// The proxy closes when the client leaves, the upstream ends, or the
// upstream goes quiet past the idle timeout.
func (srv *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	upstream, err := srv.deps.Mediator.Client().StreamLive(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "live stream unavailable: "+err.Error())
		return
	}
	defer func() { _ = upstream.Close() }()

	idleTimeout := srv.deps.Config.Server.StreamIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultStreamIdleTimeout
	}

	hub.SetSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	chunks := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := upstream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			logger.Info(ctx, "Live stream idle, closing proxy")
			return
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil {
				logger.Warn(ctx, "Live stream upstream ended", "err", err)
			}
			// Drain anything buffered before closing.
			for chunk := range chunks {
				if _, werr := w.Write(chunk); werr != nil {
					return
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
	}
}
