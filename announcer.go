package mcp

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

// AnnouncerOption represents the options for the Announcer.
type AnnouncerOption func(*Announcer)

// Announcer serves the event-stream transport. Every connected client gets its own unbounded
// sequence of "endpoint" events, one immediately and then one per interval, each carrying the
// URL of the handshake transport. A keep-alive comment is written on the same cadence so
// intermediaries do not time out the stream.
//
// The Announcer holds no mutable state; a single value can serve any number of clients.
type Announcer struct {
	endpoint string
	interval time.Duration

	keepAliveText     string
	keepAliveInterval time.Duration

	logger *slog.Logger

	onConnect    func(remoteAddr string)
	onDisconnect func(remoteAddr string)
}

// lockedMessageWriter serializes writes from the announcement loop and the keep-alive loop, as
// an sse.Session must not be written concurrently.
type lockedMessageWriter struct {
	mu sync.Mutex
	w  sse.MessageWriter
}

var (
	defaultAnnounceInterval = time.Second
	defaultKeepAliveText    = "keep-alive-text"

	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// NewAnnouncer creates an Announcer advertising the given handshake endpoint URL.
func NewAnnouncer(endpoint string, options ...AnnouncerOption) Announcer {
	a := Announcer{
		endpoint:      endpoint,
		interval:      defaultAnnounceInterval,
		keepAliveText: defaultKeepAliveText,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(&a)
	}
	if a.interval <= 0 {
		a.interval = defaultAnnounceInterval
	}
	if a.keepAliveInterval == 0 {
		a.keepAliveInterval = a.interval
	}
	return a
}

// WithAnnounceInterval sets the period between two announcements on a stream.
func WithAnnounceInterval(interval time.Duration) AnnouncerOption {
	return func(a *Announcer) {
		a.interval = interval
	}
}

// WithKeepAlive sets the keep-alive comment and its period. A negative interval disables
// keep-alives; zero uses the announce interval.
func WithKeepAlive(text string, interval time.Duration) AnnouncerOption {
	return func(a *Announcer) {
		a.keepAliveText = text
		a.keepAliveInterval = interval
	}
}

// WithAnnouncerOnConnect sets a callback invoked when a client subscribes to the stream.
func WithAnnouncerOnConnect(onConnect func(remoteAddr string)) AnnouncerOption {
	return func(a *Announcer) {
		a.onConnect = onConnect
	}
}

// WithAnnouncerOnDisconnect sets a callback invoked once a client's stream has fully stopped.
func WithAnnouncerOnDisconnect(onDisconnect func(remoteAddr string)) AnnouncerOption {
	return func(a *Announcer) {
		a.onDisconnect = onDisconnect
	}
}

// WithAnnouncerLogger sets the logger for the announcer.
func WithAnnouncerLogger(logger *slog.Logger) AnnouncerOption {
	return func(a *Announcer) {
		a.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "announcer"),
		)
	}
}

// Endpoint returns the handshake endpoint URL carried by the announcements.
func (a Announcer) Endpoint() string { return a.endpoint }

// Subscribe returns a lazy, never-ending sequence of announcements. The first event is yielded
// immediately and the next ones once per interval. The sequence stops when ctx is done or the
// caller stops iterating. Each call owns its own timer, so subscribers are independent.
func (a Announcer) Subscribe(ctx context.Context) iter.Seq[AnnouncementEvent] {
	return func(yield func(AnnouncementEvent) bool) {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			if !yield(NewAnnouncementEvent(a.endpoint)) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// Announce writes the announcement sequence, and the keep-alive comments, to w until ctx is done.
// It returns nil when ctx is cancelled, and a *ConnectionError when a write fails. Both loops
// have exited when Announce returns.
func (a Announcer) Announce(ctx context.Context, w sse.MessageWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lw := &lockedMessageWriter{w: w}

	var wg sync.WaitGroup
	var keepAliveErr error
	if a.keepAliveInterval > 0 && a.keepAliveText != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keepAliveErr = a.keepAlive(ctx, lw)
			if keepAliveErr != nil {
				// Stop the announcement loop too, the connection is gone.
				cancel()
			}
		}()
	}

	var err error
	for ev := range a.Subscribe(ctx) {
		msg := &sse.Message{}
		if ev.Event != "" {
			msg.Type = sse.Type(ev.Event)
		}
		msg.AppendData(ev.Data)
		if err = lw.write(msg); err != nil {
			err = &ConnectionError{Op: "announce", Err: err}
			break
		}
	}

	cancel()
	wg.Wait()

	if err != nil {
		return err
	}
	return keepAliveErr
}

// HandleSSE returns an http.Handler serving the event stream over GET requests. The connection
// stays open until the client disconnects.
func (a Announcer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if acc := r.Header.Get("Accept"); acc != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				a.logger.Warn("unacceptable media type", slog.String("accept", acc))
				http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
				return
			}
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			a.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Headers are only written on the first Send, so they can still be set here.
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Accel-Buffering", "no")

		remoteAddr := r.RemoteAddr
		a.logger.Info("client connected",
			slog.String("remoteAddr", remoteAddr),
			slog.String("userAgent", r.UserAgent()))
		if a.onConnect != nil {
			a.onConnect(remoteAddr)
		}

		err = a.Announce(r.Context(), sess)

		var connErr *ConnectionError
		switch {
		case err == nil:
		case errors.As(err, &connErr):
			// The peer went away mid-write.
			a.logger.Debug("stream write failed", slog.String("err", err.Error()))
		default:
			a.logger.Warn("stream stopped", slog.String("err", err.Error()))
		}

		a.logger.Info("client disconnected", slog.String("remoteAddr", remoteAddr))
		if a.onDisconnect != nil {
			a.onDisconnect(remoteAddr)
		}
	})
}

func (a Announcer) keepAlive(ctx context.Context, w *lockedMessageWriter) error {
	ticker := time.NewTicker(a.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		msg := &sse.Message{}
		msg.AppendComment(a.keepAliveText)
		if err := w.write(msg); err != nil {
			return &ConnectionError{Op: "keep-alive", Err: err}
		}
	}
}

func (l *lockedMessageWriter) write(msg *sse.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Send(msg); err != nil {
		return err
	}
	return l.w.Flush()
}
