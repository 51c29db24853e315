package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"voxscore/internal/poller"
	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	watchBacklog  = 16
	closeDeadline = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	MessageStatusUpdate       = "status_update"
	MessageProcessingComplete = "processing_complete"
	MessageProcessingFailed   = "processing_failed"
)

type WebSocketMessage struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"session_id"`
	Status    *model.ProcessingStatus `json:"status,omitempty"`
	Result    *model.AnalysisResult   `json:"result,omitempty"`
	Error     *apperr.Presentation    `json:"error,omitempty"`
}

// watch is the single poll of one session shared by every socket on it
type watch struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu   sync.Mutex
	subs map[chan WebSocketMessage]struct{}
	last *WebSocketMessage

	final *WebSocketMessage
	done  chan struct{}
}

func (w *watch) broadcast(msg WebSocketMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &msg
	for ch := range w.subs {
		select {
		case ch <- msg:
		default:
			// slow reader, it gets the next update
		}
	}
}

// statusHub runs at most one poll per session. Later sockets join the
// running poll instead of starting their own.
type statusHub struct {
	poller  *poller.Poller
	fetcher ResultFetcher
	opts    poller.Options

	mu      sync.Mutex
	watches map[string]*watch
}

func newStatusHub(p *poller.Poller, fetcher ResultFetcher, opts poller.Options) *statusHub {
	return &statusHub{
		poller:  p,
		fetcher: fetcher,
		opts:    opts,
		watches: make(map[string]*watch),
	}
}

// join subscribes to the session's watch, starting it when none runs. The
// poll inherits the values of ctx, such as the caller's bearer token, but
// not its cancellation.
func (h *statusHub) join(ctx context.Context, sessionID string) (*watch, <-chan WebSocketMessage, func()) {
	ch := make(chan WebSocketMessage, watchBacklog)

	h.mu.Lock()
	w, ok := h.watches[sessionID]
	for ok && w.ctx.Err() != nil {
		// abandoned poll still winding down
		h.mu.Unlock()
		<-w.done
		h.mu.Lock()
		w, ok = h.watches[sessionID]
	}
	if !ok {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w = &watch{
			sessionID: sessionID,
			ctx:       wctx,
			cancel:    cancel,
			subs:      make(map[chan WebSocketMessage]struct{}),
			done:      make(chan struct{}),
		}
		w.subs[ch] = struct{}{}
		h.watches[sessionID] = w
		go h.run(w)
	} else {
		w.mu.Lock()
		w.subs[ch] = struct{}{}
		if w.last != nil {
			ch <- *w.last
		}
		w.mu.Unlock()
	}
	h.mu.Unlock()

	leave := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		w.mu.Lock()
		delete(w.subs, ch)
		empty := len(w.subs) == 0
		w.mu.Unlock()
		if empty {
			w.cancel()
		}
	}
	return w, ch, leave
}

func (h *statusHub) run(w *watch) {
	log := logger.With(zap.String("session_id", w.sessionID))

	opts := h.opts
	opts.OnStatus = func(_ int, status *model.ProcessingStatus) {
		w.broadcast(WebSocketMessage{Type: MessageStatusUpdate, SessionID: w.sessionID, Status: status})
	}

	final := h.follow(w, opts)

	h.mu.Lock()
	if h.watches[w.sessionID] == w {
		delete(h.watches, w.sessionID)
	}
	w.final = final
	close(w.done)
	h.mu.Unlock()
	w.cancel()

	log.Debug("Status watch finished")
}

func (h *statusHub) follow(w *watch, opts poller.Options) *WebSocketMessage {
	failed := func(err error) *WebSocketMessage {
		p := apperr.Present(err)
		return &WebSocketMessage{Type: MessageProcessingFailed, SessionID: w.sessionID, Error: &p}
	}

	outcome, err := h.poller.PollUntilTerminal(w.ctx, w.sessionID, opts)
	switch {
	case err != nil:
		return failed(err)
	case outcome.Cancelled:
		return nil
	case outcome.Status.Status == model.StatusFailed:
		return failed(apperr.ProcessingFailed(outcome.Status))
	}

	result, err := h.fetcher.FetchAndNormalize(w.ctx, w.sessionID, outcome.Status.Status)
	if err != nil {
		if w.ctx.Err() != nil {
			return nil
		}
		return failed(err)
	}
	return &WebSocketMessage{
		Type:      MessageProcessingComplete,
		SessionID: w.sessionID,
		Status:    outcome.Status,
		Result:    result,
	}
}

// WebSocketHandler streams the progress of one session until it finishes or
// the client goes away
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	// captured before the upgrade, with the token attached by the middleware
	reqCtx := r.Context()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	// reads only detect the client closing
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := logger.With(zap.String("session_id", sessionID))
	log.Debug("Status stream opened")

	send := func(msg WebSocketMessage) bool {
		msg.SessionID = sessionID
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("Status stream write failed", zap.Error(err))
			return false
		}
		return true
	}

	wt, updates, leave := s.hub.join(reqCtx, sessionID)
	defer leave()

	for {
		select {
		case msg := <-updates:
			if !send(msg) {
				return
			}
		case <-wt.done:
			for drained := false; !drained; {
				select {
				case msg := <-updates:
					if !send(msg) {
						return
					}
				default:
					drained = true
				}
			}
			if wt.final != nil && send(*wt.final) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(closeDeadline))
			}
			log.Debug("Status stream closed")
			return
		case <-gone:
			return
		}
	}
}
