package confirm

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	wsDialTimeout  = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsSyncInterval = 2 * time.Second

	wsBaseReconnectDelay = 5 * time.Second
	wsMaxReconnectDelay  = 5 * time.Minute
)

// SignatureWatcher subscribes to signature notifications over the node's
// WebSocket endpoint and nudges the monitor when one arrives, so trades
// confirm ahead of the next poll tick. Losing the socket costs nothing
// but latency: the polling loop remains the source of truth.
type SignatureWatcher struct {
	url string
	mon *Monitor
	log zerolog.Logger

	mu         sync.Mutex
	nextID     uint64
	subscribed map[string]bool   // signature -> subscribe sent
	pending    map[uint64]string // request id -> signature
	subs       map[uint64]string // subscription id -> signature
}

func NewSignatureWatcher(url string, mon *Monitor, log zerolog.Logger) *SignatureWatcher {
	w := &SignatureWatcher{
		url: url,
		mon: mon,
		log: log.With().Str("component", "signature_watcher").Logger(),
	}
	w.reset()
	return w
}

func (w *SignatureWatcher) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribed = make(map[string]bool)
	w.pending = make(map[uint64]string)
	w.subs = make(map[uint64]string)
}

// Run keeps a WebSocket session alive until ctx is cancelled, reconnecting
// with exponential backoff. Subscriptions are re-established after every
// reconnect from the monitor's live set.
func (w *SignatureWatcher) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
		conn, _, err := websocket.Dial(dialCtx, w.url, nil)
		cancel()
		if err != nil {
			attempt++
			delay := wsBackoff(attempt)
			w.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("WebSocket dial failed, will retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		w.log.Info().Str("url", w.url).Msg("Signature watcher connected")
		w.session(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		w.reset()
	}
}

// session runs the subscribe-sync and read loops until either fails.
func (w *SignatureWatcher) session(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.syncSubscriptions(sessionCtx, conn)

	for {
		_, message, err := conn.Read(sessionCtx)
		if err != nil {
			if sessionCtx.Err() == nil {
				w.log.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		w.handleMessage(message)
	}
}

// syncSubscriptions subscribes to every live signature the monitor tracks
// and forgets signatures no longer live.
func (w *SignatureWatcher) syncSubscriptions(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active := make(map[string]bool)
		for _, mon := range w.mon.Active() {
			active[mon.TxSignature] = true
		}

		var requests [][]byte
		w.mu.Lock()
		for sig := range w.subscribed {
			if !active[sig] {
				delete(w.subscribed, sig)
			}
		}
		for id, sig := range w.pending {
			if !active[sig] {
				delete(w.pending, id)
			}
		}
		for id, sig := range w.subs {
			if !active[sig] {
				delete(w.subs, id)
			}
		}
		for sig := range active {
			if w.subscribed[sig] {
				continue
			}
			w.nextID++
			w.subscribed[sig] = true
			w.pending[w.nextID] = sig
			body, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      w.nextID,
				"method":  "signatureSubscribe",
				"params":  []any{sig, map[string]string{"commitment": "confirmed"}},
			})
			if err == nil {
				requests = append(requests, body)
			}
		}
		w.mu.Unlock()

		for _, body := range requests {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, body)
			cancel()
			if err != nil {
				w.log.Warn().Err(err).Msg("WebSocket subscribe failed")
				return
			}
		}
	}
}

func (w *SignatureWatcher) handleMessage(message []byte) {
	var frame struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params struct {
			Subscription uint64 `json:"subscription"`
		} `json:"params"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		w.log.Debug().Err(err).Msg("Ignoring unparseable WebSocket message")
		return
	}

	switch {
	case frame.Method == "signatureNotification":
		w.mu.Lock()
		sig, ok := w.subs[frame.Params.Subscription]
		if ok {
			delete(w.subs, frame.Params.Subscription)
			delete(w.subscribed, sig)
		}
		w.mu.Unlock()
		if ok {
			w.log.Debug().Str("signature", sig).Msg("Signature notification received")
			w.mon.Nudge(sig)
		}

	case frame.ID != 0 && len(frame.Result) > 0:
		var subID uint64
		if err := json.Unmarshal(frame.Result, &subID); err != nil {
			return
		}
		w.mu.Lock()
		if sig, ok := w.pending[frame.ID]; ok {
			delete(w.pending, frame.ID)
			w.subs[subID] = sig
		}
		w.mu.Unlock()
	}
}

// wsBackoff doubles from the base delay and caps at the max.
func wsBackoff(attempt int) time.Duration {
	delay := float64(wsBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(wsMaxReconnectDelay) {
		delay = float64(wsMaxReconnectDelay)
	}
	return time.Duration(delay)
}
