package channel

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/airlock-go/internal/wire"
)

const (
	testShip   = "zod"
	testCode   = "lidlut-tabwed-pillex-ridrup"
	testCookie = "urbauth-~zod=0v3.secret"
)

// fakeHost is a minimal channel host. Pokes and subscribes are answered on
// the event stream unless configured otherwise.
type fakeHost struct {
	srv    *httptest.Server
	stop   chan struct{}
	events chan string

	mu           sync.Mutex
	puts         [][]wire.Outbound
	failPuts     int
	failedPuts   int
	streamPaths  []string
	lastEventIDs []string
	nextEvent    int64
	silent       map[string]bool
	rejectPoke   map[string]string
	garblePoke   map[string]bool
	rejectSub    map[string]string
	streamStatus int
	scry         map[string]string
	threads      []string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		stop:       make(chan struct{}),
		events:     make(chan string, 256),
		silent:     map[string]bool{},
		rejectPoke: map[string]string{},
		garblePoke: map[string]bool{},
		rejectSub:  map[string]string{},
		scry:       map[string]string{},
	}
	h.srv = httptest.NewServer(h)
	t.Cleanup(h.srv.Close)
	t.Cleanup(func() { close(h.stop) })
	return h
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/~/login":
		h.serveLogin(w, r)
		return
	case !strings.Contains(r.Header.Get("Cookie"), testCookie):
		w.WriteHeader(http.StatusForbidden)
		return
	case strings.HasPrefix(r.URL.Path, "/~/channel/") && r.Method == http.MethodPut:
		h.servePut(w, r)
	case strings.HasPrefix(r.URL.Path, "/~/channel/") && r.Method == http.MethodGet:
		h.serveStream(w, r)
	case strings.HasPrefix(r.URL.Path, "/~/scry/"):
		h.mu.Lock()
		body, ok := h.scry[strings.TrimPrefix(r.URL.Path, "/~/scry")]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	case strings.HasPrefix(r.URL.Path, "/spider/") && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.threads = append(h.threads, r.URL.Path)
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q,"input":%s}`, r.URL.Path, body)
	default:
		http.NotFound(w, r)
	}
}

func (h *fakeHost) serveLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("password") != testCode {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name, value, _ := strings.Cut(testCookie, "=")
	http.SetCookie(w, &http.Cookie{Name: name, Value: value, Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *fakeHost) servePut(w http.ResponseWriter, r *http.Request) {
	var batch []wire.Outbound
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	if h.failPuts > 0 {
		h.failPuts--
		h.failedPuts++
		h.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.puts = append(h.puts, batch)
	h.mu.Unlock()

	for _, m := range batch {
		switch m.Action {
		case wire.ActionPoke:
			h.mu.Lock()
			silent := h.silent[m.App]
			reason, rejected := h.rejectPoke[m.App]
			garbled := h.garblePoke[m.App]
			h.mu.Unlock()
			switch {
			case silent:
			case garbled:
				h.push(map[string]any{"id": m.ID, "response": "poke"})
			case rejected:
				h.push(map[string]any{"id": m.ID, "response": "poke", "err": reason})
			default:
				h.push(map[string]any{"id": m.ID, "response": "poke", "ok": "ok"})
			}
		case wire.ActionSubscribe:
			h.mu.Lock()
			reason, rejected := h.rejectSub[m.App]
			h.mu.Unlock()
			if rejected {
				h.push(map[string]any{"id": m.ID, "response": "subscribe", "err": reason})
				continue
			}
			h.push(map[string]any{"id": m.ID, "response": "subscribe", "ok": "ok"})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *fakeHost) serveStream(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.streamPaths = append(h.streamPaths, r.URL.Path)
	h.lastEventIDs = append(h.lastEventIDs, r.Header.Get("Last-Event-ID"))
	status := h.streamStatus
	h.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-h.stop:
			return
		case <-r.Context().Done():
			return
		case frame := <-h.events:
			_, _ = io.WriteString(w, frame)
			flusher.Flush()
		}
	}
}

// push emits v on the event stream under the next event id. Frames are
// queued in id order.
func (h *fakeHost) push(v any) {
	b, _ := json.Marshal(v)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextEvent++
	h.events <- fmt.Sprintf("id: %d\ndata: %s\n\n", h.nextEvent, b)
}

func (h *fakeHost) pushDiff(sub int64, payload string) {
	h.push(map[string]any{"id": sub, "response": "diff", "json": json.RawMessage(payload)})
}

func (h *fakeHost) pushQuit(sub int64) {
	h.push(map[string]any{"id": sub, "response": "quit"})
}

// sent returns every message written with the given action, in order.
func (h *fakeHost) sent(action wire.Action) []wire.Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []wire.Outbound
	for _, batch := range h.puts {
		for _, m := range batch {
			if m.Action == action {
				out = append(out, m)
			}
		}
	}
	return out
}

func (h *fakeHost) set(fn func(h *fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
