package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/invite"
	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/state"
)

const callStatusPoll = 500 * time.Millisecond

// registerEventRoutes serves GET /api/events, one SSE stream carrying every
// change the UI renders: directory, invite, chat, notice and call.
func registerEventRoutes(r chi.Router, d Deps) {
	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		var (
			dirCh    chan state.DirectoryEvent
			inviteCh chan invite.Snapshot
			chatCh   chan *chat.Message
			noticeCh chan notice.Event
			pollC    <-chan time.Time
		)
		if d.Contacts != nil {
			dir := d.Contacts.Directory()
			dirCh = dir.Subscribe()
			defer dir.Unsubscribe(dirCh)
		}
		if d.Invite != nil {
			inviteCh = d.Invite.Subscribe()
			defer d.Invite.Unsubscribe(inviteCh)
		}
		if d.Chat != nil {
			chatCh = d.Chat.Subscribe()
			defer d.Chat.Unsubscribe(chatCh)
		}
		if d.Notices != nil {
			noticeCh = d.Notices.Subscribe()
			defer d.Notices.Unsubscribe(noticeCh)
		}
		var lastCall call.Status
		if d.Call != nil {
			t := time.NewTicker(callStatusPoll)
			defer t.Stop()
			pollC = t.C
			lastCall = d.Call.Status()
		}

		// Initial state so the client never has to race a GET against the stream.
		_ = writeSSE(w, "connected", map[string]string{"self_id": d.SelfID})
		if d.Contacts != nil {
			dir := d.Contacts.Directory()
			_ = writeSSE(w, "directory", state.DirectoryEvent{Type: "reset", Contacts: dir.Sorted(), Roster: dir.UsingRoster()})
		}
		if d.Invite != nil {
			_ = writeSSE(w, "invite", d.Invite.Snapshot())
		}
		if d.Notices != nil {
			for _, n := range d.Notices.Active() {
				_ = writeSSE(w, "notice", notice.Event{Type: "post", Notice: &n})
			}
		}
		if d.Call != nil {
			_ = writeSSE(w, "call", lastCall)
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			var err error
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-dirCh:
				if !ok {
					return
				}
				err = writeSSE(w, "directory", evt)
			case snap, ok := <-inviteCh:
				if !ok {
					return
				}
				err = writeSSE(w, "invite", snap)
			case msg, ok := <-chatCh:
				if !ok {
					return
				}
				err = writeSSE(w, "chat", msg)
			case evt, ok := <-noticeCh:
				if !ok {
					return
				}
				err = writeSSE(w, "notice", evt)
			case <-pollC:
				st := d.Call.Status()
				if st == lastCall {
					continue
				}
				lastCall = st
				err = writeSSE(w, "call", st)
			}
			if err != nil {
				return
			}
			flusher.Flush()
		}
	})
}
