// Package sse relays signaling messages over HTTP. Messages are POSTed to a
// topic and fanned out to Server-Sent-Events subscribers of that topic in
// arrival order.
package sse

import (
	"io"
	"net/http"

	"github.com/donovanhide/eventsource"
	"github.com/google/uuid"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/signaler"
	"github.com/sirupsen/logrus"
)

type Relay struct {
	srv *eventsource.Server
	log *logrus.Entry

	User, Password string
}

var _ http.Handler = (*Relay)(nil)

func NewRelay() *Relay {
	return &Relay{
		srv: eventsource.NewServer(),
		log: logger.New("relay"),
	}
}

type event struct {
	id   string
	data string
}

func (ev event) Id() string    { return ev.id }
func (ev event) Event() string { return "signal" }
func (ev event) Data() string  { return ev.data }

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.User != "" {
		user, pass, ok := req.BasicAuth()
		if !ok || user != r.User || pass != r.Password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	topic := req.URL.Query().Get("t")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	switch req.Method {
	case http.MethodGet:
		r.srv.Handler(topic)(w, req)
	case http.MethodPost:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := signaler.Decode(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ev := event{id: uuid.NewString(), data: string(body)}
		r.log.Debugf("publish %s to %s", ev.id, topic)
		r.srv.Publish([]string{topic}, ev)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Relay) Close() {
	r.srv.Close()
}
