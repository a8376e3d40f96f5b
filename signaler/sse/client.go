package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/signaler"
	"github.com/sirupsen/logrus"
)

// Client publishes to and subscribes from a Relay. Credentials in the
// endpoint URL are sent as basic auth.
type Client struct {
	endpoint *url.URL
	client   *http.Client
	log      *logrus.Entry

	// publishL keeps POSTs in call order so a topic stays FIFO.
	publishL sync.Mutex
}

func NewClient(endpoint string) (c *Client, err error) {
	defer err2.Handle(&err)
	u := try.To1(url.Parse(endpoint))
	return &Client{
		endpoint: u,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: logger.New("relay"),
	}, nil
}

func (c *Client) newReq(method string, topic string, body io.Reader) (req *http.Request, err error) {
	if req, err = http.NewRequest(method, c.endpoint.String(), body); err != nil {
		return
	}
	q := req.URL.Query()
	q.Set("t", topic)
	req.URL.RawQuery = q.Encode()
	if u := c.endpoint.User; u != nil {
		pass, _ := u.Password()
		req.SetBasicAuth(u.Username(), pass)
	}
	return
}

func (c *Client) doReq(req *http.Request) (res *http.Response, err error) {
	res, err = c.client.Do(req)
	if err != nil {
		return
	}
	if strings.HasPrefix(res.Status, "2") {
		return
	}
	defer res.Body.Close()
	var errText []byte
	if errText, err = io.ReadAll(res.Body); err != nil {
		return
	}
	err = fmt.Errorf("relay err. status: %s. content: %s", res.Status, errText)
	return
}

func (c *Client) Publish(topic string, msg signaler.Msg) (err error) {
	defer err2.Handle(&err)
	body := try.To1(signaler.Encode(msg))

	c.publishL.Lock()
	defer c.publishL.Unlock()
	req := try.To1(c.newReq(http.MethodPost, topic, bytes.NewReader(body)))
	res := try.To1(c.doReq(req))
	res.Body.Close()
	return
}

// Outbox publishes to topic. Any relay failure is reported as
// signaler.ErrClosed wrapping the cause.
func (c *Client) Outbox(topic string) signaler.Outbox {
	return outbox{c: c, topic: topic}
}

type outbox struct {
	c     *Client
	topic string
}

func (o outbox) Send(msg signaler.Msg) error {
	if err := o.c.Publish(o.topic, msg); err != nil {
		return fmt.Errorf("%w: %v", signaler.ErrClosed, err)
	}
	return nil
}

// Subscription forwards events of one topic into a bus until closed.
type Subscription struct {
	stream *eventsource.Stream
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    *logrus.Entry
}

func (c *Client) Subscribe(topic string, bus *signaler.Bus) (sub *Subscription, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.newReq(http.MethodGet, topic, http.NoBody))
	stream := try.To1(eventsource.SubscribeWithRequest("", req))
	sub = &Subscription{
		stream: stream,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    c.log.WithField("topic", topic),
	}
	go sub.forward(bus)
	return sub, nil
}

func (s *Subscription) forward(bus *signaler.Bus) {
	defer close(s.done)
	events, errs := s.stream.Events, s.stream.Errors
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := signaler.Decode([]byte(ev.Data()))
			if err != nil {
				s.log.Warnf("drop event %s: %v", ev.Id(), err)
				continue
			}
			if err := bus.Push(msg); err != nil {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Debugf("stream: %v", err)
		}
	}
}

func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.quit)
		s.stream.Close()
	})
	<-s.done
	return nil
}
