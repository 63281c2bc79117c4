package popup

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// ServeWS upgrades to a websocket and streams events as JSON: first the logged
// events after ?since=<seq>, then everything live until the client leaves.
func (p *Popup) ServeWS(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logrus.WithError(err).Warn("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream ended")

	// subscribe before the replay so nothing falls between the two
	ch, cancel := p.Subscribe()
	defer cancel()
	ctx := c.CloseRead(r.Context())

	last := since
	for _, ev := range p.Events(since) {
		if err := write(ctx, c, ev); err != nil {
			return
		}
		last = ev.Seq
	}

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			if ev.Seq != 0 && ev.Seq <= last {
				continue
			}
			if err := write(ctx, c, ev); err != nil {
				logrus.WithError(err).Debug("websocket subscriber gone")
				return
			}
			if ev.Seq != 0 {
				last = ev.Seq
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}
