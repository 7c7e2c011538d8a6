package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/model"
	"github.com/signalsfoundry/dfsu-stream/timectrl"
)

const frameWriteTimeout = 5 * time.Second

// FrameMessage is sent for every frame of a stream.
type FrameMessage struct {
	Timestep      int  `json:"timestep"`
	TimeStepCount int  `json:"timeStepCount"`
	Paused        bool `json:"paused,omitempty"`
}

// ControlMessage is accepted from the client on a frame stream.
type ControlMessage struct {
	Action   string `json:"action"` // pause, resume or seek
	Timestep int    `json:"timestep,omitempty"`
}

type frameParams struct {
	source    string
	item      int
	interval  time.Duration
	maxFrames int
}

func (s *Server) frameParams(r *http.Request) (frameParams, error) {
	q := r.URL.Query()
	item, err := itemNumber(r)
	if err != nil {
		return frameParams{}, err
	}
	p := frameParams{source: q.Get("source"), item: item, interval: s.interval}
	if raw := q.Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return frameParams{}, fmt.Errorf("%w: interval %q", ErrBadRequest, raw)
		}
		p.interval = max(d, s.minPeriod)
	}
	if raw := q.Get("frames"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return frameParams{}, fmt.Errorf("%w: frames %q", ErrBadRequest, raw)
		}
		p.maxFrames = n
	}
	return p, nil
}

// handleFrames streams the current timestep of an item at a fixed interval.
// Errors found before the upgrade are reported as JSON.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	p, err := s.frameParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	desc, err := s.Info(r.Context(), p.source, p.item)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	log := logging.FromContext(r.Context(), s.log)
	log.Info(r.Context(), "frame stream opened",
		logging.Int("item", p.item),
		logging.Int("timesteps", desc.TimeStepCount),
		logging.Duration("interval", p.interval),
	)

	var writeMu sync.Mutex
	var driver *timectrl.FrameDriver
	driver = timectrl.NewFrameDriver(func(_ context.Context, v model.ViewState) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
		return conn.WriteJSON(FrameMessage{
			Timestep:      v.CurrentTimestep,
			TimeStepCount: desc.TimeStepCount,
			Paused:        driver.Paused(),
		})
	}, timectrl.Options{Interval: p.interval, Mode: timectrl.RealTime, MaxFrames: p.maxFrames})
	driver.SetTimestepCount(desc.TimeStepCount)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readControl(ctx, conn, driver, log)

	err = driver.Run(ctx)
	driver.Stop()

	code, reason := websocket.CloseNormalClosure, "done"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		code, reason = websocket.CloseGoingAway, "closed"
	default:
		code, reason = websocket.CloseInternalServerErr, "stream failed"
		log.Warn(r.Context(), "frame stream failed", logging.Err(err))
	}

	writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	writeMu.Unlock()
	log.Info(r.Context(), "frame stream closed", logging.Int("frames", driver.Frames()))
}

// readControl applies client messages until the connection closes, then
// stops the driver.
func (s *Server) readControl(ctx context.Context, conn *websocket.Conn, driver *timectrl.FrameDriver, log logging.Logger) {
	defer driver.Stop()
	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		var err error
		switch msg.Action {
		case "pause":
			driver.Pause()
		case "resume":
			driver.Resume()
		case "seek":
			err = driver.Seek(ctx, msg.Timestep)
		default:
			log.Debug(ctx, "ignoring frame control", logging.String("action", msg.Action))
		}
		if err != nil {
			return
		}
	}
}
