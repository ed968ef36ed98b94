// Package room implements the transport.Transport interface for room-based
// conversations.
//
// The server itself does not terminate WebRTC media; the browser frontend
// joins the LiveKit room and relays audio to the server over a websocket.
// This package mints the LiveKit access token the frontend needs, maintains
// the relay connection, and speaks a small control protocol:
//
//	client → server JSON:  {"type":"join","room":...,"identity":...}
//	server → client JSON:  {"type":"joined"} / {"type":"played"} / {"type":"error","detail":...}
//	both directions binary: canonical 16 kHz mono int16 PCM frames
//
// Playback frames are pushed as binary messages bracketed by "play" and
// "play_end" control messages; the relay acknowledges with "played" once the
// room has rendered everything, which gives Play its blocking-until-drained
// contract.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"

	"github.com/x85446/voicemode/pkg/audio"
	"github.com/x85446/voicemode/pkg/transport"
)

// ErrNotJoined is returned by Play and Record before Join has succeeded.
var ErrNotJoined = errors.New("room: not joined")

const defaultTokenTTL = 6 * time.Hour

// Config holds the LiveKit credentials and relay endpoint.
type Config struct {
	// URL is the relay websocket endpoint (LIVEKIT_URL with the frontend's
	// relay path).
	URL string

	// APIKey and APISecret sign room access tokens.
	APIKey    string
	APISecret string

	// Room is the room name to join.
	Room string

	// Identity is the participant identity; a random one is minted when
	// empty.
	Identity string

	// TokenTTL bounds token validity. Defaults to 6 h.
	TokenTTL time.Duration
}

// Validate reports all configuration problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("room: URL must not be empty"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("room: APIKey must not be empty"))
	}
	if c.APISecret == "" {
		errs = append(errs, errors.New("room: APISecret must not be empty"))
	}
	if c.Room == "" {
		errs = append(errs, errors.New("room: Room must not be empty"))
	}
	return errors.Join(errs...)
}

// AccessToken mints a LiveKit join token for the configured room.
func (c Config) AccessToken() (string, error) {
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	identity := c.Identity
	if identity == "" {
		identity = "voicemode-" + uuid.NewString()[:8]
	}
	at := auth.NewAccessToken(c.APIKey, c.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     c.Room,
	}
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("room: sign access token: %w", err)
	}
	return token, nil
}

// controlMessage is the JSON side of the relay protocol.
type controlMessage struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`
	Token    string `json:"token,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Transport is a room-backed transport. Zero value is not usable; construct
// with New and call Join before converse traffic flows.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	joined bool

	// reader fan-out, owned by the readLoop goroutine
	binary  chan []byte
	control chan controlMessage
	readErr error
	done    chan struct{}
}

// New creates a room transport. Join must be called before use.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger}, nil
}

func (t *Transport) Name() transport.Kind { return transport.KindRoom }

// Join dials the relay, authenticates with a freshly minted token, and waits
// for the joined acknowledgement.
func (t *Transport) Join(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joined {
		return nil
	}

	token, err := t.cfg.AccessToken()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("room: dial relay: %w", err)
	}
	// Audio frames are small but frequent; drop the default read limit.
	conn.SetReadLimit(1 << 20)

	join := controlMessage{
		Type:     "join",
		Room:     t.cfg.Room,
		Identity: t.cfg.Identity,
		Token:    token,
	}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("room: send join: %w", err)
	}

	t.conn = conn
	t.binary = make(chan []byte, 32)
	t.control = make(chan controlMessage, 4)
	t.done = make(chan struct{})
	go t.readLoop()

	select {
	case <-ctx.Done():
		t.teardownLocked()
		return ctx.Err()
	case msg, ok := <-t.control:
		if !ok {
			err := t.readErr
			t.teardownLocked()
			return fmt.Errorf("room: relay closed during join: %w", err)
		}
		switch msg.Type {
		case "joined":
			t.joined = true
			t.logger.Info("room: joined", "room", t.cfg.Room)
			return nil
		case "error":
			t.teardownLocked()
			return fmt.Errorf("room: join rejected: %s", msg.Detail)
		default:
			t.teardownLocked()
			return fmt.Errorf("room: unexpected message %q during join", msg.Type)
		}
	}
}

// readLoop is the sole reader on the websocket. It dispatches binary audio
// and JSON control messages to their channels and closes both on failure.
func (t *Transport) readLoop() {
	defer close(t.binary)
	defer close(t.control)
	for {
		typ, data, err := t.conn.Read(context.Background())
		if err != nil {
			t.readErr = err
			return
		}
		switch typ {
		case websocket.MessageBinary:
			select {
			case t.binary <- data:
			case <-t.done:
				return
			default:
				// Relay is ahead of the consumer; dropping a frame beats
				// stalling the socket.
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.logger.Warn("room: bad control message", "err", err)
				continue
			}
			select {
			case t.control <- msg:
			case <-t.done:
				return
			}
		}
	}
}

// Play pushes frames to the relay and blocks until the room acknowledges
// rendering them.
func (t *Transport) Play(ctx context.Context, frames <-chan audio.Frame) error {
	conn, err := t.liveConn()
	if err != nil {
		return err
	}

	if err := wsjson.Write(ctx, conn, controlMessage{Type: "play"}); err != nil {
		return fmt.Errorf("room: start play: %w", err)
	}

	conv := &audio.Converter{Rate: audio.CanonicalRate, Channels: audio.CanonicalChannels}
	for f := range frames {
		f = conv.Convert(f)
		if len(f.Data) == 0 {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageBinary, f.Data); err != nil {
			return fmt.Errorf("room: send frame: %w", err)
		}
	}
	if err := wsjson.Write(ctx, conn, controlMessage{Type: "play_end"}); err != nil {
		return fmt.Errorf("room: end play: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.control:
			if !ok {
				return fmt.Errorf("room: relay closed while playing: %w", t.readErr)
			}
			switch msg.Type {
			case "played":
				return nil
			case "error":
				return fmt.Errorf("room: relay playback: %s", msg.Detail)
			}
		}
	}
}

// Record asks the relay to forward captured room audio until Stop.
func (t *Transport) Record(ctx context.Context) (transport.Capture, error) {
	conn, err := t.liveConn()
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, controlMessage{Type: "record_start"}); err != nil {
		return nil, fmt.Errorf("room: start record: %w", err)
	}

	c := &capture{
		frames: make(chan audio.Frame, 8),
		stop:   make(chan struct{}),
	}
	go func() {
		defer close(c.frames)
		var elapsed time.Duration
		for {
			select {
			case <-ctx.Done():
				c.setErr(ctx.Err())
				t.sendRecordStop()
				return
			case <-c.stop:
				t.sendRecordStop()
				return
			case data, ok := <-t.binary:
				if !ok {
					c.setErr(fmt.Errorf("room: relay closed while recording: %w", t.readErr))
					return
				}
				f := audio.Frame{
					Data:      data,
					Rate:      audio.CanonicalRate,
					Channels:  audio.CanonicalChannels,
					Timestamp: elapsed,
				}
				elapsed += f.Duration()
				select {
				case c.frames <- f:
				case <-ctx.Done():
					c.setErr(ctx.Err())
					t.sendRecordStop()
					return
				case <-c.stop:
					t.sendRecordStop()
					return
				}
			}
		}
	}()
	return c, nil
}

func (t *Transport) sendRecordStop() {
	conn, err := t.liveConn()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, controlMessage{Type: "record_stop"}); err != nil {
		t.logger.Warn("room: sending record_stop", "err", err)
	}
}

// Live reports whether the relay session is joined.
func (t *Transport) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

func (t *Transport) liveConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined || t.conn == nil {
		return nil, ErrNotJoined
	}
	return t.conn, nil
}

// Close leaves the room and tears down the relay connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	return nil
}

func (t *Transport) teardownLocked() {
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "leaving")
		t.conn = nil
	}
	t.joined = false
}

type capture struct {
	frames   chan audio.Frame
	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *capture) Frames() <-chan audio.Frame { return c.frames }

func (c *capture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

var _ transport.Transport = (*Transport)(nil)
