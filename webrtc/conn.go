package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v3"

	"github.com/enesunal-m/rtrelay"
)

// Options configure a data-channel connection to the realtime API.
type Options struct {
	// Region selects the regional SDP endpoint. Ignored when URL is set.
	Region string
	// URL overrides the SDP endpoint.
	URL string

	Deployment string
	Ephemeral  string
	ICEServers []pion.ICEServer

	// OnAudioRTP is called every 200 packets of the remote audio track.
	OnAudioRTP func(pkts uint64)

	Logger     *rtrelay.Logger
	HTTPClient *http.Client
}

// Conn is a realtime API connection over a WebRTC data channel. It
// implements rtrelay.Transport, so rtrelay.NewClient runs over it unchanged.
type Conn struct {
	pc  *pion.PeerConnection
	dc  *pion.DataChannel
	log *rtrelay.Logger

	in     chan []byte
	opened chan struct{}
	closed chan struct{}
	once   sync.Once
}

var errConnClosed = errors.New("webrtc: connection closed")

// Dial negotiates a peer connection with the service and returns once the
// SDP answer is applied. Messages arriving before the data channel opens are
// queued.
func Dial(ctx context.Context, opt Options) (*Conn, error) {
	if (opt.Region == "" && opt.URL == "") || opt.Deployment == "" || opt.Ephemeral == "" {
		return nil, rtrelay.NewConfigError("Options", "", "region, deployment and ephemeral are required")
	}

	cfg := pion.Configuration{}
	if len(opt.ICEServers) > 0 {
		cfg.ICEServers = opt.ICEServers
	}
	pc, err := pion.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		pc:     pc,
		log:    opt.Logger,
		in:     make(chan []byte, 256),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}

	dc, err := pc.CreateDataChannel("realtime-channel", nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.dc = dc
	dc.OnOpen(func() {
		c.log.Info("datachannel_open", map[string]any{"label": dc.Label()})
		close(c.opened)
	})
	dc.OnClose(func() { go c.Close() })
	dc.OnMessage(func(m pion.DataChannelMessage) {
		select {
		case c.in <- m.Data:
		case <-c.closed:
		}
	})

	if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		var pkts uint64
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			pkts++
			if pkts%200 == 0 && opt.OnAudioRTP != nil {
				opt.OnAudioRTP(pkts)
			}
		}
	})
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		c.log.Debug("peer_state", map[string]any{"state": s.String()})
		if s == pion.PeerConnectionStateFailed || s == pion.PeerConnectionStateClosed {
			go c.Close()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}

	answer, err := exchangeSDP(ctx, opt, offer.SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return c, nil
}

func exchangeSDP(ctx context.Context, opt Options, offer string) (string, error) {
	endpoint := opt.URL
	if endpoint == "" {
		endpoint = RegionURL(opt.Region)
	}
	u := endpoint + "?model=" + url.QueryEscape(opt.Deployment)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBufferString(offer))
	if err != nil {
		return "", rtrelay.NewConnectionError(u, "sdp_exchange", err)
	}
	req.Header.Set("Authorization", "Bearer "+opt.Ephemeral)
	req.Header.Set("Content-Type", "application/sdp")

	client := opt.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", rtrelay.NewConnectionError(u, "sdp_exchange", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", rtrelay.NewConnectionError(u, "sdp_exchange", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", rtrelay.NewConnectionError(u, "sdp_exchange", fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}
	return string(b), nil
}

// Read returns the next data-channel message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends one text message, waiting for the channel to open first.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.opened:
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.dc.SendText(string(data))
}

// Close tears down the peer connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.pc.Close()
	})
	return err
}
