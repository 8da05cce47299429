package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/hraban/opus"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	// Opus RTP always advertises a 48 kHz clock regardless of the coded
	// bandwidth.
	opusClockRate = 48000
)

// PeerConfig configures the WebRTC transport.
type PeerConfig struct {
	// URL is the realtime HTTPS endpoint the SDP offer is posted to,
	// without the model query.
	URL string
	// Model is appended as the ?model= query parameter.
	Model string
	// STUNServer is a stun: URL used for ICE gathering.
	STUNServer string
	// SampleRate is the PCM rate for both capture encode and remote decode.
	SampleRate int
}

// Peer speaks the realtime protocol over a WebRTC peer connection: opus
// media tracks both ways and an "oai-events" data channel for control
// frames. Negotiation is a single SDP offer/answer exchange over HTTPS.
type Peer struct {
	cfg  PeerConfig
	http *http.Client

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu     sync.Mutex
	closed bool
	events chan Event

	closeOnce sync.Once
}

func NewPeer(cfg PeerConfig) *Peer {
	return &Peer{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		events: make(chan Event, 256),
	}
}

func (p *Peer) Kind() Kind { return KindPeer }

func (p *Peer) Start(ctx context.Context, local LocalAudio, secret string) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{p.cfg.STUNServer}}},
	})
	if err != nil {
		return &NegotiationError{Err: fmt.Errorf("create peer connection: %w", err)}
	}
	p.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  1,
	}, "audio", "birdbrain-mic")
	if err != nil {
		pc.Close()
		return &NegotiationError{Err: fmt.Errorf("create local track: %w", err)}
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return &NegotiationError{Err: fmt.Errorf("add local track: %w", err)}
	}

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		pc.Close()
		return &NegotiationError{Err: fmt.Errorf("create data channel: %w", err)}
	}
	p.dc = dc
	dc.OnOpen(func() {
		p.emit(Event{Kind: EventControlOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		raw := make([]byte, len(msg.Data))
		copy(raw, msg.Data)
		p.emit(Event{Kind: EventControlMessage, Message: raw})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go p.remoteLoop(remote)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateChecking:
			p.emit(Event{Kind: EventEstablishing})
		case webrtc.ICEConnectionStateFailed:
			p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("ice connection failed")})
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			p.safeClose()
		}
	})

	answer, err := p.negotiate(ctx, secret)
	if err != nil {
		pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return &NegotiationError{Err: fmt.Errorf("apply answer: %w", err)}
	}

	if local != nil {
		go p.captureLoop(local, track)
	}
	return nil
}

// negotiate runs the offer/answer exchange: the local SDP (with ICE
// candidates already gathered) is posted to the realtime endpoint, which
// replies with the answer SDP in the response body.
func (p *Peer) negotiate(ctx context.Context, secret string) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("create offer: %w", err)}
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("set local description: %w", err)}
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", &NegotiationError{Err: fmt.Errorf("ice gathering: %w", ctx.Err())}
	}

	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("parse endpoint: %w", err)}
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	u.RawQuery = q.Encode()

	body := bytes.NewBufferString(p.pc.LocalDescription().SDP)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("build offer request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &NegotiationError{Err: fmt.Errorf("post offer: %w", err)}
	}
	defer resp.Body.Close()
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NegotiationError{Status: resp.StatusCode, Err: fmt.Errorf("read answer: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &NegotiationError{Status: resp.StatusCode, Err: fmt.Errorf("offer rejected: %s", snippet(answer))}
	}
	return string(answer), nil
}

func (p *Peer) Send(v any) error {
	if p.dc == nil {
		return fmt.Errorf("peer transport not started")
	}
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	if err := p.dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) Close() error {
	p.safeClose()
	return nil
}

// captureLoop encodes microphone PCM into 20ms opus samples and writes them
// to the outbound track. Capture frames are reassembled into exact opus
// frame boundaries before encoding.
func (p *Peer) captureLoop(local LocalAudio, track *webrtc.TrackLocalStaticSample) {
	rate := local.SampleRate()
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("create opus encoder: %w", err)})
		return
	}
	samplesPerFrame := rate / 50
	pending := make([]int16, 0, samplesPerFrame*2)
	packet := make([]byte, 1500)

	for frame := range local.Frames() {
		if p.isClosed() {
			return
		}
		for i := 0; i+1 < len(frame); i += 2 {
			pending = append(pending, int16(binary.LittleEndian.Uint16(frame[i:])))
		}
		for len(pending) >= samplesPerFrame {
			n, err := enc.Encode(pending[:samplesPerFrame], packet)
			if err != nil {
				p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("opus encode: %w", err)})
				return
			}
			pending = pending[samplesPerFrame:]
			sample := media.Sample{Data: append([]byte(nil), packet[:n]...), Duration: opusFrameDuration}
			if err := track.WriteSample(sample); err != nil {
				if !p.isClosed() {
					p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("write sample: %w", err)})
				}
				return
			}
		}
	}
}

// remoteLoop decodes the assistant's opus track back into PCM16LE at the
// configured sample rate.
func (p *Peer) remoteLoop(remote *webrtc.TrackRemote) {
	rate := p.cfg.SampleRate
	dec, err := opus.NewDecoder(rate, 1)
	if err != nil {
		p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("create opus decoder: %w", err)})
		return
	}
	// 120ms is the longest frame opus permits.
	pcm := make([]int16, rate*120/1000)

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !p.isClosed() {
				p.emit(Event{Kind: EventFailure, Err: fmt.Errorf("read remote track: %w", err)})
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			continue
		}
		raw := make([]byte, n*2)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(pcm[i]))
		}
		p.emit(Event{Kind: EventRemoteAudio, PCM: raw})
	}
}

func (p *Peer) emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) safeClose() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		select {
		case p.events <- Event{Kind: EventClosed}:
		default:
		}
		p.closed = true
		close(p.events)
		p.mu.Unlock()
		if p.pc != nil {
			p.pc.Close()
		}
	})
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
