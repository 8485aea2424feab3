// Package webrtc builds the direct peer channel: offer/answer exchange over
// the signaling relay, remote candidate queuing and data channel setup.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/transport"
	"github.com/sirupsen/logrus"
)

const defaultGatherTimeout = 5 * time.Second

var (
	ErrNotStarted   = errors.New("webrtc: peer connection not started")
	ErrNotConnected = errors.New("webrtc: data channel not open")
	ErrClosed       = errors.New("webrtc: establisher closed")
)

type Options struct {
	Signaler transport.Signaler
	// To and From address signaling messages; Secret travels in pass with
	// the offer.
	To     string
	From   string
	Secret string

	STUNServers   []string
	GatherTimeout time.Duration
	// API overrides the pion API, e.g. to tune the setting engine in tests.
	API    *webrtc.API
	Logger *logrus.Logger

	OnStateChange func(State)
	OnMessage     func([]byte)
}

var _ transport.Conn = (*Establisher)(nil)

// Establisher drives one peer connection through
// new -> local description set -> awaiting remote -> connected -> disconnected.
type Establisher struct {
	opts   Options
	config webrtc.Configuration
	log    *logrus.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	state  State
	queue  CandidateQueue
	local  bool
	remote bool
	closed bool
}

func NewEstablisher(opts Options) *Establisher {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}
	return &Establisher{
		opts:   opts,
		config: DefaultSTUNConfig(opts.STUNServers...),
		log:    opts.Logger,
		state:  StateNew,
	}
}

func (e *Establisher) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// QueuedCandidates is the number of remote candidates waiting for the
// remote description.
func (e *Establisher) QueuedCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *Establisher) newPeerConnection() (*webrtc.PeerConnection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if e.opts.API != nil {
		pc, err = e.opts.API.NewPeerConnection(e.config)
	} else {
		pc, err = webrtc.NewPeerConnection(e.config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(e.onLocalCandidate)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.WithField("state", s.String()).Debug("ICE connection state changed")
		if s == webrtc.ICEConnectionStateDisconnected || s == webrtc.ICEConnectionStateFailed {
			e.setState(StateDisconnected)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.WithField("state", s.String()).Debug("Peer connection state changed")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			e.setState(StateDisconnected)
		}
	})
	return pc, nil
}

func (e *Establisher) setupDataChannel(dc *webrtc.DataChannel) {
	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() {
		e.log.WithField("label", dc.Label()).Info("Data channel open")
		e.setState(StateConnected)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if e.opts.OnMessage != nil {
			e.opts.OnMessage(msg.Data)
		}
	})
	dc.OnError(func(err error) {
		e.log.WithError(err).Warn("Data channel error")
		e.setState(StateDisconnected)
	})
	dc.OnClose(func() {
		e.log.WithField("label", dc.Label()).Info("Data channel closed")
		e.setState(StateDisconnected)
	})
}

// Start creates the offer and waits for candidate gathering so the stored
// description already carries the local candidates.
func (e *Establisher) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pc != nil {
		e.mu.Unlock()
		return nil
	}
	pc, err := e.newPeerConnection()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.pc = pc
	e.mu.Unlock()

	dc, err := pc.CreateDataChannel(dataChannelLabel, DefaultDataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	e.setupDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.setLocal(ctx, pc, offer); err != nil {
		return err
	}

	e.mu.Lock()
	e.local = true
	e.mu.Unlock()
	e.setState(StateLocalDescriptionSet)
	return nil
}

func (e *Establisher) setLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(e.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		e.log.WithField("timeout", e.opts.GatherTimeout).Warn("ICE gathering timed out, using partial description")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SendDescription forwards the local offer to the peer with the shared
// secret.
func (e *Establisher) SendDescription() error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil || pc.LocalDescription() == nil {
		return ErrNotStarted
	}

	local := pc.LocalDescription()
	payload, err := protocol.DescriptionPayload(protocol.SessionDescription{
		Type: local.Type.String(),
		SDP:  local.SDP,
	}, false)
	if err != nil {
		return err
	}
	return e.opts.Signaler.Send(protocol.SignalMessage{
		Event: protocol.EventExchange,
		To:    e.opts.To,
		From:  e.opts.From,
		Pass:  e.opts.Secret,
		Data:  payload,
	})
}

// HandleRemoteDescription applies the peer's answer and flushes queued
// candidates in arrival order.
func (e *Establisher) HandleRemoteDescription(desc protocol.SessionDescription) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}

	if err := e.applyRemote(pc, desc); err != nil {
		return err
	}
	e.setState(StateAwaitingRemote)
	return nil
}

func (e *Establisher) applyRemote(pc *webrtc.PeerConnection, desc protocol.SessionDescription) error {
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	e.mu.Lock()
	e.remote = true
	queued := e.queue.Drain()
	e.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			e.log.WithError(err).WithField("candidate", c.Candidate).Warn("Failed to apply queued candidate")
		}
	}
	if len(queued) > 0 {
		e.log.WithField("count", len(queued)).Debug("Flushed queued candidates")
	}
	return nil
}

// Accept answers an offer from the peer. The data channel is the one the
// offering side opened.
func (e *Establisher) Accept(ctx context.Context, offer protocol.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	pc := e.pc
	if pc == nil {
		var err error
		if pc, err = e.newPeerConnection(); err != nil {
			e.mu.Unlock()
			return err
		}
		pc.OnDataChannel(e.setupDataChannel)
		e.pc = pc
	}
	e.mu.Unlock()

	if err := e.applyRemote(pc, offer); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.setLocal(ctx, pc, answer); err != nil {
		return err
	}
	e.mu.Lock()
	e.local = true
	e.mu.Unlock()
	e.setState(StateAwaitingRemote)

	local := pc.LocalDescription()
	payload, err := protocol.DescriptionPayload(protocol.SessionDescription{
		Type: local.Type.String(),
		SDP:  local.SDP,
	}, true)
	if err != nil {
		return err
	}
	return e.opts.Signaler.Send(protocol.SignalMessage{
		Event: protocol.EventExchange,
		To:    e.opts.To,
		From:  e.opts.From,
		Data:  payload,
	})
}

// HandleRemoteCandidate applies a candidate from the peer, or queues it
// while the remote description is unset. Failures are logged only.
func (e *Establisher) HandleRemoteCandidate(c protocol.ICECandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.remote || e.pc == nil {
		e.queue.Push(init)
		e.mu.Unlock()
		return
	}
	pc := e.pc
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		e.log.WithError(err).WithField("candidate", c.Candidate).Warn("Failed to apply remote candidate")
	}
}

// onLocalCandidate forwards a trickled candidate once both descriptions are
// set. Earlier ones are already part of the gathered description.
func (e *Establisher) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	e.mu.Lock()
	ready := e.local && e.remote && !e.closed
	e.mu.Unlock()
	if !ready {
		return
	}

	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		e.log.WithError(err).Warn("Failed to encode local candidate")
		return
	}
	if err := e.opts.Signaler.Send(protocol.SignalMessage{
		Event: protocol.EventNode,
		To:    e.opts.To,
		From:  e.opts.From,
		Data:  data,
	}); err != nil {
		e.log.WithError(err).Debug("Failed to send local candidate")
	}
}

// setState moves forward only; Disconnected is final.
func (e *Establisher) setState(s State) {
	e.mu.Lock()
	if e.closed || e.state == StateDisconnected || e.state == s || (s != StateDisconnected && s < e.state) {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	e.log.WithField("state", s.String()).Info("Connection state changed")
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(s)
	}
}

// Send writes a text frame on the data channel.
func (e *Establisher) Send(data []byte) error {
	e.mu.Lock()
	dc := e.dc
	open := e.state == StateConnected && !e.closed
	e.mu.Unlock()

	if dc == nil || !open {
		return ErrNotConnected
	}
	return dc.SendText(string(data))
}

// Close releases the peer connection. No state change is reported after it.
func (e *Establisher) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc, dc := e.pc, e.dc
	e.queue.Drain()
	e.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}
