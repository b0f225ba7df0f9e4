package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/signaling"
)

// setup acquires media, opens the channel and creates the link, in that
// order. A resource that arrives after the attempt was ended is released by
// the step that obtained it.
func (c *Controller) setup(ctx context.Context, a *attempt) error {
	sctx, cancel := context.WithCancel(a.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	h, err := c.media.Acquire(sctx, a.video)
	if err != nil {
		return c.abort(a, fmt.Errorf("acquire media: %w", err))
	}
	if !c.register(a, func() { a.handle = h }) {
		_ = c.media.Release(h)
		return errSetupCancelled
	}

	ch, err := c.dial(sctx)
	if err != nil {
		return c.abort(a, fmt.Errorf("open signaling: %w", err))
	}
	if !c.register(a, func() { a.ch = ch }) {
		_ = ch.Close()
		return errSetupCancelled
	}

	link, err := c.links(c.handlersFor(a))
	if err != nil {
		return c.abort(a, fmt.Errorf("create link: %w", err))
	}
	if !c.register(a, func() { a.link = link }) {
		_ = link.Close()
		return errSetupCancelled
	}

	if err := link.AttachLocalMedia(h); err != nil {
		return c.abort(a, fmt.Errorf("attach media: %w", err))
	}
	return nil
}

// register stores a freshly obtained resource on a unless a already ended.
func (c *Controller) register(a *attempt, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.finished {
		return false
	}
	set()
	return true
}

// abort fails a setup step: resources are released in reverse order and
// the session resets to Idle carrying err.
func (c *Controller) abort(a *attempt, err error) error {
	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		return errSetupCancelled
	}
	a.finished = true
	a.cancel()
	c.stopTimersLocked(a)
	h, ch, link := a.handle, a.ch, a.link
	callID := a.callID
	c.mu.Unlock()

	log.Warnf("CALL [%s]: setup failed: %v", callID, err)

	var errs error
	if link != nil {
		errs = multierr.Append(errs, link.Close())
	}
	if ch != nil {
		errs = multierr.Append(errs, ch.Close())
	}
	if h != nil {
		errs = multierr.Append(errs, c.media.Release(h))
	}
	if errs != nil {
		log.Warnf("CALL [%s]: cleanup: %v", callID, errs)
	}

	c.mu.Lock()
	if c.active == a {
		c.active = nil
		c.sess = idleWith(err)
		c.publishLocked()
	}
	c.mu.Unlock()
	return err
}

// finish ends an established attempt: Ended, then teardown, then Idle.
// cause is nil for a normal hang-up.
func (c *Controller) finish(a *attempt, cause error) {
	c.mu.Lock()
	c.finishLocked(a, cause)
}

// finishIn ends a only while the session is still in status want. The check
// and the transition to Ended happen under one lock.
func (c *Controller) finishIn(a *attempt, want Status, cause error) {
	c.mu.Lock()
	if c.active != a || c.sess.Status != want {
		c.mu.Unlock()
		return
	}
	c.finishLocked(a, cause)
}

// finishLocked is called with c.mu held and releases it.
func (c *Controller) finishLocked(a *attempt, cause error) {
	if a.finished {
		c.mu.Unlock()
		return
	}
	a.finished = true
	a.cancel()
	c.stopTimersLocked(a)

	var duration uint32
	if !a.connectedAt.IsZero() {
		duration = uint32(c.clock.Since(a.connectedAt) / time.Second)
	}
	h, ch, link := a.handle, a.ch, a.link
	var callID string
	if c.active == a {
		callID = c.sess.CallID
		c.sess.Status = StatusEnded
		c.sess.Error = cause
		c.sess.DurationSeconds = duration
		c.publishLocked()
	}
	var hdr signaling.Header
	if callID != "" {
		hdr = signaling.Header{CallID: callID, UserID: c.cfg.UserID}
	}
	c.mu.Unlock()

	if cause != nil {
		log.Infof("CALL [%s]: ended after %ds: %v", a.callID, duration, cause)
	} else {
		log.Infof("CALL [%s]: ended after %ds", a.callID, duration)
	}

	if callID != "" {
		if c.records != nil {
			rctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
			if err := c.records.EndCall(rctx, callID, c.clock.Now(), duration); err != nil {
				log.Warnf("CALL [%s]: record update failed: %v", callID, err)
			}
			cancel()
		}
		if ch != nil {
			if err := ch.Send(signaling.LeaveRoom{Header: hdr}); err != nil {
				log.Debugf("CALL [%s]: leave-room not sent: %v", callID, err)
			}
		}
	}

	var errs error
	if h != nil {
		errs = multierr.Append(errs, c.media.Release(h))
	}
	if link != nil {
		errs = multierr.Append(errs, link.Close())
	}
	if ch != nil {
		errs = multierr.Append(errs, ch.Close())
	}
	if errs != nil {
		log.Warnf("CALL [%s]: teardown: %v", a.callID, errs)
	}

	c.mu.Lock()
	if c.active == a {
		c.active = nil
		c.sess = idleWith(cause)
		c.publishLocked()
	}
	c.mu.Unlock()
}

func (c *Controller) stopTimersLocked(a *attempt) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.ticker != nil {
		a.ticker.Stop()
		a.ticker = nil
	}
}

// armTimerLocked (re)starts the timer bounding the current phase.
func (c *Controller) armTimerLocked(a *attempt) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.timer = c.clock.AfterFunc(c.ringTimeout, func() { c.phaseExpired(a, gen) })
}

func (c *Controller) phaseExpired(a *attempt, gen int) {
	c.mu.Lock()
	if a.finished || c.active != a || a.timerGen != gen {
		c.mu.Unlock()
		return
	}
	status := c.sess.Status
	c.mu.Unlock()

	switch status {
	case StatusCalling:
		c.finishIn(a, StatusCalling, ErrNoAnswer)
	case StatusConnecting:
		c.finishIn(a, StatusConnecting, fmt.Errorf("%w: negotiation timed out", peer.ErrConnectionLost))
	}
}

func (c *Controller) header(a *attempt, withTarget bool) signaling.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := signaling.Header{CallID: a.callID, UserID: c.cfg.UserID}
	if withTarget {
		h.TargetUserID = a.remoteID
	}
	return h
}

func (c *Controller) channelOf(a *attempt) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return a.ch
}

func (c *Controller) linkOf(a *attempt) Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return a.link
}

// live reports whether a is still the negotiating call.
func (c *Controller) live(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !a.finished && c.active == a
}

func (c *Controller) send(a *attempt, m signaling.Message) {
	ch := c.channelOf(a)
	if ch == nil {
		return
	}
	if err := ch.Send(m); err != nil && c.live(a) {
		log.Warnf("CALL [%s]: send %s: %v", a.callID, m.Kind(), err)
	}
}

func (c *Controller) beginRecord(a *attempt) {
	if c.records == nil {
		return
	}
	c.mu.Lock()
	r := Record{
		CallID:    a.callID,
		CallType:  signaling.CallTypeFor(a.video),
		StartedAt: c.clock.Now(),
	}
	c.mu.Unlock()
	if a.role == roleCaller {
		r.CallerID, r.CalleeID = c.cfg.UserID, a.remoteID
	} else {
		r.CallerID, r.CalleeID = a.remoteID, c.cfg.UserID
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
	defer cancel()
	if err := c.records.BeginCall(ctx, r); err != nil {
		log.Warnf("CALL [%s]: record insert failed: %v", r.CallID, err)
	}
}

func (c *Controller) handlersFor(a *attempt) peer.Handlers {
	return peer.Handlers{
		OnLocalCandidate: func(ci webrtc.ICECandidateInit) {
			c.send(a, signaling.IceCandidate{Header: c.header(a, false), Candidate: ci})
		},
		OnStateChange: func(st peer.State) {
			c.onLinkState(a, st)
		},
		OnRemoteTrack: func(t peer.RemoteTrack) {
			log.Infof("CALL [%s]: receiving %s from %s", a.callID, t.Kind, a.remoteID)
		},
	}
}

func (c *Controller) onLinkState(a *attempt, st peer.State) {
	switch st {
	case peer.StateConnected:
		c.mu.Lock()
		if a.finished || c.active != a || c.sess.Status != StatusConnecting {
			c.mu.Unlock()
			return
		}
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.connectedAt = c.clock.Now()
		a.ticker = c.clock.Ticker(time.Second)
		c.sess.Status = StatusConnected
		c.sess.DurationSeconds = 0
		c.publishLocked()
		go c.runDuration(a, a.ticker)
		c.mu.Unlock()
		log.Infof("CALL [%s]: connected to %s", a.callID, a.remoteID)

	case peer.StateDisconnected, peer.StateFailed:
		c.mu.Lock()
		active := !a.finished && c.active == a &&
			(c.sess.Status == StatusConnecting || c.sess.Status == StatusConnected)
		c.mu.Unlock()
		if active {
			c.finish(a, fmt.Errorf("%w: link %s", peer.ErrConnectionLost, st))
		}
	}
}

// runDuration recomputes DurationSeconds from the connect instant on every
// tick so missed ticks never skew the count.
func (c *Controller) runDuration(a *attempt, t *clock.Ticker) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			if !a.finished && c.active == a && c.sess.Status == StatusConnected {
				c.sess.DurationSeconds = uint32(c.clock.Since(a.connectedAt) / time.Second)
				c.publishLocked()
			}
			c.mu.Unlock()
		}
	}
}

// pump feeds channel messages to the state machine one at a time, in
// receipt order.
func (c *Controller) pump(a *attempt) {
	ch := c.channelOf(a)
	if ch == nil {
		return
	}
	for {
		select {
		case <-a.ctx.Done():
			return
		case m, ok := <-ch.Messages():
			if !ok {
				if err := ch.Err(); err != nil && c.live(a) {
					log.Warnf("CALL [%s]: signaling lost: %v", a.callID, err)
					if !errors.Is(err, signaling.ErrDisconnected) {
						err = fmt.Errorf("%w: %v", signaling.ErrDisconnected, err)
					}
					c.finish(a, err)
				}
				return
			}
			c.handleMessage(a, m)
		}
	}
}

func (c *Controller) handleMessage(a *attempt, m signaling.Message) {
	meta := m.Meta()
	callID := a.callID

	switch m.(type) {
	case signaling.CallInvitation, signaling.CallResponse, signaling.Error:
	default:
		if meta.CallID != callID {
			log.Debugf("CALL [%s]: ignoring %s for call %s", callID, m.Kind(), meta.CallID)
			return
		}
	}

	switch msg := m.(type) {
	case signaling.CallInvitation:
		c.rejectBusy(a, msg)
	case signaling.CallResponse:
		c.onResponse(a, msg)
	case signaling.Offer:
		c.onOffer(a, msg)
	case signaling.Answer:
		c.onAnswer(a, msg)
	case signaling.IceCandidate:
		c.onCandidate(a, msg)
	case signaling.UserJoined:
		c.onUserJoined(a, msg)
	case signaling.UserLeft:
		if msg.UserID == a.remoteID {
			log.Infof("CALL [%s]: %s left", callID, msg.UserID)
			c.finish(a, nil)
		}
	case signaling.Error:
		c.onRemoteError(a, msg)
	case signaling.JoinRoom, signaling.LeaveRoom:
		log.Debugf("CALL [%s]: ignoring relay-bound %s", callID, m.Kind())
	}
}

func (c *Controller) rejectBusy(a *attempt, inv signaling.CallInvitation) {
	log.Infof("CALL [%s]: busy, declining invitation from %s", a.callID, inv.UserID)
	c.send(a, signaling.CallResponse{
		Header: signaling.Header{
			CallID:       inv.CallID,
			UserID:       c.cfg.UserID,
			TargetUserID: inv.UserID,
		},
		InvitationID: inv.InvitationID,
		Accepted:     false,
	})
}

func (c *Controller) onResponse(a *attempt, msg signaling.CallResponse) {
	c.mu.Lock()
	if a.finished || c.active != a || a.role != roleCaller ||
		c.sess.Status != StatusCalling || msg.InvitationID != a.invitationID || msg.CallID != a.callID {
		c.mu.Unlock()
		log.Debugf("CALL [%s]: stray call-response for %s", a.callID, msg.InvitationID)
		return
	}
	if !msg.Accepted {
		c.mu.Unlock()
		log.Infof("CALL [%s]: %s declined", a.callID, a.remoteID)
		c.finish(a, ErrDeclined)
		return
	}
	c.sess.Status = StatusConnecting
	c.sess.CallID = a.callID
	c.armTimerLocked(a)
	c.publishLocked()
	c.mu.Unlock()

	log.Infof("CALL [%s]: %s accepted", a.callID, a.remoteID)
	if err := c.channelOf(a).Send(signaling.JoinRoom{Header: c.header(a, false)}); err != nil {
		c.finish(a, fmt.Errorf("join room: %w", err))
		return
	}
	c.beginRecord(a)
}

// onUserJoined makes the party that joined first the offerer: the relay
// only notifies members already in the room, so exactly one side sees the
// other join.
func (c *Controller) onUserJoined(a *attempt, msg signaling.UserJoined) {
	if msg.UserID != a.remoteID {
		return
	}
	c.mu.Lock()
	if a.finished || c.active != a || c.sess.Status != StatusConnecting || a.offered {
		c.mu.Unlock()
		return
	}
	a.offered = true
	link := a.link
	c.mu.Unlock()

	offer, err := link.CreateOffer(a.ctx)
	if err != nil {
		c.negotiationError(a, "offer", err)
		return
	}
	c.send(a, signaling.Offer{Header: c.header(a, false), SDP: offer})
}

func (c *Controller) onOffer(a *attempt, msg signaling.Offer) {
	link := c.linkOf(a)
	if link == nil || !c.live(a) {
		return
	}
	answer, err := link.ApplyRemoteOffer(a.ctx, msg.SDP)
	if err != nil {
		c.negotiationError(a, "remote offer", err)
		return
	}
	c.send(a, signaling.Answer{Header: c.header(a, false), SDP: answer})
}

func (c *Controller) onAnswer(a *attempt, msg signaling.Answer) {
	link := c.linkOf(a)
	if link == nil || !c.live(a) {
		return
	}
	if err := link.ApplyRemoteAnswer(a.ctx, msg.SDP); err != nil {
		c.negotiationError(a, "remote answer", err)
	}
}

// negotiationError ends the call on a failed negotiation. Descriptions that
// arrive out of order or twice are rejected by the link and dropped here.
func (c *Controller) negotiationError(a *attempt, what string, err error) {
	switch {
	case errors.Is(err, peer.ErrRemoteDescriptionSet),
		errors.Is(err, peer.ErrLocalDescriptionSet),
		errors.Is(err, peer.ErrNoLocalOffer):
		log.Warnf("CALL [%s]: ignoring stray %s: %v", a.callID, what, err)
		return
	case errors.Is(err, peer.ErrClosed):
		return
	}
	if c.live(a) {
		c.finish(a, err)
	}
}

func (c *Controller) onCandidate(a *attempt, msg signaling.IceCandidate) {
	link := c.linkOf(a)
	if link == nil {
		return
	}
	if err := link.AddRemoteCandidate(msg.Candidate); err != nil && !errors.Is(err, peer.ErrClosed) {
		log.Warnf("CALL [%s]: remote candidate: %v", a.callID, err)
	}
}

func (c *Controller) onRemoteError(a *attempt, msg signaling.Error) {
	rerr := &RemoteError{Code: msg.Code, Message: msg.Message, Fatal: msg.Fatal}

	c.mu.Lock()
	if a.finished || c.active != a {
		c.mu.Unlock()
		return
	}
	c.sess.Error = rerr
	c.publishLocked()
	c.mu.Unlock()

	log.Warnf("CALL [%s]: %v (fatal=%v)", a.callID, rerr, msg.Fatal)
	if msg.Fatal {
		c.finish(a, rerr)
	}
}
