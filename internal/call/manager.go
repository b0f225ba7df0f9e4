// Package call runs the call session state machine. A Controller owns at
// most one call at a time: it acquires capture, opens a signaling channel,
// negotiates a peer link and releases all of them again on every exit path.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/signaling"
)

var log = logging.Logger("call")

var (
	errClosed         = errors.New("call: controller closed")
	errSetupCancelled = fmt.Errorf("call: setup cancelled: %w", context.Canceled)

	// ErrUnknownInvitation is returned when declining an invitation that is
	// not the one currently ringing.
	ErrUnknownInvitation = errors.New("call: unknown invitation")
)

const (
	defaultRingTimeout    = 45 * time.Second
	defaultDeclineTimeout = 10 * time.Second
)

// Config wires a Controller to its collaborators.
type Config struct {
	UserID      string
	DisplayName string

	// RingTimeout bounds Calling and Ringing, and separately the Connecting
	// phase that follows.
	RingTimeout   time.Duration
	RecordTimeout time.Duration

	// DeclineTimeout bounds the short-lived channel a decline is sent on.
	DeclineTimeout time.Duration

	Media   Media
	Dial    DialFunc
	NewLink LinkFactory
	Records RecordStore // optional
	Clock   clock.Clock // optional
}

type role int

const (
	roleCaller role = iota
	roleCallee
)

func (r role) String() string {
	if r == roleCaller {
		return "caller"
	}
	return "callee"
}

// attempt is everything owned by one call. Fields below the mutex comment
// are guarded by Controller.mu.
type attempt struct {
	role         role
	callID       string
	invitationID string
	remoteID     string
	video        bool

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Controller.mu
	handle      *media.Handle
	ch          Channel
	link        Link
	finished    bool
	offered     bool
	connectedAt time.Time
	timer       *clock.Timer
	timerGen    int
	ticker      *clock.Ticker
}

// Controller is the call session state machine.
type Controller struct {
	cfg     Config
	media   Media
	dial    DialFunc
	links   LinkFactory
	records RecordStore
	clock   clock.Clock

	mu          sync.Mutex
	sess        Session
	active      *attempt
	ringing     *IncomingCall
	ringTimer   *clock.Timer
	ringTimeout time.Duration
	closed      bool

	subs    map[chan Session]struct{}
	incSubs map[chan IncomingCall]struct{}
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.UserID == "" {
		return nil, errors.New("call: user id is required")
	}
	if cfg.Media == nil || cfg.Dial == nil || cfg.NewLink == nil {
		return nil, errors.New("call: media, dial and link factory are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if cfg.DeclineTimeout <= 0 {
		cfg.DeclineTimeout = defaultDeclineTimeout
	}
	return &Controller{
		cfg:         cfg,
		media:       cfg.Media,
		dial:        cfg.Dial,
		links:       cfg.NewLink,
		records:     cfg.Records,
		clock:       cfg.Clock,
		sess:        idleWith(nil),
		ringTimeout: cfg.RingTimeout,
		subs:        make(map[chan Session]struct{}),
		incSubs:     make(map[chan IncomingCall]struct{}),
	}, nil
}

// Session returns a snapshot of the current call state.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// SetRingTimeout applies to calls started after the change.
func (c *Controller) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.ringTimeout = d
	c.mu.Unlock()
}

// Subscribe streams session snapshots, starting with the current one.
// Slow subscribers miss intermediate snapshots rather than block the
// controller.
func (c *Controller) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 16)
	c.mu.Lock()
	ch <- c.sess
	if c.closed {
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

// SubscribeIncoming streams invitations passed to NotifyIncoming while idle.
func (c *Controller) SubscribeIncoming() (<-chan IncomingCall, func()) {
	ch := make(chan IncomingCall, 4)
	c.mu.Lock()
	if c.closed {
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	c.incSubs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.incSubs[ch]; ok {
			delete(c.incSubs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) publishLocked() {
	for ch := range c.subs {
		select {
		case ch <- c.sess:
		default:
			log.Debugf("CALL: subscriber full, dropping %s snapshot", c.sess.Status)
		}
	}
}

func (c *Controller) newAttempt(r role, callID, invitationID, remoteID string, video bool) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		role:         r,
		callID:       callID,
		invitationID: invitationID,
		remoteID:     remoteID,
		video:        video,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// StartCall places an outgoing call: Idle → Calling. It returns once the
// invitation is sent; the rest of the call is driven by signaling.
func (c *Controller) StartCall(ctx context.Context, recipientID string, isVideo bool) error {
	if recipientID == "" {
		return errors.New("call: recipient is required")
	}
	if recipientID == c.cfg.UserID {
		return errors.New("call: cannot call yourself")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.active != nil || c.ringing != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	a := c.newAttempt(roleCaller, uuid.NewString(), uuid.NewString(), recipientID, isVideo)
	c.active = a
	c.sess = Session{
		Status:         StatusCalling,
		IsVideo:        isVideo,
		IsVideoEnabled: isVideo,
		RemoteUserID:   recipientID,
	}
	c.publishLocked()
	c.mu.Unlock()

	log.Infof("CALL [%s]: calling %s (video=%v)", a.callID, recipientID, isVideo)

	if err := c.setup(ctx, a); err != nil {
		return err
	}

	inv := signaling.CallInvitation{
		Header:       c.header(a, true),
		InvitationID: a.invitationID,
		CallType:     signaling.CallTypeFor(isVideo),
		CallerName:   c.cfg.DisplayName,
	}
	if err := c.channelOf(a).Send(inv); err != nil {
		return c.abort(a, fmt.Errorf("send invitation: %w", err))
	}

	c.mu.Lock()
	if !a.finished {
		c.armTimerLocked(a)
	}
	c.mu.Unlock()

	go c.pump(a)
	return nil
}

// AnswerCall accepts an invitation: Idle or Ringing → Connecting.
func (c *Controller) AnswerCall(ctx context.Context, callID, invitationID, callerID string, isVideo bool) error {
	if callID == "" || invitationID == "" || callerID == "" {
		return errors.New("call: call id, invitation id and caller are required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.active != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	if r := c.ringing; r != nil && (r.CallID != callID || r.InvitationID != invitationID) {
		c.declineBusy(*r)
	}
	c.clearRingingLocked()
	a := c.newAttempt(roleCallee, callID, invitationID, callerID, isVideo)
	c.active = a
	c.sess = Session{
		CallID:         callID,
		Status:         StatusConnecting,
		IsVideo:        isVideo,
		IsVideoEnabled: isVideo,
		RemoteUserID:   callerID,
	}
	c.publishLocked()
	c.mu.Unlock()

	log.Infof("CALL [%s]: answering %s (video=%v)", callID, callerID, isVideo)

	if err := c.setup(ctx, a); err != nil {
		return err
	}

	ch := c.channelOf(a)
	resp := signaling.CallResponse{
		Header:       c.header(a, true),
		InvitationID: invitationID,
		Accepted:     true,
	}
	if err := ch.Send(resp); err != nil {
		return c.abort(a, fmt.Errorf("send response: %w", err))
	}
	if err := ch.Send(signaling.JoinRoom{Header: c.header(a, false)}); err != nil {
		return c.abort(a, fmt.Errorf("join room: %w", err))
	}

	c.mu.Lock()
	if !a.finished {
		c.armTimerLocked(a)
	}
	c.mu.Unlock()

	c.beginRecord(a)
	go c.pump(a)
	return nil
}

// DeclineCall rejects the ringing invitation over a short-lived channel.
// No media is acquired.
func (c *Controller) DeclineCall(ctx context.Context, callID, invitationID string) error {
	c.mu.Lock()
	inc := c.ringing
	if inc == nil || inc.CallID != callID || inc.InvitationID != invitationID {
		c.mu.Unlock()
		return ErrUnknownInvitation
	}
	declined := *inc
	c.clearRingingLocked()
	if c.active == nil {
		c.sess = idleWith(nil)
		c.publishLocked()
	}
	c.mu.Unlock()

	log.Infof("CALL [%s]: declining invitation from %s", callID, declined.CallerID)
	return c.sendDecline(ctx, declined)
}

func (c *Controller) sendDecline(ctx context.Context, inc IncomingCall) error {
	ch, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.Send(signaling.CallResponse{
		Header: signaling.Header{
			CallID:       inc.CallID,
			UserID:       c.cfg.UserID,
			TargetUserID: inc.CallerID,
		},
		InvitationID: inc.InvitationID,
		Accepted:     false,
	})
}

// declineBusy rejects inc in the background.
func (c *Controller) declineBusy(inc IncomingCall) {
	log.Infof("CALL [%s]: busy, declining invitation from %s", inc.CallID, inc.CallerID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeclineTimeout)
		defer cancel()
		if err := c.sendDecline(ctx, inc); err != nil {
			log.Warnf("CALL [%s]: busy decline failed: %v", inc.CallID, err)
		}
	}()
}

// NotifyIncoming delivers an invitation received out of band: Idle →
// Ringing. While another call is active or ringing the invitation is
// declined as busy.
func (c *Controller) NotifyIncoming(inc IncomingCall) error {
	if inc.CallID == "" || inc.InvitationID == "" || inc.CallerID == "" {
		return errors.New("call: incomplete invitation")
	}
	if inc.ReceivedAt.IsZero() {
		inc.ReceivedAt = c.clock.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.active != nil || c.ringing != nil {
		c.mu.Unlock()
		c.declineBusy(inc)
		return ErrBusy
	}

	c.ringing = &inc
	c.sess = Session{
		Status:       StatusRinging,
		IsVideo:      inc.IsVideo,
		RemoteUserID: inc.CallerID,
	}
	invID := inc.InvitationID
	c.ringTimer = c.clock.AfterFunc(c.ringTimeout, func() { c.ringingExpired(invID) })
	c.publishLocked()
	for ch := range c.incSubs {
		select {
		case ch <- inc:
		default:
		}
	}
	c.mu.Unlock()

	log.Infof("CALL [%s]: incoming call from %s (video=%v)", inc.CallID, inc.CallerID, inc.IsVideo)
	return nil
}

func (c *Controller) ringingExpired(invitationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringing == nil || c.ringing.InvitationID != invitationID {
		return
	}
	log.Infof("CALL [%s]: missed call from %s", c.ringing.CallID, c.ringing.CallerID)
	c.ringing = nil
	c.ringTimer = nil
	if c.active == nil {
		c.sess = idleWith(nil)
		c.publishLocked()
	}
}

func (c *Controller) clearRingingLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.ringing = nil
}

// EndCall hangs up the active call and returns once every resource is
// released. A ringing invitation is declined. Calling it again, or while
// idle, does nothing.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	a := c.active
	inc := c.ringing
	c.mu.Unlock()

	if a != nil {
		c.finish(a, nil)
		return nil
	}
	if inc != nil {
		err := c.DeclineCall(ctx, inc.CallID, inc.InvitationID)
		if errors.Is(err, ErrUnknownInvitation) {
			return nil
		}
		return err
	}
	return nil
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	a, h, err := c.activeHandle()
	if err != nil {
		return false, err
	}
	enabled := c.media.ToggleAudio(h)

	c.mu.Lock()
	if c.active == a && !a.finished {
		c.sess.IsMuted = !enabled
		c.publishLocked()
	}
	c.mu.Unlock()
	log.Debugf("CALL: muted=%v", !enabled)
	return !enabled, nil
}

// ToggleVideo flips the camera and returns the new enabled state. On an
// audio-only call it reports false.
func (c *Controller) ToggleVideo() (bool, error) {
	a, h, err := c.activeHandle()
	if err != nil {
		return false, err
	}
	enabled := c.media.ToggleVideo(h)

	c.mu.Lock()
	if c.active == a && !a.finished {
		c.sess.IsVideoEnabled = enabled
		c.publishLocked()
	}
	c.mu.Unlock()
	log.Debugf("CALL: video enabled=%v", enabled)
	return enabled, nil
}

func (c *Controller) activeHandle() (*attempt, *media.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil || a.finished || a.handle == nil {
		return nil, nil, ErrNoActiveCall
	}
	return a, a.handle, nil
}

// Close ends any active call and stops all subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.active
	c.clearRingingLocked()
	c.mu.Unlock()

	if a != nil {
		c.finish(a, nil)
	}

	c.mu.Lock()
	if c.active == nil {
		c.sess = idleWith(nil)
	}
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	for ch := range c.incSubs {
		delete(c.incSubs, ch)
		close(ch)
	}
	c.mu.Unlock()
}
