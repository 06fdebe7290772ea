package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/actorlock"
	"github.com/BTreeMap/TalkBridge/internal/coach"
	"github.com/BTreeMap/TalkBridge/internal/flow"
	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/BTreeMap/TalkBridge/internal/reframe"
	"github.com/BTreeMap/TalkBridge/internal/session"
	"github.com/BTreeMap/TalkBridge/internal/statemachine"
	"github.com/BTreeMap/TalkBridge/internal/store"
	"github.com/google/uuid"
)

// Actor state payload keys.
const (
	payloadMessageID = "message_id"
	payloadChoices   = "choices"
)

// Processor runs inbound messages through classification and coaching.
type Processor interface {
	Process(ctx context.Context, in models.PipelineInput) (models.PipelineResult, error)
	HardStop(ctx context.Context, sessionID, reasoning string)
}

// Sealer encrypts content before it leaves memory.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Summarizer condenses a closed session and returns a closing note.
type Summarizer interface {
	Summarize(ctx context.Context, sess models.Session) (string, error)
}

// MessageWriter stores conversation messages.
type MessageWriter interface {
	AddMessage(ctx context.Context, m models.Message) error
}

// InboundObserver counts routing results.
type InboundObserver interface {
	ObserveInbound(result string)
}

// RouterDeps groups the collaborators of a Router. Summarizer, Notify and Observer are optional.
type RouterDeps struct {
	Service    Service
	Sessions   *session.Manager
	Pipeline   Processor
	Tracker    *reframe.Tracker
	Editor     *reframe.Editor
	States     *flow.ActorStates
	Lock       *actorlock.Lock
	Dedup      store.DedupRepo
	Outbox     store.OutboxRepo
	Messages   MessageWriter
	Sealer     Sealer
	Summarizer Summarizer
	// Notify wakes the outbox sender after an enqueue.
	Notify   func()
	Observer InboundObserver
}

// Router turns inbound participant messages into session operations and pipeline calls.
// Messages from one participant are handled one at a time, in arrival order.
type Router struct {
	RouterDeps
	inflight sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(d RouterDeps) *Router {
	if d.Lock == nil {
		d.Lock = actorlock.New()
	}
	return &Router{RouterDeps: d}
}

// Start consumes the service's response channel until ctx is cancelled or the channel closes.
func (r *Router) Start(ctx context.Context) {
	slog.Info("Router starting response processing")
	go func() {
		defer slog.Info("Router stopped response processing")
		for {
			select {
			case resp, ok := <-r.Service.Responses():
				if !ok {
					return
				}
				if err := r.HandleResponse(ctx, resp); err != nil {
					slog.Error("Router failed to admit response", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Drain waits for admitted messages and background work to finish.
func (r *Router) Drain() {
	r.inflight.Wait()
}

// HandleResponse deduplicates resp and queues it behind earlier messages from the same sender.
func (r *Router) HandleResponse(ctx context.Context, resp models.Response) error {
	from, err := r.Service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		r.observe("invalid")
		return err
	}
	if resp.MessageID != "" && r.Dedup != nil {
		fresh, err := r.Dedup.RecordInbound(ctx, resp.MessageID, from)
		if err != nil {
			slog.Error("Router dedup record failed, processing anyway", "message_id", resp.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Router dropping duplicate inbound message", "message_id", resp.MessageID, "from", from)
			r.observe("duplicate")
			return nil
		}
	}

	r.inflight.Add(1)
	r.Lock.Go(from, func() {
		defer r.inflight.Done()
		r.handle(ctx, from, resp)
		if resp.MessageID != "" && r.Dedup != nil {
			if err := r.Dedup.MarkProcessed(ctx, resp.MessageID); err != nil {
				slog.Warn("Router mark processed failed", "message_id", resp.MessageID, "error", err)
			}
		}
	})
	return nil
}

func (r *Router) handle(ctx context.Context, from string, resp models.Response) {
	text := strings.TrimSpace(resp.Body)
	if text == "" {
		r.observe("empty")
		return
	}
	if strings.HasPrefix(text, "/") {
		r.observe("command")
		r.handleCommand(ctx, from, text)
		return
	}

	sess, err := r.Sessions.OpenSessionFor(ctx, from)
	if errors.Is(err, session.ErrNoOpenSession) {
		r.observe("no_session")
		r.send(ctx, from, noSessionText)
		return
	}
	if err != nil {
		slog.Error("Router open session lookup failed", "from", from, "error", err)
		r.send(ctx, from, errorText)
		return
	}
	role, _ := sess.RoleOf(from)

	if st, ok := r.States.Get(from); ok {
		if st.SessionID != sess.ID {
			r.States.Clear(from)
		} else {
			switch st.SubState {
			case models.SubStateAwaitingChoice:
				r.observe("choice")
				r.handleChoice(ctx, from, sess, st, text)
				return
			case models.SubStateEditingReframe:
				r.observe("edit")
				r.handleEdit(ctx, from, sess, role, st, text)
				return
			}
		}
	}

	r.observe(strings.ToLower(string(sess.Status)))
	switch sess.Status {
	case models.StatusInviteCrafting:
		r.handleInvitation(ctx, from, sess, text)
	case models.StatusPendingPartnerConsent:
		if role != models.RoleUserB {
			r.send(ctx, from, waitingForPartnerText)
			return
		}
		r.handleConsent(ctx, from, sess, text)
	case models.StatusReflectionGate:
		if role != models.RoleUserB {
			r.send(ctx, from, waitingForPartnerText)
			return
		}
		r.handleReflection(ctx, from, sess, text)
	case models.StatusPaused:
		r.send(ctx, from, pausedText)
	default:
		r.process(ctx, from, sess, role, text, resp.MessageID)
	}
}

func (r *Router) process(ctx context.Context, from string, sess *models.Session, role models.Role, text, externalID string) {
	result, err := r.Pipeline.Process(ctx, models.PipelineInput{
		Session:           models.SessionContext{Session: *sess, SenderRole: role, SenderID: from},
		RawText:           text,
		Kind:              models.MessageKindText,
		ExternalMessageID: externalID,
	})
	if err != nil {
		slog.Error("Router pipeline rejected message", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
		return
	}

	if result.Halted {
		r.send(ctx, from, result.CoachingResponse)
		r.notifyPartner(ctx, sess, role, coach.PartnerHaltNotice)
		return
	}

	r.send(ctx, from, result.CoachingResponse)
	if !result.RequiresApproval {
		return
	}
	// The partner may have closed or hard-stopped the session while the pipeline ran, and that
	// cleanup has already happened.
	if live, err := r.Sessions.Get(ctx, sess.ID); err != nil || live.Status != models.StatusActive {
		slog.Warn("Router process: session left ACTIVE during processing, dropping draft", "session_id", sess.ID, "message_id", result.MessageID, "error", err)
		r.send(ctx, from, staleDraftText)
		return
	}
	draft := models.PendingReframe{
		MessageID:  result.MessageID,
		SessionID:  sess.ID,
		SenderRole: role,
		SenderID:   from,
		Original:   text,
		Reframed:   result.ReframedMessage,
		CreatedAt:  time.Now().UTC(),
	}
	r.Tracker.Register(draft)
	r.States.Set(from, models.SubStateAwaitingChoice, sess.ID, map[string]string{payloadMessageID: draft.MessageID})
	r.send(ctx, from, renderDraft("Here's a way to share that with your partner:", draft, reframe.ChoicesFor(draft)))
}

func (r *Router) handleChoice(ctx context.Context, from string, sess *models.Session, st models.ActorState, text string) {
	draft, ok := r.Tracker.Get(st.Payload[payloadMessageID])
	if !ok {
		r.States.Clear(from)
		r.send(ctx, from, draftExpiredText)
		return
	}
	offered := reframe.ChoicesFor(draft)
	if restricted := splitChoices(st.Payload[payloadChoices]); len(restricted) > 0 {
		offered = restricted
	}
	choice, ok := parseChoice(text, offered)
	if !ok {
		r.send(ctx, from, renderChoices(offered))
		return
	}

	switch choice {
	case reframe.ChoiceSend:
		r.approve(ctx, from, draft)
	case reframe.ChoiceEdit:
		r.States.Set(from, models.SubStateEditingReframe, sess.ID, map[string]string{payloadMessageID: draft.MessageID})
		r.send(ctx, from, editPromptText)
	case reframe.ChoiceCancel:
		r.Tracker.Remove(draft.MessageID)
		r.States.Clear(from)
		r.send(ctx, from, draftCancelledText)
	}
}

// approve queues the draft for the partner. The session is re-read so a draft that outlived
// its session is never delivered.
func (r *Router) approve(ctx context.Context, from string, draft models.PendingReframe) {
	r.Tracker.Remove(draft.MessageID)
	r.States.Clear(from)

	sess, err := r.Sessions.Get(ctx, draft.SessionID)
	if err != nil || sess.Status != models.StatusActive {
		slog.Warn("Router approve: session no longer active, discarding draft", "session_id", draft.SessionID, "error", err)
		r.send(ctx, from, staleDraftText)
		return
	}
	partner := sess.ParticipantFor(draft.SenderRole.Other())
	if partner == "" {
		r.send(ctx, from, staleDraftText)
		return
	}

	sealed, err := r.Sealer.Seal(draft.Reframed)
	if err != nil {
		slog.Error("Router approve: seal failed", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
		return
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Sender:    draft.SenderRole,
		Recipient: draft.SenderRole.Other(),
		Kind:      models.MessageKindReframe,
		Content:   sealed,
		Approved:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Messages.AddMessage(ctx, msg); err != nil {
		slog.Error("Router approve: failed to store reframe", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
		return
	}
	payload, err := json.Marshal(reframePayload{
		SessionID: sess.ID,
		MessageID: msg.ID,
		Recipient: msg.Recipient,
		Content:   sealed,
	})
	if err != nil {
		r.send(ctx, from, errorText)
		return
	}
	if _, err := r.Outbox.EnqueueOutbox(ctx, store.OutboxMessage{
		Recipient: partner,
		Kind:      store.OutboxKindReframe,
		Payload:   string(payload),
		DedupeKey: "reframe:" + draft.MessageID,
	}); err != nil {
		slog.Error("Router approve: enqueue failed", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
		return
	}
	if r.Notify != nil {
		r.Notify()
	}
	slog.Info("Router reframe approved", "session_id", sess.ID, "draft_id", draft.MessageID, "edits", draft.EditIterations)
	r.send(ctx, from, draftSentText)
}

func (r *Router) handleEdit(ctx context.Context, from string, sess *models.Session, role models.Role, st models.ActorState, text string) {
	out, err := r.Editor.ApplyEdit(ctx, st.Payload[payloadMessageID], text)
	if errors.Is(err, models.ErrDraftNotFound) {
		r.States.Clear(from)
		r.send(ctx, from, draftExpiredText)
		return
	}
	if err != nil {
		r.send(ctx, from, editPromptText)
		return
	}

	if out.HardStop {
		r.Pipeline.HardStop(ctx, sess.ID, out.Risk.Reasoning)
		r.send(ctx, from, coach.EmergencyMessage())
		r.notifyPartner(ctx, sess, role, coach.PartnerHaltNotice)
		return
	}

	r.States.Set(from, models.SubStateAwaitingChoice, sess.ID, map[string]string{
		payloadMessageID: out.Draft.MessageID,
		payloadChoices:   joinChoices(out.Choices),
	})
	intro := "Here's your updated version:"
	if out.Toxic {
		intro = editToxicText
		if !reframe.CanEdit(out.Draft) {
			intro = editCapText + " " + intro
		}
	}
	r.send(ctx, from, renderDraft(intro, out.Draft, out.Choices))
}

func (r *Router) handleInvitation(ctx context.Context, from string, sess *models.Session, text string) {
	out, err := r.Sessions.SubmitInvitation(ctx, sess.ID, from, text)
	switch {
	case errors.Is(err, session.ErrNotParticipant):
		r.send(ctx, from, waitingForPartnerText)
	case err != nil:
		slog.Error("Router invitation failed", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
	case out.Critical:
		r.send(ctx, from, coach.EmergencyMessage())
	case !out.Accepted:
		r.send(ctx, from, inviteRejectedText)
	default:
		r.send(ctx, from, inviteReadyText(text, out.Token))
	}
}

func (r *Router) handleConsent(ctx context.Context, from string, sess *models.Session, text string) {
	consent, ok := parseConsent(text)
	if !ok {
		r.send(ctx, from, consentUnclearText)
		return
	}
	if _, err := r.Sessions.RecordConsent(ctx, sess.ID, from, consent); err != nil {
		slog.Error("Router consent failed", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
		return
	}
	if consent {
		r.States.Set(from, models.SubStateReflectionGate, sess.ID, nil)
		r.send(ctx, from, reflectionPromptText)
		r.send(ctx, sess.UserAID, partnerConsentedText)
		return
	}
	r.send(ctx, from, declinedAckText)
	r.send(ctx, sess.UserAID, partnerDeclinedText)
}

func (r *Router) handleReflection(ctx context.Context, from string, sess *models.Session, text string) {
	out, err := r.Sessions.SubmitReflection(ctx, sess.ID, from, text)
	switch {
	case err != nil:
		slog.Error("Router reflection failed", "session_id", sess.ID, "error", err)
		r.send(ctx, from, errorText)
	case out.Critical:
		r.send(ctx, from, coach.EmergencyMessage())
	case !out.Passed:
		r.send(ctx, from, reflectionRetryText)
	default:
		r.States.Clear(from)
		r.send(ctx, from, reflectionPassedText)
		r.send(ctx, sess.UserAID, sessionActiveText)
	}
}

func (r *Router) handleCommand(ctx context.Context, from, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch cmd {
	case "/start":
		if _, err := r.Sessions.StartSolo(ctx, from); err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, welcomeSoloText)
	case "/invite":
		if _, err := r.Sessions.StartInvite(ctx, from); err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, inviteStartText)
	case "/join":
		sess, err := r.Sessions.AcceptInvite(ctx, arg, from)
		if err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, consentPromptText)
		r.send(ctx, sess.UserAID, partnerJoinedText)
	case "/pause", "/resume", "/close", "/status":
		sess, err := r.Sessions.OpenSessionFor(ctx, from)
		if err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		role, _ := sess.RoleOf(from)
		r.sessionCommand(ctx, cmd, from, sess, role)
	default:
		r.send(ctx, from, helpText)
	}
}

func (r *Router) sessionCommand(ctx context.Context, cmd, from string, sess *models.Session, role models.Role) {
	switch cmd {
	case "/status":
		r.send(ctx, from, statusText(*sess, role))
	case "/pause":
		if err := r.Sessions.Pause(ctx, sess.ID, from); err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, pausedText)
		r.notifyPartner(ctx, sess, role, pausedNoticeText)
	case "/resume":
		if err := r.Sessions.Resume(ctx, sess.ID, from); err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, resumedNoticeText)
		r.notifyPartner(ctx, sess, role, resumedNoticeText)
	case "/close":
		if err := r.Sessions.Close(ctx, sess.ID, from); err != nil {
			r.replyErr(ctx, from, err)
			return
		}
		r.send(ctx, from, closedText)
		r.notifyPartner(ctx, sess, role, closedNoticeText)
		r.summarize(ctx, *sess)
	}
}

// summarize builds the close summary in the background and sends its closing note.
func (r *Router) summarize(ctx context.Context, sess models.Session) {
	if r.Summarizer == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		note, err := r.Summarizer.Summarize(bg, sess)
		if err != nil {
			slog.Error("Router summarize failed", "session_id", sess.ID, "error", err)
			return
		}
		if note == "" {
			return
		}
		for _, id := range []string{sess.UserAID, sess.UserBID} {
			if id != "" {
				r.send(bg, id, note)
			}
		}
	}()
}

func (r *Router) replyErr(ctx context.Context, to string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionOpen):
		r.send(ctx, to, sessionOpenText)
	case errors.Is(err, session.ErrNoOpenSession):
		r.send(ctx, to, noSessionText)
	case errors.Is(err, models.ErrInviteNotFound):
		r.send(ctx, to, inviteNotFoundText)
	case errors.Is(err, session.ErrSelfInvite):
		r.send(ctx, to, selfInviteText)
	case statemachine.IsInvalidTransition(err), errors.Is(err, session.ErrNotParticipant):
		r.send(ctx, to, notAllowedText)
	default:
		slog.Error("Router command failed", "to", to, "error", err)
		r.send(ctx, to, errorText)
	}
}

func (r *Router) notifyPartner(ctx context.Context, sess *models.Session, role models.Role, text string) {
	if partner := sess.ParticipantFor(role.Other()); partner != "" {
		r.send(ctx, partner, text)
	}
}

func (r *Router) send(ctx context.Context, to, text string) {
	if err := r.Service.SendMessage(ctx, to, text); err != nil {
		slog.Error("Router send failed", "to", to, "error", err)
	}
}

func (r *Router) observe(result string) {
	if r.Observer != nil {
		r.Observer.ObserveInbound(result)
	}
}
