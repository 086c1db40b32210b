// Package service implements the consent lifecycle: capture on signup,
// confirmation of the address, opt-out at either scope, and the undo paths.
// Every mutation that arrives through an emailed link goes through
// PerformTokenAction, which verifies the purpose-salted token before
// dispatching.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mailconsent/internal/audit"
	"mailconsent/internal/consent/identity"
	"mailconsent/internal/consent/metrics"
	"mailconsent/internal/consent/models"
	"mailconsent/internal/consent/store"
	"mailconsent/internal/consent/token"
	"mailconsent/internal/email"
	"mailconsent/internal/platform/config"
	"mailconsent/internal/users"
	dErrors "mailconsent/pkg/domain-errors"
)

const defaultMaxUsernameAttempts = 5

// Action names one token-gated operation. The handler maps URL families to
// actions; the service maps actions to salts and store mutations.
type Action string

const (
	ActionConfirm            Action = "confirm"
	ActionUnsubscribe        Action = "unsubscribe"
	ActionUnsubscribeUndo    Action = "unsubscribe_undo"
	ActionUnsubscribeAll     Action = "unsubscribe_all"
	ActionUnsubscribeAllUndo Action = "unsubscribe_all_undo"
)

// ActionResult reports the outcome of a token action. For the opt-out actions
// UndoToken and UndoURL carry the credentials to reverse the operation, so
// the response page can offer a one-click undo.
type ActionResult struct {
	Action    Action
	Record    *models.Record
	UndoToken string
	UndoURL   string
}

type Option func(*Service)

// Service drives consent state through the store and sends the confirmation
// emails. It never reads the host's user table directly beyond the Store
// interface, and it never recomputes a record's email hash after capture.
type Service struct {
	store   store.Store
	users   users.Store
	codec   *token.Codec
	sender  email.Sender
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	salts       config.Salts
	baseURL     string
	fromAddress email.Address
	siteName    string

	usernameFn          func() string
	maxUsernameAttempts int
}

func NewService(st store.Store, userStore users.Store, codec *token.Codec, salts config.Salts, baseURL string, fromAddress email.Address, opts ...Option) *Service {
	svc := &Service{
		store:               st,
		users:               userStore,
		codec:               codec,
		salts:               salts,
		baseURL:             baseURL,
		fromAddress:         fromAddress,
		usernameFn:          users.RandomUsername,
		maxUsernameAttempts: defaultMaxUsernameAttempts,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.tracer == nil {
		svc.tracer = otel.Tracer("mailconsent/consent")
	}
	return svc
}

// WithSender sets the outbound email sender. Without one, confirmation
// emails are skipped and pending records wait for an out-of-band resend.
func WithSender(sender email.Sender) Option {
	return func(s *Service) { s.sender = sender }
}

// WithAuditor sets the proof-of-consent publisher.
func WithAuditor(auditor *audit.Publisher) Option {
	return func(s *Service) { s.auditor = auditor }
}

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger instance for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTracer overrides the default tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithSiteName sets the display name used in confirmation emails.
func WithSiteName(name string) Option {
	return func(s *Service) { s.siteName = name }
}

// WithUsernameGenerator overrides the generator for auto-created accounts.
func WithUsernameGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.usernameFn = fn
		}
	}
}

// Capture records consent for addr via the given source. The address is
// attached to an existing user when one owns it, otherwise an inactive
// account is created to hold it; signup therefore never fails with a
// duplicate-email error. The returned record is confirmed immediately when
// no confirmation is required or the address already belongs to an active
// account, and pending otherwise, in which case a confirmation email is
// triggered. A failed send is logged and does not fail the capture.
func (s *Service) Capture(ctx context.Context, sourceID int64, addr email.Address, requireConfirmation bool) (_ *models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.Capture",
		trace.WithAttributes(attribute.Int64("source_id", sourceID)))
	defer func() { endSpan(span, err) }()

	source, err := s.store.SourceByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "consent source not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read consent source")
	}

	user, existed, err := s.findOrCreateUser(ctx, addr)
	if err != nil {
		return nil, err
	}

	confirmed := !requireConfirmation || (existed && user.IsActive)
	record := &models.Record{
		SourceID:       source.ID,
		UserID:         &user.ID,
		EmailConfirmed: confirmed,
		EmailHash:      identity.HashEmail(addr),
	}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save consent record")
	}

	state := "confirmed"
	if !confirmed {
		state = "pending"
		s.requestConfirmation(ctx, record, source, user)
	}

	s.emitAudit(ctx, audit.Event{
		RecordID:  &record.ID,
		EmailHash: record.EmailHash,
		Action:    audit.ActionConsentCaptured,
	})
	s.incrementConsentsCaptured(state)
	s.log(ctx, slog.LevelInfo, "consent captured",
		"record_id", record.ID,
		"source_id", source.ID,
		"state", state,
	)
	return record, nil
}

// findOrCreateUser returns the user owning addr, creating an inactive
// placeholder account when none exists. The bool reports whether the user
// already existed.
func (s *Service) findOrCreateUser(ctx context.Context, addr email.Address) (*users.User, bool, error) {
	user, err := s.users.ByEmail(ctx, addr)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, users.ErrNotFound) {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up user")
	}

	for attempt := 0; attempt < s.maxUsernameAttempts; attempt++ {
		candidate := &users.User{
			Username:     s.usernameFn(),
			Email:        addr,
			IsActive:     false,
			PasswordHash: users.UnusablePassword,
		}
		err := s.users.Create(ctx, candidate)
		if err == nil {
			return candidate, false, nil
		}
		if !errors.Is(err, users.ErrConflict) {
			return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
		}
		// A conflict is either a lost race on the email or a username
		// collision. Re-check the email first; on a pure username collision
		// the next attempt draws a fresh name.
		if user, lookupErr := s.users.ByEmail(ctx, addr); lookupErr == nil {
			return user, true, nil
		}
	}
	return nil, false, dErrors.New(dErrors.CodeConflict, "could not allocate a username")
}

// requestConfirmation marks the record as awaiting confirmation and sends
// the email. The requested-at timestamp is persisted even when the send
// fails; the remedy for a failed send is resending, not reverting state.
func (s *Service) requestConfirmation(ctx context.Context, record *models.Record, source *models.Source, user *users.User) {
	now := time.Now()
	record.EmailConfirmationRequestedAt = &now
	if err := s.store.UpdateRecord(ctx, record); err != nil {
		s.log(ctx, slog.LevelError, "failed to mark confirmation requested",
			"record_id", record.ID, "error", err)
		return
	}

	if s.sender == nil {
		s.log(ctx, slog.LevelWarn, "no email sender configured, confirmation not sent",
			"record_id", record.ID)
		return
	}

	tokenStr, err := s.codec.Issue(record.EmailHash, record.ID, s.salts.Confirm)
	if err != nil {
		s.incrementConfirmationFailures()
		s.log(ctx, slog.LevelError, "failed to issue confirmation token",
			"record_id", record.ID, "error", err)
		return
	}

	subject, body, err := email.BuildConfirmation(email.ConfirmationData{
		RecipientName: user.Username,
		SourceName:    source.Name,
		Definition:    source.Definition,
		ConfirmURL:    fmt.Sprintf("%s/consent/confirm/%d/%s", s.baseURL, record.ID, tokenStr),
		SiteName:      s.siteName,
	})
	if err != nil {
		s.incrementConfirmationFailures()
		s.log(ctx, slog.LevelError, "failed to render confirmation email",
			"record_id", record.ID, "error", err)
		return
	}

	if err := s.sender.Send(ctx, s.fromAddress, user.Email, subject, body); err != nil {
		s.incrementConfirmationFailures()
		s.log(ctx, slog.LevelWarn, "confirmation email delivery failed",
			"record_id", record.ID, "error", err)
		return
	}
	s.incrementConfirmationSends()
}

// Confirm marks the record's address as verified. Confirming an already
// confirmed record is a no-op.
func (s *Service) Confirm(ctx context.Context, record *models.Record) (err error) {
	ctx, span := s.tracer.Start(ctx, "consent.Confirm",
		trace.WithAttributes(attribute.Int64("record_id", record.ID)))
	defer func() { endSpan(span, err) }()

	if record.EmailConfirmed {
		return nil
	}
	record.EmailConfirmed = true
	if err := s.store.UpdateRecord(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to confirm consent record")
	}
	s.emitAudit(ctx, audit.Event{
		RecordID:  &record.ID,
		EmailHash: record.EmailHash,
		Action:    audit.ActionConsentConfirmed,
	})
	s.incrementConsentsConfirmed()
	s.log(ctx, slog.LevelInfo, "consent confirmed", "record_id", record.ID)
	return nil
}

// OptOut withdraws the single consent the record represents. Repeated calls
// reuse the existing opt-out row.
func (s *Service) OptOut(ctx context.Context, record *models.Record) (err error) {
	ctx, span := s.tracer.Start(ctx, "consent.OptOut",
		trace.WithAttributes(attribute.Int64("record_id", record.ID)))
	defer func() { endSpan(span, err) }()

	optOut := &models.OptOut{
		UserID:    record.UserID,
		ConsentID: &record.ID,
		EmailHash: record.EmailHash,
	}
	optOut.Normalize()
	if err := optOut.Validate(); err != nil {
		return err
	}
	created, err := s.store.EnsureOptOut(ctx, optOut)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save opt-out")
	}
	if created {
		s.emitAudit(ctx, audit.Event{
			RecordID:  &record.ID,
			EmailHash: record.EmailHash,
			Action:    audit.ActionOptedOut,
		})
		s.incrementOptOuts("consent")
	}
	s.log(ctx, slog.LevelInfo, "opted out", "record_id", record.ID, "created", created)
	return nil
}

// OptOutEverything withdraws all consent for the identity owning userID.
func (s *Service) OptOutEverything(ctx context.Context, userID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "consent.OptOutEverything",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer func() { endSpan(span, err) }()

	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up user")
	}
	return s.optOutEverything(ctx, &user.ID, identity.HashEmail(user.Email), nil)
}

// optOutEverything ensures the everything-scoped row for one identity.
// recordID only feeds the audit trail.
func (s *Service) optOutEverything(ctx context.Context, userID *int64, emailHash uuid.UUID, recordID *int64) error {
	optOut := &models.OptOut{
		UserID:    userID,
		EmailHash: emailHash,
	}
	optOut.Normalize()
	if err := optOut.Validate(); err != nil {
		return err
	}
	created, err := s.store.EnsureOptOut(ctx, optOut)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save opt-out")
	}
	if created {
		s.emitAudit(ctx, audit.Event{
			RecordID:  recordID,
			EmailHash: emailHash,
			Action:    audit.ActionOptedOutEverything,
		})
		s.incrementOptOuts("everything")
	}
	s.log(ctx, slog.LevelInfo, "opted out of everything", "email_hash", emailHash, "created", created)
	return nil
}

// UndoOptOut removes the scoped opt-outs referencing the record.
func (s *Service) UndoOptOut(ctx context.Context, record *models.Record) (err error) {
	ctx, span := s.tracer.Start(ctx, "consent.UndoOptOut",
		trace.WithAttributes(attribute.Int64("record_id", record.ID)))
	defer func() { endSpan(span, err) }()

	deleted, err := s.store.DeleteOptOutsByConsent(ctx, record.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove opt-out")
	}
	if deleted > 0 {
		s.emitAudit(ctx, audit.Event{
			RecordID:  &record.ID,
			EmailHash: record.EmailHash,
			Action:    audit.ActionOptOutUndone,
		})
		s.incrementOptOutUndos("consent")
	}
	s.log(ctx, slog.LevelInfo, "opt-out undone", "record_id", record.ID, "deleted", deleted)
	return nil
}

// UndoOptOutEverything removes the everything-scoped opt-outs for the
// identity owning userID.
func (s *Service) UndoOptOutEverything(ctx context.Context, userID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "consent.UndoOptOutEverything",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer func() { endSpan(span, err) }()

	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up user")
	}
	return s.undoOptOutEverything(ctx, &user.ID, identity.HashEmail(user.Email), nil)
}

func (s *Service) undoOptOutEverything(ctx context.Context, userID *int64, emailHash uuid.UUID, recordID *int64) error {
	deleted, err := s.store.DeleteEverythingOptOuts(ctx, emailHash, userID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove opt-out")
	}
	if deleted > 0 {
		s.emitAudit(ctx, audit.Event{
			RecordID:  recordID,
			EmailHash: emailHash,
			Action:    audit.ActionOptOutEverythingUndone,
		})
		s.incrementOptOutUndos("everything")
	}
	s.log(ctx, slog.LevelInfo, "everything opt-out undone", "email_hash", emailHash, "deleted", deleted)
	return nil
}

// PerformTokenAction verifies the token against the record identity and the
// action's salt, then applies the action. Every failure mode that could leak
// whether a record exists collapses into the same not-found error: unknown
// record, forged token, token for a different purpose.
func (s *Service) PerformTokenAction(ctx context.Context, recordID int64, tokenStr string, action Action) (_ *ActionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.PerformTokenAction",
		trace.WithAttributes(
			attribute.Int64("record_id", recordID),
			attribute.String("action", string(action)),
		))
	defer func() { endSpan(span, err) }()

	salt, err := s.saltFor(action)
	if err != nil {
		return nil, err
	}

	record, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.incrementTokenRejections()
			return nil, errTokenRejected
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read consent record")
	}

	if !s.codec.Verify(tokenStr, record.EmailHash, record.ID, salt) {
		s.incrementTokenRejections()
		s.log(ctx, slog.LevelWarn, "token rejected",
			"record_id", recordID, "action", string(action))
		return nil, errTokenRejected
	}

	result := &ActionResult{Action: action, Record: record}
	switch action {
	case ActionConfirm:
		err = s.Confirm(ctx, record)
	case ActionUnsubscribe:
		if err = s.OptOut(ctx, record); err == nil {
			err = s.attachUndo(result, record, salt, "unsubscribe")
		}
	case ActionUnsubscribeUndo:
		err = s.UndoOptOut(ctx, record)
	case ActionUnsubscribeAll:
		if err = s.optOutEverything(ctx, record.UserID, record.EmailHash, &record.ID); err == nil {
			err = s.attachUndo(result, record, salt, "unsubscribe-all")
		}
	case ActionUnsubscribeAllUndo:
		err = s.undoOptOutEverything(ctx, record.UserID, record.EmailHash, &record.ID)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attachUndo issues the undo credentials under the same salt as the forward
// action, so the undo link in the response page works without a new email.
func (s *Service) attachUndo(result *ActionResult, record *models.Record, salt, pathSegment string) error {
	undoToken, err := s.codec.Issue(record.EmailHash, record.ID, salt)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue undo token")
	}
	result.UndoToken = undoToken
	result.UndoURL = fmt.Sprintf("%s/consent/%s/%d/%s/undo", s.baseURL, pathSegment, record.ID, undoToken)
	return nil
}

// IssueToken creates the emailed-link credential for a record under the
// given action's salt. Used by campaign senders to build unsubscribe links.
func (s *Service) IssueToken(record *models.Record, action Action) (string, error) {
	salt, err := s.saltFor(action)
	if err != nil {
		return "", err
	}
	return s.codec.Issue(record.EmailHash, record.ID, salt)
}

// ValidConsent returns the records of sourceID that currently justify
// sending email.
func (s *Service) ValidConsent(ctx context.Context, sourceID int64) (_ []*models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.ValidConsent",
		trace.WithAttributes(attribute.Int64("source_id", sourceID)))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	records, err := s.store.ValidConsent(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "consent source not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query valid consent")
	}
	s.observeValidConsentLatency(time.Since(start).Seconds())
	return records, nil
}

// CampaignRecipients returns the valid consent records across the campaign's
// sources, one per email hash.
func (s *Service) CampaignRecipients(ctx context.Context, campaignID int64) (_ []*models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.CampaignRecipients",
		trace.WithAttributes(attribute.Int64("campaign_id", campaignID)))
	defer func() { endSpan(span, err) }()

	records, err := s.store.CampaignRecipients(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "campaign not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query campaign recipients")
	}
	return records, nil
}

// Source returns the consent source by id.
func (s *Service) Source(ctx context.Context, sourceID int64) (*models.Source, error) {
	source, err := s.store.SourceByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "consent source not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read consent source")
	}
	return source, nil
}

// ResolveSource returns the source's name and definition in the requested
// language, falling back to the untranslated values.
func (s *Service) ResolveSource(ctx context.Context, sourceID int64, language string) (name, definition string, err error) {
	source, err := s.store.SourceByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", dErrors.New(dErrors.CodeNotFound, "consent source not found")
		}
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to read consent source")
	}
	translations, err := s.store.TranslationsBySource(ctx, sourceID)
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to read translations")
	}
	name, definition = source.Resolve(translations, language)
	return name, definition, nil
}

// errTokenRejected deliberately matches the plain not-found error so the
// transport layer cannot distinguish a forged token from a missing record.
var errTokenRejected = dErrors.New(dErrors.CodeNotFound, "not found")

func (s *Service) saltFor(action Action) (string, error) {
	switch action {
	case ActionConfirm:
		return s.salts.Confirm, nil
	case ActionUnsubscribe, ActionUnsubscribeUndo:
		return s.salts.Unsubscribe, nil
	case ActionUnsubscribeAll, ActionUnsubscribeAllUndo:
		return s.salts.UnsubscribeAll, nil
	}
	return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown action: %s", action))
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Emit(ctx, event)
}

func (s *Service) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Log(ctx, level, msg, args...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) incrementConsentsCaptured(state string) {
	if s.metrics != nil {
		s.metrics.IncrementConsentsCaptured(state)
	}
}

func (s *Service) incrementConsentsConfirmed() {
	if s.metrics != nil {
		s.metrics.IncrementConsentsConfirmed()
	}
}

func (s *Service) incrementOptOuts(scope string) {
	if s.metrics != nil {
		s.metrics.IncrementOptOuts(scope)
	}
}

func (s *Service) incrementOptOutUndos(scope string) {
	if s.metrics != nil {
		s.metrics.IncrementOptOutUndos(scope)
	}
}

func (s *Service) incrementTokenRejections() {
	if s.metrics != nil {
		s.metrics.IncrementTokenRejections()
	}
}

func (s *Service) incrementConfirmationSends() {
	if s.metrics != nil {
		s.metrics.IncrementConfirmationSends()
	}
}

func (s *Service) incrementConfirmationFailures() {
	if s.metrics != nil {
		s.metrics.IncrementConfirmationFailures()
	}
}

func (s *Service) observeValidConsentLatency(seconds float64) {
	if s.metrics != nil {
		s.metrics.ObserveValidConsentLatency(seconds)
	}
}
