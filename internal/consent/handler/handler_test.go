package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"mailconsent/internal/consent/models"
	"mailconsent/internal/consent/service"
	"mailconsent/internal/consent/store"
	"mailconsent/internal/consent/token"
	"mailconsent/internal/email"
	"mailconsent/internal/platform/config"
	"mailconsent/internal/users"
)

type HandlerSuite struct {
	suite.Suite
	ctx       context.Context
	userStore *users.MemoryStore
	store     *store.MemoryStore
	sender    *email.MemorySender
	svc       *service.Service
	router    chi.Router
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.userStore = users.NewMemoryStore()
	s.store = store.NewMemory(s.userStore)
	s.userStore.OnDelete = s.store.DetachUser
	s.sender = email.NewMemorySender()

	salts := config.Salts{
		Unsubscribe:    "test-unsubscribe",
		UnsubscribeAll: "test-unsubscribe-all",
		Confirm:        "test-confirm",
	}
	s.svc = service.NewService(
		s.store, s.userStore, token.NewCodec("test-signing-key"), salts,
		"https://example.com", email.Address("consent@example.com"),
		service.WithSender(s.sender),
	)

	s.router = chi.NewRouter()
	New(s.svc, slog.New(slog.DiscardHandler)).Register(s.router)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) newSource(name string, confirmedEmail bool) *models.Source {
	source := &models.Source{
		Name:                   name,
		Definition:             "Occasional updates about " + name,
		RequiresConfirmedEmail: confirmedEmail,
	}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	return source
}

func (s *HandlerSuite) signup(sourceID int64, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/consent/signup/%d", sourceID),
		bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (s *HandlerSuite) decodeAction(rec *httptest.ResponseRecorder) ActionResponse {
	var resp ActionResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func (s *HandlerSuite) TestSignupPendingConfirmation() {
	source := s.newSource("newsletter", true)

	rec := s.signup(source.ID, `{"email": "reader@example.org"}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var resp SignupResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("pending", resp.State)
	s.Equal(source.ID, resp.Source.ID)
	s.Equal("newsletter", resp.Source.Name)

	sent := s.sender.Emails()
	s.Require().Len(sent, 1)
	s.Equal(email.Address("reader@example.org"), sent[0].Recipient)
}

func (s *HandlerSuite) TestSignupConfirmedWhenSourceDoesNotRequireIt() {
	source := s.newSource("newsletter", false)

	rec := s.signup(source.ID, `{"email": "reader@example.org"}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var resp SignupResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("confirmed", resp.State)
	s.Empty(s.sender.Emails())
}

func (s *HandlerSuite) TestSignupClientCanRequestConfirmation() {
	source := s.newSource("newsletter", false)

	rec := s.signup(source.ID, `{"email": "reader@example.org", "confirmation": true}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var resp SignupResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("pending", resp.State)
	s.Len(s.sender.Emails(), 1)
}

func (s *HandlerSuite) TestSignupCannotWaiveConfirmation() {
	source := s.newSource("newsletter", true)

	rec := s.signup(source.ID, `{"email": "reader@example.org", "confirmation": false}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var resp SignupResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("pending", resp.State)
}

func (s *HandlerSuite) TestSignupValidation() {
	source := s.newSource("newsletter", false)

	s.Equal(http.StatusBadRequest, s.signup(source.ID, `{"email": "not-an-address"}`).Code)
	s.Equal(http.StatusBadRequest, s.signup(source.ID, `{}`).Code)
	s.Equal(http.StatusBadRequest, s.signup(source.ID, `{"email": `).Code)
	s.Equal(http.StatusNotFound, s.signup(9999, `{"email": "reader@example.org"}`).Code)
}

func (s *HandlerSuite) TestSignupResolvesTranslation() {
	source := s.newSource("newsletter", false)
	s.Require().NoError(s.store.CreateTranslation(s.ctx, &models.Translation{
		SourceID:     source.ID,
		LanguageCode: "da",
		Name:         "nyhedsbrev",
	}))

	rec := s.signup(source.ID, `{"email": "reader@example.org"}`, "Accept-Language", "da-DK,da;q=0.9")
	s.Require().Equal(http.StatusCreated, rec.Code)

	var resp SignupResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Equal("nyhedsbrev", resp.Source.Name)
}

func (s *HandlerSuite) TestConfirmLinkFromEmail() {
	source := s.newSource("newsletter", true)
	rec := s.signup(source.ID, `{"email": "reader@example.org"}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	sent := s.sender.Emails()
	s.Require().Len(sent, 1)
	path := linkPath(s.T(), sent[0].Body, "/consent/confirm/")

	resp := s.decodeAction(s.get(path))
	s.Equal("confirm", resp.Action)
	s.Equal("confirmed", resp.State)

	// The link keeps working once the record is confirmed.
	again := s.decodeAction(s.get(path))
	s.Equal("confirmed", again.State)
}

func (s *HandlerSuite) TestUnsubscribeAndUndo() {
	source := s.newSource("newsletter", false)
	record, err := s.svc.Capture(s.ctx, source.ID, "reader@example.org", false)
	s.Require().NoError(err)

	tokenStr, err := s.svc.IssueToken(record, service.ActionUnsubscribe)
	s.Require().NoError(err)

	resp := s.decodeAction(s.get(fmt.Sprintf("/consent/unsubscribe/%d/%s", record.ID, tokenStr)))
	s.Require().NotEmpty(resp.UndoURL)

	valid, err := s.svc.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Empty(valid)

	undoPath := strings.TrimPrefix(resp.UndoURL, "https://example.com")
	s.Equal(http.StatusOK, s.get(undoPath).Code)

	valid, err = s.svc.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Len(valid, 1)
}

func (s *HandlerSuite) TestUnsubscribeAllAndUndo() {
	newsletter := s.newSource("newsletter", false)
	events := s.newSource("events", false)
	record, err := s.svc.Capture(s.ctx, newsletter.ID, "reader@example.org", false)
	s.Require().NoError(err)
	_, err = s.svc.Capture(s.ctx, events.ID, "reader@example.org", false)
	s.Require().NoError(err)

	tokenStr, err := s.svc.IssueToken(record, service.ActionUnsubscribeAll)
	s.Require().NoError(err)

	resp := s.decodeAction(s.get(fmt.Sprintf("/consent/unsubscribe-all/%d/%s", record.ID, tokenStr)))
	s.Require().NotEmpty(resp.UndoURL)

	for _, source := range []*models.Source{newsletter, events} {
		valid, err := s.svc.ValidConsent(s.ctx, source.ID)
		s.Require().NoError(err)
		s.Empty(valid)
	}

	undoPath := strings.TrimPrefix(resp.UndoURL, "https://example.com")
	s.Equal(http.StatusOK, s.get(undoPath).Code)
}

func (s *HandlerSuite) TestBadTokenIsNotFound() {
	source := s.newSource("newsletter", false)
	record, err := s.svc.Capture(s.ctx, source.ID, "reader@example.org", false)
	s.Require().NoError(err)

	confirmToken, err := s.svc.IssueToken(record, service.ActionConfirm)
	s.Require().NoError(err)

	// Forged, cross-purpose, and unknown-record requests are indistinguishable.
	s.Equal(http.StatusNotFound, s.get(fmt.Sprintf("/consent/unsubscribe/%d/%s", record.ID, confirmToken)).Code)
	s.Equal(http.StatusNotFound, s.get(fmt.Sprintf("/consent/confirm/%d/garbage", record.ID)).Code)
	s.Equal(http.StatusNotFound, s.get(fmt.Sprintf("/consent/confirm/%d/%s", record.ID+100, confirmToken)).Code)
	s.Equal(http.StatusNotFound, s.get("/consent/confirm/abc/token").Code)
}

// linkPath extracts the first URL path with the given prefix from an email
// body.
func linkPath(t *testing.T, body, prefix string) string {
	t.Helper()
	i := strings.Index(body, prefix)
	if i < 0 {
		t.Fatalf("no link with prefix %q in body:\n%s", prefix, body)
	}
	rest := body[i:]
	if end := strings.IndexAny(rest, " \n\t"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
