package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"flowext/api/internal/access"
	"flowext/api/internal/config"
	"flowext/api/internal/editor"
	"flowext/api/internal/extension"
	"flowext/api/internal/gitrepo"
	"flowext/api/internal/objectdata"
	"flowext/api/internal/session"
	"flowext/api/internal/util"
	"flowext/api/internal/xmldiff"
)

const defaultAuthor = "Flow user"

type OpenSessionInput struct {
	ObjectData []objectdata.Entry `json:"objectData"`
	UserName   string             `json:"userName"`
}

// ActionInput is one editor action sent by the presentation layer.
type ActionInput struct {
	Type        string `json:"type"`
	ExtensionID string `json:"extensionId"`
	PropertyKey string `json:"propertyKey"`
	Value       string `json:"value"`
	UseDefault  bool   `json:"useDefault"`
	NodeID      string `json:"nodeId"`
	Query       string `json:"query"`
}

type SaveResult struct {
	Outcome session.Outcome     `json:"outcome"`
	Commit  *gitrepo.CommitInfo `json:"commit,omitempty"`
	Session SessionView         `json:"session"`
}

type PromoteResult struct {
	Outcome session.Outcome `json:"outcome"`
	Tag     string          `json:"tag,omitempty"`
}

type VersionView struct {
	Commit   gitrepo.CommitInfo       `json:"commit"`
	Document extension.Document       `json:"document"`
	Changes  []gitrepo.PropertyChange `json:"changesSince"`
}

type DiffResult struct {
	Data  xmldiff.Data   `json:"data"`
	Stats xmldiff.Stats  `json:"stats"`
	Lines []xmldiff.Line `json:"lines"`
}

type draftStore interface {
	SaveDraft(context.Context, session.Draft, time.Duration) error
	LoadDraft(context.Context, string) (session.Draft, error)
	DeleteDraft(context.Context, string) error
	Ping(context.Context) error
}

type outcomeSink interface {
	PublishOutcome(context.Context, session.Outcome) error
}

type versionStore interface {
	EnsureEnvironmentRepo(string, extension.Document, string) error
	CommitDocument(string, extension.Document, string, string) (gitrepo.CommitInfo, error)
	HeadDocument(string) (extension.Document, gitrepo.CommitInfo, error)
	DocumentByHash(string, string) (extension.Document, gitrepo.CommitInfo, error)
	History(string, int) ([]gitrepo.CommitInfo, error)
	TagHead(string, string) (gitrepo.CommitInfo, error)
}

type editorSession struct {
	mu        sync.Mutex
	id        string
	author    string
	editor    *editor.Editor
	mappings  []extension.AccessMapping
	groups    []string
	isAdmin   bool
	policy    *access.Policy
	expiresAt time.Time
}

type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	drafts   draftStore
	outcomes outcomeSink
	versions versionStore
	metrics  *metrics
	now      func() time.Time

	sessionMu sync.Mutex
	sessions  map[string]*editorSession
}

// New keeps sessions in memory only. Outcomes are returned to the caller but
// not published.
func New(cfg config.Config, logger *slog.Logger, versions *gitrepo.Service) *Service {
	svc := newService(cfg, logger)
	if versions != nil {
		svc.versions = versions
	}
	return svc
}

// NewWithSessionStore writes drafts through to Redis and publishes outcomes
// on the configured channel.
func NewWithSessionStore(cfg config.Config, logger *slog.Logger, versions *gitrepo.Service, store *session.RedisStore) *Service {
	svc := New(cfg, logger, versions)
	svc.drafts = store
	svc.outcomes = store
	return svc
}

func newService(cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Access == (access.Config{}) {
		cfg.Access = access.DefaultConfig()
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(),
		now:      time.Now,
		sessions: make(map[string]*editorSession),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.drafts == nil {
		return nil
	}
	return s.drafts.Ping(ctx)
}

// OpenSession loads host objectData into a new editor session. A document
// that fails to parse still yields a session, in error state.
func (s *Service) OpenSession(ctx context.Context, input OpenSessionInput) (SessionView, error) {
	data, err := objectdata.ExtractEditorData(input.ObjectData)
	if err != nil {
		if errors.Is(err, objectdata.ErrNoDataProvided) {
			return SessionView{}, domainError(http.StatusBadRequest, "NO_DATA_PROVIDED", "No data provided", nil)
		}
		return SessionView{}, err
	}

	author := input.UserName
	if author == "" {
		author = defaultAuthor
	}
	sess := &editorSession{
		id:       util.NewID("sess"),
		author:   author,
		editor:   editor.New(),
		mappings: data.AccessMappings,
		groups:   data.Groups,
		isAdmin:  data.IsAdmin,
	}
	sess.policy = access.New(s.cfg.Access, sess.mappings, sess.groups, sess.isAdmin)

	if data.ParseErr != nil {
		sess.editor.LoadError(data.ParseErr.Error())
		s.logger.WarnContext(ctx, "extension data rejected", "session_id", sess.id, "error", data.ParseErr)
	} else {
		sess.editor.LoadData(*data.Document)
		s.ensureBaseline(ctx, *data.Document, author)
	}

	s.storeSession(sess)
	s.persist(ctx, sess)
	s.logger.InfoContext(ctx, "editor session opened",
		"session_id", sess.id,
		"has_document", sess.editor.State().HasDocument(),
		"role", sess.policy.Role(),
	)
	return s.view(sess), nil
}

func (s *Service) Session(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.view(sess), nil
}

func (s *Service) CloseSession(ctx context.Context, id string) error {
	s.sessionMu.Lock()
	delete(s.sessions, id)
	s.metrics.openSessions.Set(float64(len(s.sessions)))
	s.sessionMu.Unlock()

	if s.drafts != nil {
		if err := s.drafts.DeleteDraft(ctx, id); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "editor session closed", "session_id", id)
	return nil
}

func (s *Service) Dispatch(ctx context.Context, id string, input ActionInput) (SessionView, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	action, err := s.toAction(sess, input)
	if err != nil {
		return SessionView{}, err
	}
	sess.editor.Dispatch(action)
	s.persist(ctx, sess)
	s.logger.DebugContext(ctx, "editor action", "session_id", id, "action", action.Name())
	return s.view(sess), nil
}

func (s *Service) toAction(sess *editorSession, input ActionInput) (editor.Action, error) {
	switch input.Type {
	case "setValue":
		if err := s.checkEditable(sess, input.ExtensionID, input.PropertyKey); err != nil {
			return nil, err
		}
		return editor.SetValue{EntityID: input.ExtensionID, PropertyKey: input.PropertyKey, Value: input.Value}, nil
	case "toggleDefault":
		if err := s.checkEditable(sess, input.ExtensionID, input.PropertyKey); err != nil {
			return nil, err
		}
		return editor.ToggleDefault{EntityID: input.ExtensionID, PropertyKey: input.PropertyKey, UseDefault: input.UseDefault}, nil
	case "selectNode":
		return editor.SelectNode{NodeID: input.NodeID}, nil
	case "setSearch":
		return editor.SetSearch{Query: input.Query}, nil
	case "undo":
		return editor.Undo{}, nil
	case "redo":
		return editor.Redo{}, nil
	case "reset":
		return editor.Reset{}, nil
	default:
		return nil, validationError(fmt.Sprintf("unknown action type %q", input.Type))
	}
}

func (s *Service) checkEditable(sess *editorSession, entityID, propertyKey string) error {
	state := sess.editor.State()
	if !state.HasDocument() {
		return errNoDocument
	}
	if entityID == "" || propertyKey == "" {
		return validationError("extensionId and propertyKey are required")
	}
	prop, ok := extension.FindProperty(*state.Document, entityID, propertyKey)
	if !ok {
		return domainError(http.StatusNotFound, "FIELD_NOT_FOUND", "Field not found", map[string]string{
			"extensionId": entityID,
			"propertyKey": propertyKey,
		})
	}
	if !sess.policy.CanEditEntity(entityID, extension.ConnectionIDs(*state.Document)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "You do not have permission to edit this extension", nil)
	}
	if prop.Encrypted {
		return domainError(http.StatusUnprocessableEntity, "ENCRYPTED_FIELD", "Encrypted values cannot be edited", nil)
	}
	return nil
}

// Save merges the pending edits, hands the result to the host as a Save
// outcome and records it in the environment history. Saving edits to an
// entity shared by several processes needs confirmed=true.
func (s *Service) Save(ctx context.Context, id string, confirmed bool) (SaveResult, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	state := sess.editor.State()
	if !state.HasDocument() {
		return SaveResult{}, errNoDocument
	}
	if state.DirtyFieldCount() == 0 {
		return SaveResult{}, errNoChanges
	}
	if !confirmed && state.SelectedNodeID != "" {
		_, entityID := extension.ParseNodeID(state.SelectedNodeID)
		if sess.policy.RequiresConfirmation(entityID) {
			return SaveResult{}, domainError(http.StatusConflict, "CONFIRMATION_REQUIRED",
				"These changes affect multiple processes", map[string]any{
					"extensionId": entityID,
					"processes":   sess.policy.AuthorizedProcesses(entityID),
				})
		}
	}

	changed := state.ChangedFields()
	merged, _ := sess.editor.Merged()
	payload, err := extension.Serialize(merged)
	if err != nil {
		return SaveResult{}, err
	}

	outcome := session.Outcome{
		SessionID: sess.id,
		Name:      session.OutcomeSave,
		Payload:   string(payload),
		EmittedAt: s.now().UTC(),
	}
	if err := s.publish(ctx, outcome); err != nil {
		return SaveResult{}, err
	}

	result := SaveResult{Outcome: outcome}
	if s.versions != nil {
		message := fmt.Sprintf("Save %d change(s)", len(changed))
		commit, err := s.versions.CommitDocument(merged.EnvironmentID, merged, sess.author, message)
		switch {
		case err == nil:
			result.Commit = &commit
		case errors.Is(err, gitrepo.ErrInvalidEnvironment):
			s.logger.DebugContext(ctx, "version history skipped", "session_id", sess.id, "error", err)
		default:
			s.logger.WarnContext(ctx, "version commit failed", "session_id", sess.id, "error", err)
		}
	}

	sess.editor.Dispatch(editor.Saved{Document: merged})
	s.persist(ctx, sess)
	s.logger.InfoContext(ctx, "extensions saved",
		"session_id", sess.id,
		"environment_id", merged.EnvironmentID,
		"fields", len(changed),
	)
	result.Session = s.view(sess)
	return result, nil
}

// Promote signals the host to copy the test environment's extensions to
// production. The current version is tagged when history is kept.
func (s *Service) Promote(ctx context.Context, id string) (PromoteResult, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return PromoteResult{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	state := sess.editor.State()
	if !state.HasDocument() {
		return PromoteResult{}, errNoDocument
	}

	outcome := session.Outcome{
		SessionID: sess.id,
		Name:      session.OutcomeCopyTestToProd,
		EmittedAt: s.now().UTC(),
	}
	if err := s.publish(ctx, outcome); err != nil {
		return PromoteResult{}, err
	}

	result := PromoteResult{Outcome: outcome}
	if s.versions != nil {
		tag := fmt.Sprintf("promoted-%d", outcome.EmittedAt.Unix())
		if _, err := s.versions.TagHead(state.Document.EnvironmentID, tag); err != nil {
			s.logger.WarnContext(ctx, "promotion tag failed", "session_id", sess.id, "error", err)
		} else {
			result.Tag = tag
		}
	}
	s.logger.InfoContext(ctx, "promotion requested", "session_id", sess.id, "environment_id", state.Document.EnvironmentID)
	return result, nil
}

func (s *Service) History(ctx context.Context, environmentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.versions == nil {
		return nil, errHistoryUnavailable
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.versions.History(environmentID, limit)
}

// Version returns a saved document with encrypted values masked, plus the
// field changes made since it.
func (s *Service) Version(ctx context.Context, environmentID, hash string) (VersionView, error) {
	if s.versions == nil {
		return VersionView{}, errHistoryUnavailable
	}
	doc, commit, err := s.versions.DocumentByHash(environmentID, hash)
	if err != nil {
		return VersionView{}, err
	}
	head, _, err := s.versions.HeadDocument(environmentID)
	if err != nil {
		return VersionView{}, err
	}
	return VersionView{
		Commit:   commit,
		Document: maskDocument(doc),
		Changes:  gitrepo.DiffDocuments(doc, head),
	}, nil
}

// Diff prepares XML diff viewer data from host objectData.
func (s *Service) Diff(ctx context.Context, entries []objectdata.Entry) (DiffResult, error) {
	data, ok := xmldiff.Extract(entries)
	if !ok {
		return DiffResult{}, domainError(http.StatusBadRequest, "NO_DATA_PROVIDED", "No diff data provided", nil)
	}
	return DiffResult{
		Data:  data,
		Stats: xmldiff.ComputeStats(data.MainXML, data.BranchXML),
		Lines: xmldiff.Lines(data.MainXML, data.BranchXML),
	}, nil
}

var errHistoryUnavailable = domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)

func (s *Service) ensureBaseline(ctx context.Context, doc extension.Document, author string) {
	if s.versions == nil {
		return
	}
	if err := s.versions.EnsureEnvironmentRepo(doc.EnvironmentID, doc, author); err != nil {
		s.logger.WarnContext(ctx, "environment baseline failed", "environment_id", doc.EnvironmentID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, outcome session.Outcome) error {
	if s.outcomes != nil {
		if err := s.outcomes.PublishOutcome(ctx, outcome); err != nil {
			return fmt.Errorf("publish %s outcome: %w", outcome.Name, err)
		}
	}
	s.metrics.recordOutcome(outcome.Name)
	return nil
}

func (s *Service) storeSession(sess *editorSession) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	sess.expiresAt = s.now().Add(s.cfg.DraftTTL)
	s.sessions[sess.id] = sess
	s.metrics.openSessions.Set(float64(len(s.sessions)))
}

// lookupSession finds a live session, resuming it from its draft when it is
// not cached. Expired sessions are evicted on the way.
func (s *Service) lookupSession(ctx context.Context, id string) (*editorSession, error) {
	now := s.now()
	s.sessionMu.Lock()
	for key, sess := range s.sessions {
		if s.cfg.DraftTTL > 0 && now.After(sess.expiresAt) {
			delete(s.sessions, key)
		}
	}
	sess, ok := s.sessions[id]
	if ok {
		sess.expiresAt = now.Add(s.cfg.DraftTTL)
	}
	s.metrics.openSessions.Set(float64(len(s.sessions)))
	s.sessionMu.Unlock()
	if ok {
		return sess, nil
	}

	if s.drafts == nil {
		return nil, errSessionMissing
	}
	draft, err := s.drafts.LoadDraft(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrDraftNotFound) {
			return nil, errSessionMissing
		}
		return nil, err
	}
	sess = &editorSession{
		id:       draft.SessionID,
		author:   defaultAuthor,
		editor:   editor.Restore(draft.State),
		mappings: draft.AccessMappings,
		groups:   draft.Groups,
		isAdmin:  draft.IsAdmin,
	}
	if draft.Author != "" {
		sess.author = draft.Author
	}
	sess.policy = access.New(s.cfg.Access, sess.mappings, sess.groups, sess.isAdmin)

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	sess.expiresAt = now.Add(s.cfg.DraftTTL)
	s.sessions[id] = sess
	s.metrics.openSessions.Set(float64(len(s.sessions)))
	s.logger.InfoContext(ctx, "editor session resumed from draft", "session_id", id)
	return sess, nil
}

// persist writes the session draft through to the draft store. Failures are
// logged; the in-memory session stays authoritative.
func (s *Service) persist(ctx context.Context, sess *editorSession) {
	if s.drafts == nil {
		return
	}
	draft := session.Draft{
		SessionID:      sess.id,
		Author:         sess.author,
		State:          sess.editor.State(),
		AccessMappings: sess.mappings,
		Groups:         sess.groups,
		IsAdmin:        sess.isAdmin,
		UpdatedAt:      s.now().UTC(),
	}
	if err := s.drafts.SaveDraft(ctx, draft, s.cfg.DraftTTL); err != nil {
		s.logger.WarnContext(ctx, "draft write failed", "session_id", sess.id, "error", err)
	}
}
