package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"flowext/api/internal/config"
	"flowext/api/internal/extension"
	"flowext/api/internal/gitrepo"
	"flowext/api/internal/objectdata"
	"flowext/api/internal/session"
)

const testExtensionData = `{
	"accountId": "acct-1",
	"environmentId": "env-1",
	"environmentName": "Test",
	"connections": {
		"c1": {"name": "Orders DB", "extensionGroupId": "g1", "properties": {
			"url": {"name": "URL", "value": "jdbc:a"},
			"password": {"name": "Password", "value": "secret", "encrypted": true}
		}}
	},
	"operations": {
		"o1": {"name": "Order Query", "extensionGroupId": "g2", "properties": {
			"timeout": {"name": "Timeout", "value": 30}
		}}
	},
	"processProperties": {
		"pp1": {"name": "Batch size", "value": "10"},
		"pp2": {"name": "Sync token", "value": "t"}
	}
}`

const testAccessMappings = `[
	{"processId": "p1", "processName": "Orders", "extensionIds": ["o1", "pp1"]},
	{"processId": "p2", "processName": "Billing", "extensionIds": ["o1"]},
	{"processId": "p3", "processName": "Admin sync", "extensionIds": ["pp2"], "adminOnly": true}
]`

type fakeVersions struct {
	ensured   []string
	commits   []extension.Document
	tags      []string
	commitErr error
}

func (f *fakeVersions) EnsureEnvironmentRepo(environmentID string, _ extension.Document, _ string) error {
	f.ensured = append(f.ensured, environmentID)
	return nil
}

func (f *fakeVersions) CommitDocument(environmentID string, doc extension.Document, author, message string) (gitrepo.CommitInfo, error) {
	if f.commitErr != nil {
		return gitrepo.CommitInfo{}, f.commitErr
	}
	f.commits = append(f.commits, doc)
	return gitrepo.CommitInfo{Hash: "abc1234", Message: message, Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeVersions) HeadDocument(string) (extension.Document, gitrepo.CommitInfo, error) {
	return extension.Document{}, gitrepo.CommitInfo{}, gitrepo.ErrNoHistory
}

func (f *fakeVersions) DocumentByHash(string, string) (extension.Document, gitrepo.CommitInfo, error) {
	return extension.Document{}, gitrepo.CommitInfo{}, gitrepo.ErrNoHistory
}

func (f *fakeVersions) History(string, int) ([]gitrepo.CommitInfo, error) {
	return nil, nil
}

func (f *fakeVersions) TagHead(_ string, name string) (gitrepo.CommitInfo, error) {
	f.tags = append(f.tags, name)
	return gitrepo.CommitInfo{Hash: "abc1234"}, nil
}

type fakeOutcomes struct {
	published []session.Outcome
	err       error
}

func (f *fakeOutcomes) PublishOutcome(_ context.Context, outcome session.Outcome) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, outcome)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(versions *fakeVersions, outcomes *fakeOutcomes) *Service {
	svc := newService(config.Config{DraftTTL: time.Hour}, testLogger())
	if versions != nil {
		svc.versions = versions
	}
	if outcomes != nil {
		svc.outcomes = outcomes
	}
	return svc
}

func editorEntries(extensionData, mappings, isAdmin, groups string) []objectdata.Entry {
	return []objectdata.Entry{{
		DeveloperName: "ExtensionEditorData",
		Properties: []objectdata.Property{
			objectdata.StringValue("extensionData", extensionData),
			objectdata.StringValue("accessMappings", mappings),
			objectdata.StringValue("isAdmin", isAdmin),
			objectdata.StringValue("userSsoGroups", groups),
		},
	}}
}

func openContributor(t *testing.T, svc *Service) SessionView {
	t.Helper()
	view, err := svc.OpenSession(context.Background(), OpenSessionInput{
		ObjectData: editorEntries(testExtensionData, testAccessMappings, "false", "ABC_BOOMI_FLOW_CONTRIBUTOR"),
		UserName:   "Avery",
	})
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	return view
}

func requireCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %s, want %s", domainErr.Code, code)
	}
	return domainErr
}

func TestOpenSessionNoData(t *testing.T) {
	svc := newTestService(nil, nil)
	_, err := svc.OpenSession(context.Background(), OpenSessionInput{})
	domainErr := requireCode(t, err, "NO_DATA_PROVIDED")
	if domainErr.Status != 400 {
		t.Fatalf("status = %d, want 400", domainErr.Status)
	}
}

func TestOpenSessionParseErrorLeavesErrorState(t *testing.T) {
	svc := newTestService(nil, nil)
	view, err := svc.OpenSession(context.Background(), OpenSessionInput{
		ObjectData: editorEntries("{broken", "", "", ""),
	})
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	if view.Error == "" || view.Environment != nil || len(view.Tree) != 0 {
		t.Fatalf("expected error state, got %+v", view)
	}

	_, err = svc.Dispatch(context.Background(), view.ID, ActionInput{Type: "setValue", ExtensionID: "pp1", PropertyKey: "value", Value: "1"})
	requireCode(t, err, "NO_DOCUMENT")
	_, err = svc.Save(context.Background(), view.ID, true)
	requireCode(t, err, "NO_DOCUMENT")
}

func TestOpenSessionBuildsView(t *testing.T) {
	versions := &fakeVersions{}
	svc := newTestService(versions, nil)
	view := openContributor(t, svc)

	if view.Role != "contributor" || view.IsAdmin {
		t.Fatalf("unexpected role: %s admin=%v", view.Role, view.IsAdmin)
	}
	if view.Environment == nil || view.Environment.EnvironmentName != "Test" {
		t.Fatalf("unexpected environment: %+v", view.Environment)
	}
	if len(view.Tree) != 3 {
		t.Fatalf("tree categories = %d, want 3", len(view.Tree))
	}
	if view.CanSave || view.CanUndo || view.DirtyFieldCount != 0 {
		t.Fatalf("fresh session should be clean: %+v", view)
	}
	if !reflect.DeepEqual(versions.ensured, []string{"env-1"}) {
		t.Fatalf("baseline not ensured: %v", versions.ensured)
	}
}

func TestDispatchPermissions(t *testing.T) {
	svc := newTestService(nil, nil)
	view := openContributor(t, svc)
	ctx := context.Background()

	cases := []struct {
		name  string
		input ActionInput
		code  string
	}{
		{name: "connection needs admin", input: ActionInput{Type: "setValue", ExtensionID: "c1", PropertyKey: "url", Value: "x"}, code: "FORBIDDEN"},
		{name: "admin only process", input: ActionInput{Type: "setValue", ExtensionID: "pp2", PropertyKey: "value", Value: "x"}, code: "FORBIDDEN"},
		{name: "unknown field", input: ActionInput{Type: "setValue", ExtensionID: "o1", PropertyKey: "nope", Value: "x"}, code: "FIELD_NOT_FOUND"},
		{name: "missing ids", input: ActionInput{Type: "toggleDefault"}, code: "VALIDATION_ERROR"},
		{name: "unknown action", input: ActionInput{Type: "explode"}, code: "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Dispatch(ctx, view.ID, tc.input)
			requireCode(t, err, tc.code)
		})
	}

	updated, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "o1", PropertyKey: "timeout", Value: "45"})
	if err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}
	if updated.DirtyFieldCount != 1 || !updated.CanUndo || !updated.CanSave {
		t.Fatalf("unexpected view after edit: %+v", updated)
	}
}

func TestDispatchEncryptedFieldForAdmin(t *testing.T) {
	svc := newTestService(nil, nil)
	view, err := svc.OpenSession(context.Background(), OpenSessionInput{
		ObjectData: editorEntries(testExtensionData, testAccessMappings, "true", ""),
	})
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	_, err = svc.Dispatch(context.Background(), view.ID, ActionInput{Type: "setValue", ExtensionID: "c1", PropertyKey: "password", Value: "x"})
	requireCode(t, err, "ENCRYPTED_FIELD")

	updated, err := svc.Dispatch(context.Background(), view.ID, ActionInput{Type: "setValue", ExtensionID: "c1", PropertyKey: "url", Value: "jdbc:b"})
	if err != nil {
		t.Fatalf("admin edit of connection failed: %v", err)
	}
	if updated.DirtyFieldCount != 1 {
		t.Fatalf("dirty = %d, want 1", updated.DirtyFieldCount)
	}
}

func TestSelectionView(t *testing.T) {
	svc := newTestService(nil, nil)
	view := openContributor(t, svc)
	ctx := context.Background()

	selected, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "selectNode", NodeID: "connections::c1"})
	if err != nil {
		t.Fatalf("Dispatch(selectNode) error = %v", err)
	}
	sel := selected.Selection
	if sel == nil || !sel.IsConnection || sel.CanEdit {
		t.Fatalf("unexpected connection selection: %+v", sel)
	}
	if len(sel.Properties) != 2 || sel.Properties[0].Key != "password" || sel.Properties[0].Value != maskedValue {
		t.Fatalf("encrypted value not masked: %+v", sel.Properties)
	}
	if selected.CanUndo {
		t.Fatal("selection must not touch history")
	}

	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "o1", PropertyKey: "timeout", Value: "45"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}
	selected, err = svc.Dispatch(ctx, view.ID, ActionInput{Type: "selectNode", NodeID: "operations::o1"})
	if err != nil {
		t.Fatalf("Dispatch(selectNode) error = %v", err)
	}
	sel = selected.Selection
	if !sel.CanEdit || !sel.RequiresConfirmation || !reflect.DeepEqual(sel.SharedBy, []string{"Orders", "Billing"}) {
		t.Fatalf("unexpected operation selection: %+v", sel)
	}
	if prop := sel.Properties[0]; prop.Value != "45" || !prop.Edited {
		t.Fatalf("pending edit not shown: %+v", prop)
	}

	searched, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setSearch", Query: "batch"})
	if err != nil {
		t.Fatalf("Dispatch(setSearch) error = %v", err)
	}
	if len(searched.Tree) != 1 || searched.Tree[0].Items[0].EntityID != "pp1" {
		t.Fatalf("unexpected search tree: %+v", searched.Tree)
	}
}

func TestUndoRedoReset(t *testing.T) {
	svc := newTestService(nil, nil)
	view := openContributor(t, svc)
	ctx := context.Background()

	for _, value := range []string{"20", "30"} {
		if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "pp1", PropertyKey: "value", Value: value}); err != nil {
			t.Fatalf("Dispatch(setValue) error = %v", err)
		}
	}
	undone, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "undo"})
	if err != nil {
		t.Fatalf("Dispatch(undo) error = %v", err)
	}
	if undone.ChangedFields[0].Value != "20" || !undone.CanRedo {
		t.Fatalf("unexpected undo result: %+v", undone)
	}
	redone, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "redo"})
	if err != nil {
		t.Fatalf("Dispatch(redo) error = %v", err)
	}
	if redone.ChangedFields[0].Value != "30" {
		t.Fatalf("unexpected redo result: %+v", redone.ChangedFields)
	}
	reset, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "reset"})
	if err != nil {
		t.Fatalf("Dispatch(reset) error = %v", err)
	}
	if reset.DirtyFieldCount != 0 || reset.CanUndo || reset.CanRedo {
		t.Fatalf("unexpected reset result: %+v", reset)
	}
}

func TestSaveFlow(t *testing.T) {
	versions := &fakeVersions{}
	outcomes := &fakeOutcomes{}
	svc := newTestService(versions, outcomes)
	view := openContributor(t, svc)
	ctx := context.Background()

	_, err := svc.Save(ctx, view.ID, false)
	requireCode(t, err, "NO_CHANGES")

	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "selectNode", NodeID: "operations::o1"}); err != nil {
		t.Fatalf("Dispatch(selectNode) error = %v", err)
	}
	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "o1", PropertyKey: "timeout", Value: "45"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}

	_, err = svc.Save(ctx, view.ID, false)
	domainErr := requireCode(t, err, "CONFIRMATION_REQUIRED")
	details := domainErr.Details.(map[string]any)
	if !reflect.DeepEqual(details["processes"], []string{"Orders", "Billing"}) {
		t.Fatalf("unexpected confirmation details: %+v", details)
	}
	if len(outcomes.published) != 0 {
		t.Fatal("nothing should be published before confirmation")
	}

	result, err := svc.Save(ctx, view.ID, true)
	if err != nil {
		t.Fatalf("Save(confirmed) error = %v", err)
	}
	if result.Outcome.Name != session.OutcomeSave || !strings.Contains(result.Outcome.Payload, `"value": "45"`) {
		t.Fatalf("unexpected outcome: %+v", result.Outcome)
	}
	if len(outcomes.published) != 1 || outcomes.published[0].Payload != result.Outcome.Payload {
		t.Fatalf("outcome not published: %+v", outcomes.published)
	}
	if result.Commit == nil || len(versions.commits) != 1 {
		t.Fatalf("expected a version commit, got %+v", result.Commit)
	}
	if versions.commits[0].Operations["o1"].Properties["timeout"].Value != "45" {
		t.Fatalf("committed document not merged: %+v", versions.commits[0].Operations)
	}
	if result.Session.DirtyFieldCount != 0 || result.Session.CanUndo {
		t.Fatalf("session not cleared after save: %+v", result.Session)
	}
	if result.Session.SelectedNodeID != "operations::o1" || result.Session.Selection.Properties[0].Value != "45" {
		t.Fatalf("selection should show saved value: %+v", result.Session.Selection)
	}

	parsed, err := extension.Parse(result.Outcome.Payload)
	if err != nil {
		t.Fatalf("payload does not parse: %v", err)
	}
	if parsed.Connections["c1"].Properties["password"].Value != "secret" {
		t.Fatal("encrypted value must be preserved in the saved payload")
	}
}

func TestSaveWithoutSelectionSkipsConfirmation(t *testing.T) {
	svc := newTestService(nil, nil)
	view := openContributor(t, svc)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "o1", PropertyKey: "timeout", Value: "45"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}
	if _, err := svc.Save(ctx, view.ID, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestSavePublishFailureKeepsEdits(t *testing.T) {
	outcomes := &fakeOutcomes{err: errors.New("redis down")}
	svc := newTestService(nil, outcomes)
	view := openContributor(t, svc)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "pp1", PropertyKey: "value", Value: "20"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}
	if _, err := svc.Save(ctx, view.ID, true); err == nil {
		t.Fatal("expected publish error")
	}
	current, err := svc.Session(ctx, view.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if current.DirtyFieldCount != 1 {
		t.Fatalf("edits lost after failed save: %+v", current)
	}
}

func TestSaveCommitFailureStillSaves(t *testing.T) {
	versions := &fakeVersions{commitErr: errors.New("disk full")}
	svc := newTestService(versions, nil)
	view := openContributor(t, svc)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "pp1", PropertyKey: "value", Value: "20"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}
	result, err := svc.Save(ctx, view.ID, true)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if result.Commit != nil || result.Session.DirtyFieldCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPromote(t *testing.T) {
	versions := &fakeVersions{}
	outcomes := &fakeOutcomes{}
	svc := newTestService(versions, outcomes)
	view := openContributor(t, svc)

	result, err := svc.Promote(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if result.Outcome.Name != session.OutcomeCopyTestToProd || result.Outcome.Payload != "" {
		t.Fatalf("unexpected outcome: %+v", result.Outcome)
	}
	if len(versions.tags) != 1 || result.Tag != versions.tags[0] {
		t.Fatalf("unexpected tag: %q %v", result.Tag, versions.tags)
	}
}

func TestUnknownSession(t *testing.T) {
	svc := newTestService(nil, nil)
	_, err := svc.Session(context.Background(), "missing")
	requireCode(t, err, "SESSION_NOT_FOUND")
}

func TestSessionExpiry(t *testing.T) {
	svc := newTestService(nil, nil)
	now := time.Now()
	svc.now = func() time.Time { return now }
	view := openContributor(t, svc)

	now = now.Add(2 * time.Hour)
	_, err := svc.Session(context.Background(), view.ID)
	requireCode(t, err, "SESSION_NOT_FOUND")
}

func TestSessionResumesFromDraft(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	first := newTestService(nil, nil)
	first.drafts = store
	view := openContributor(t, first)
	ctx := context.Background()
	if _, err := first.Dispatch(ctx, view.ID, ActionInput{Type: "setValue", ExtensionID: "pp1", PropertyKey: "value", Value: "20"}); err != nil {
		t.Fatalf("Dispatch(setValue) error = %v", err)
	}

	second := newTestService(nil, nil)
	second.drafts = store
	resumed, err := second.Session(ctx, view.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if resumed.DirtyFieldCount != 1 || !resumed.CanUndo || resumed.Role != "contributor" {
		t.Fatalf("unexpected resumed view: %+v", resumed)
	}

	if err := second.CloseSession(ctx, view.ID); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if mr.Exists("draft:" + view.ID) {
		t.Fatal("draft should be deleted on close")
	}
}

func TestDiff(t *testing.T) {
	svc := newTestService(nil, nil)
	entries := []objectdata.Entry{{Properties: []objectdata.Property{
		objectdata.StringValue("branchXml", "<a>\n<b>2</b>\n</a>"),
		objectdata.StringValue("mainXml", "<a>\n<b>1</b>\n</a>"),
		objectdata.StringValue("componentName", "Order Process"),
		objectdata.StringValue("componentAction", "UPDATE"),
	}}}
	result, err := svc.Diff(context.Background(), entries)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if result.Stats.Additions != 1 || result.Stats.Deletions != 1 || result.Stats.Unchanged != 2 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if len(result.Lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(result.Lines))
	}

	_, err = svc.Diff(context.Background(), nil)
	requireCode(t, err, "NO_DATA_PROVIDED")
}

func TestHistoryUnavailable(t *testing.T) {
	svc := newTestService(nil, nil)
	_, err := svc.History(context.Background(), "env-1", 10)
	requireCode(t, err, "HISTORY_UNAVAILABLE")
}
