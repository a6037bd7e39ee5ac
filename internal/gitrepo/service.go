package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"flowext/api/internal/extension"
	"flowext/api/internal/xmldiff"
)

const (
	contentFile = "extensions.json"
	mainBranch  = "main"
)

var (
	ErrInvalidEnvironment = errors.New("invalid environment id")
	ErrNoHistory          = errors.New("environment has no saved versions")
	ErrVersionNotFound    = errors.New("version not found")
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// Service keeps one git repository per environment holding every saved
// version of its extension document.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) EnsureEnvironmentRepo(environmentID string, baseline extension.Document, author string) error {
	if err := validateEnvironmentID(environmentID); err != nil {
		return err
	}
	lock := s.environmentLock(environmentID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.ensureRepo(environmentID, baseline, author)
	return err
}

// CommitDocument records a saved document. The repository is created with the
// document as its baseline when it does not exist yet.
func (s *Service) CommitDocument(environmentID string, doc extension.Document, author, message string) (CommitInfo, error) {
	if err := validateEnvironmentID(environmentID); err != nil {
		return CommitInfo{}, err
	}
	lock := s.environmentLock(environmentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(environmentID, doc, author)
	if err != nil {
		return CommitInfo{}, err
	}

	hash, err := s.commit(repo, doc, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) HeadDocument(environmentID string) (extension.Document, CommitInfo, error) {
	repo, unlock, err := s.open(environmentID)
	if err != nil {
		return extension.Document{}, CommitInfo{}, err
	}
	defer unlock()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return extension.Document{}, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return extension.Document{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	doc, err := readDocumentFromCommit(commitObj)
	if err != nil {
		return extension.Document{}, CommitInfo{}, err
	}
	return doc, toCommitInfo(commitObj), nil
}

func (s *Service) DocumentByHash(environmentID, hash string) (extension.Document, CommitInfo, error) {
	repo, unlock, err := s.open(environmentID)
	if err != nil {
		return extension.Document{}, CommitInfo{}, err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return extension.Document{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return extension.Document{}, CommitInfo{}, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	if err != nil {
		return extension.Document{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	doc, err := readDocumentFromCommit(commitObj)
	if err != nil {
		return extension.Document{}, CommitInfo{}, err
	}
	return doc, toCommitInfo(commitObj), nil
}

// History lists saved versions, newest first. A limit of zero means all.
func (s *Service) History(environmentID string, limit int) ([]CommitInfo, error) {
	repo, unlock, err := s.open(environmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TagHead marks the current version, e.g. when it is promoted to another
// environment. Existing tags are left alone.
func (s *Service) TagHead(environmentID, name string) (CommitInfo, error) {
	repo, unlock, err := s.open(environmentID)
	if err != nil {
		return CommitInfo{}, err
	}
	defer unlock()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Flow Extensions",
			Email: "flowext@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(environmentID string) string {
	return filepath.Join(s.baseDir, environmentID)
}

func (s *Service) environmentLock(environmentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[environmentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[environmentID] = lock
	return lock
}

func (s *Service) open(environmentID string) (*git.Repository, func(), error) {
	if err := validateEnvironmentID(environmentID); err != nil {
		return nil, nil, err
	}
	lock := s.environmentLock(environmentID)
	lock.Lock()

	repo, err := git.PlainOpen(s.repoPath(environmentID))
	if err != nil {
		lock.Unlock()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil, ErrNoHistory
		}
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

// ensureRepo must be called with the environment lock held.
func (s *Service) ensureRepo(environmentID string, baseline extension.Document, author string) (*git.Repository, error) {
	path := s.repoPath(environmentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	if _, err := s.commit(repo, baseline, author, "Import extension baseline"); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, doc extension.Document, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := extension.Serialize(doc)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.flowext.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContent(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return contents, nil
}

func readDocumentFromCommit(commitObj *object.Commit) (extension.Document, error) {
	contents, err := readContent(commitObj)
	if err != nil {
		return extension.Document{}, err
	}
	doc, err := extension.Parse(contents)
	if err != nil {
		return extension.Document{}, fmt.Errorf("decode commit content: %w", err)
	}
	return doc, nil
}

// toCommitInfo fills Added/Removed with line counts against the first parent.
func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	current, err := readContent(commitObj)
	if err != nil {
		return info
	}
	previous := ""
	if commitObj.NumParents() > 0 {
		if parent, err := commitObj.Parent(0); err == nil {
			previous, _ = readContent(parent)
		}
	}
	stats := xmldiff.ComputeStats(previous, current)
	info.Added = stats.Additions
	info.Removed = stats.Deletions
	return info
}

// PropertyChange is one property whose value or default flag differs between
// two versions. Encrypted values are masked.
type PropertyChange struct {
	Category      extension.Category `json:"category"`
	EntityID      string             `json:"extensionId"`
	PropertyKey   string             `json:"propertyKey"`
	Before        string             `json:"before"`
	After         string             `json:"after"`
	DefaultBefore bool               `json:"useDefaultBefore"`
	DefaultAfter  bool               `json:"useDefaultAfter"`
}

const maskedValue = "********"

func DiffDocuments(from, to extension.Document) []PropertyChange {
	changes := make([]PropertyChange, 0)
	changes = appendGroupChanges(changes, extension.CategoryConnections, from.Connections, to.Connections)
	changes = appendGroupChanges(changes, extension.CategoryOperations, from.Operations, to.Operations)
	for id, after := range to.ProcessProperties {
		before, ok := from.ProcessProperties[id]
		if !ok {
			continue
		}
		changes = appendPropertyChange(changes, extension.CategoryProcessProperties, id, extension.ProcessPropertyKey, before, after)
	}
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.PropertyKey < b.PropertyKey
	})
	return changes
}

func HasChanges(from, to extension.Document) bool {
	return len(DiffDocuments(from, to)) > 0
}

func appendGroupChanges(changes []PropertyChange, category extension.Category, from, to map[string]extension.Group) []PropertyChange {
	for id, afterGroup := range to {
		beforeGroup, ok := from[id]
		if !ok {
			continue
		}
		for key, after := range afterGroup.Properties {
			before, ok := beforeGroup.Properties[key]
			if !ok {
				continue
			}
			changes = appendPropertyChange(changes, category, id, key, before, after)
		}
	}
	return changes
}

func appendPropertyChange(changes []PropertyChange, category extension.Category, id, key string, before, after extension.Property) []PropertyChange {
	if before.Value == after.Value && before.UseDefault == after.UseDefault {
		return changes
	}
	change := PropertyChange{
		Category:      category,
		EntityID:      id,
		PropertyKey:   key,
		Before:        before.Value,
		After:         after.Value,
		DefaultBefore: before.UseDefault,
		DefaultAfter:  after.UseDefault,
	}
	if before.Encrypted || after.Encrypted {
		change.Before, change.After = maskedValue, maskedValue
	}
	return append(changes, change)
}

func validateEnvironmentID(environmentID string) error {
	if strings.TrimSpace(environmentID) == "" ||
		environmentID == "." || environmentID == ".." ||
		strings.ContainsAny(environmentID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, environmentID)
	}
	return nil
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	return *resolved, nil
}
