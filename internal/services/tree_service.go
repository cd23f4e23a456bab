package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/repository"
)

// TreeService owns reads and writes of the shared state tree. Every mutation
// bumps the tree version and pushes a full snapshot to feed subscribers, so
// clients reconcile from any message without tracking deltas.
type TreeService struct {
	repo    repository.TreeRepo
	hub     *FeedHub
	metrics *observability.SyncMetrics
	log     *observability.Logger
}

// NewTreeService creates a new TreeService. metrics may be nil.
func NewTreeService(repo repository.TreeRepo, hub *FeedHub, metrics *observability.SyncMetrics) *TreeService {
	return &TreeService{
		repo:    repo,
		hub:     hub,
		metrics: metrics,
		log:     observability.GetLogger().WithField("component", "tree"),
	}
}

// Get reads the value at path. A branch path returns its children assembled
// into one object keyed by the remaining path segments.
func (s *TreeService) Get(ctx context.Context, path string) (json.RawMessage, error) {
	nodes, err := s.repo.GetSubtree(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	if value, ok := nodes[path]; ok && len(nodes) == 1 {
		return value, nil
	}
	return assembleBranch(path, nodes), nil
}

// ModifiedAt reports when path (or anything under it) last changed.
func (s *TreeService) ModifiedAt(ctx context.Context, path string) (time.Time, error) {
	return s.repo.ModifiedAt(ctx, path)
}

// Set writes value at path and broadcasts the new tree.
func (s *TreeService) Set(ctx context.Context, path string, value json.RawMessage) (int64, error) {
	version, err := s.repo.SetNode(ctx, path, value)
	if err != nil {
		return 0, err
	}
	s.log.WithContext(ctx).Debugf("set %s (version %d)", path, version)
	if s.metrics != nil {
		s.metrics.RecordTreeWrite(ctx, path)
	}
	s.publish(ctx, version)
	return version, nil
}

// SetMany applies a batch of writes atomically and broadcasts once.
func (s *TreeService) SetMany(ctx context.Context, values map[string]json.RawMessage) (int64, error) {
	version, err := s.repo.SetNodes(ctx, values)
	if err != nil {
		return 0, err
	}
	s.log.WithContext(ctx).Debugf("patched %d paths (version %d)", len(values), version)
	if s.metrics != nil {
		s.metrics.RecordTreePatch(ctx, len(values))
	}
	s.publish(ctx, version)
	return version, nil
}

// Snapshot builds the feed message for the current tree.
func (s *TreeService) Snapshot(ctx context.Context) (models.FeedMessage, error) {
	nodes, err := s.repo.GetAll(ctx)
	if err != nil {
		return models.FeedMessage{}, err
	}
	version, err := s.repo.Version(ctx)
	if err != nil {
		return models.FeedMessage{}, err
	}

	fields := make(map[string]json.RawMessage)
	for _, top := range topLevelSegments(nodes) {
		fields[top] = assembleBranch(top, filterPrefix(nodes, top))
	}
	return models.FeedMessage{
		Type:    models.FeedTypeTree,
		Version: version,
		Fields:  fields,
	}, nil
}

func (s *TreeService) publish(ctx context.Context, version int64) {
	msg, err := s.Snapshot(ctx)
	if err != nil {
		s.log.Errorf("failed to build feed snapshot: %v", err)
		return
	}
	msg.Version = version
	if s.metrics != nil {
		s.metrics.RecordFeedBroadcast(ctx, s.hub.GetClientCount())
	}
	s.hub.Broadcast(msg)
}

// assembleBranch turns the rows at or under root into the JSON value a read
// of root should see.
func assembleBranch(root string, nodes map[string]json.RawMessage) json.RawMessage {
	if value, ok := nodes[root]; ok && len(nodes) == 1 {
		return value
	}

	children := make(map[string]json.RawMessage)
	prefix := root + "/"
	for path := range nodes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		head := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			head = rest[:idx]
		}
		if _, done := children[head]; done {
			continue
		}
		children[head] = assembleBranch(prefix+head, filterPrefix(nodes, prefix+head))
	}
	if len(children) == 0 {
		if value, ok := nodes[root]; ok {
			return value
		}
		return json.RawMessage(`{}`)
	}

	out, _ := json.Marshal(children)
	return out
}

func filterPrefix(nodes map[string]json.RawMessage, root string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for path, value := range nodes {
		if path == root || strings.HasPrefix(path, root+"/") {
			out[path] = value
		}
	}
	return out
}

func topLevelSegments(nodes map[string]json.RawMessage) []string {
	seen := make(map[string]bool)
	for path := range nodes {
		head := path
		if idx := strings.IndexByte(path, '/'); idx >= 0 {
			head = path[:idx]
		}
		seen[head] = true
	}
	out := make([]string, 0, len(seen))
	for head := range seen {
		out = append(out, head)
	}
	sort.Strings(out)
	return out
}
