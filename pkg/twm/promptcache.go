package twm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"github.com/jingkaihe/twm/pkg/logger"
)

// promptMarkdown strips and parses an optional YAML frontmatter block from
// a JIT prompt file (goldmark + goldmark-meta). Only the metadata is
// consumed here, for logging; the body is reassembled as plain text from
// the frontmatter-stripped source rather than rendered to HTML, since the
// prompt is injected into the conversation verbatim, not displayed.
var promptMarkdown = goldmark.New(goldmark.WithExtensions(meta.Meta))

func parsePromptFile(raw []byte) (body string, metadata map[string]interface{}) {
	ctx := parser.NewContext()
	reader := text.NewReader(raw)
	promptMarkdown.Parser().Parse(reader, parser.WithContext(ctx))
	metadata = meta.Get(ctx)

	source := string(raw)
	if idx := bytes.Index(raw, []byte("\n---\n")); bytes.HasPrefix(raw, []byte("---\n")) && idx >= 0 {
		source = string(raw[idx+5:])
	}
	return source, metadata
}

// PromptCache loads a file's content and keeps it cached until an fsnotify
// event fires for that path, so a JIT prompt file is only read once per
// process unless it actually changes on disk. Modeled on a watch-mode file
// watcher (fsnotify.NewWatcher + a Write/Create event loop), scoped down
// to single-file invalidation instead of a whole tree.
type PromptCache struct {
	mu      sync.Mutex
	entries map[string]string
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// NewPromptCache constructs a cache. If the underlying fsnotify watcher
// cannot be created (e.g. inotify limits exhausted), the cache still works
// correctly - it just always re-reads the file, which is safe, only
// slower.
func NewPromptCache(ctx context.Context) *PromptCache {
	pc := &PromptCache{
		entries: make(map[string]string),
		watched: make(map[string]bool),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.G(ctx).WithError(err).Warn("prompt cache: fsnotify unavailable, disabling cache invalidation")
		return pc
	}
	pc.watcher = watcher

	go pc.run(ctx)
	return pc
}

func (pc *PromptCache) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-pc.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				pc.invalidate(event.Name)
			}
		case err, ok := <-pc.watcher.Errors:
			if !ok {
				return
			}
			logger.G(ctx).WithError(err).Warn("prompt cache watcher error")
		}
	}
}

func (pc *PromptCache) invalidate(path string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.entries, path)
	// A removed or renamed file drops its watch; forget it so the next Load
	// watches the path again.
	delete(pc.watched, path)
}

// Load returns the content of path, reading and caching it on first
// access. Subsequent calls return the cached value until a file-change
// event invalidates it.
func (pc *PromptCache) Load(path string) (string, error) {
	pc.mu.Lock()
	if content, ok := pc.entries[path]; ok {
		pc.mu.Unlock()
		return content, nil
	}
	pc.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(ErrConfiguration, "reading prompt file %s: %v", path, err)
	}
	content, metadata := parsePromptFile(raw)
	if len(metadata) > 0 {
		logger.G(context.Background()).WithField("path", path).WithField("metadata", metadata).Debug("parsed prompt frontmatter")
	}

	pc.mu.Lock()
	if pc.watcher != nil {
		pc.entries[path] = content
	}
	watchTarget := filepath.Clean(path)
	alreadyWatched := pc.watched[watchTarget]
	if !alreadyWatched {
		pc.watched[watchTarget] = true
	}
	pc.mu.Unlock()

	if pc.watcher != nil && !alreadyWatched {
		if err := pc.watcher.Add(watchTarget); err != nil {
			logger.G(context.Background()).WithError(err).WithField("path", path).Warn("prompt cache: failed to watch file")
		}
	}

	return content, nil
}

// Close stops the underlying watcher, if any.
func (pc *PromptCache) Close() error {
	if pc.watcher == nil {
		return nil
	}
	return pc.watcher.Close()
}
