package broker

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	allowedListFile = "ids.txt"
	premiumListFile = "premium_ids.txt"

	// visitorCacheSize bounds the per-chat access memo.
	visitorCacheSize = 4096
)

// AppVisitor is the memoised access decision for one chat.
type AppVisitor struct {
	AccessGranted  bool
	Username       string
	LatestAccessAt time.Time
}

// accessData holds the two id sets loaded from disk.
type accessData struct {
	allowed map[string]struct{}
	premium map[string]struct{}
}

// AccessChecker answers whether a chat may use the bot. The id lists load
// lazily exactly once even under concurrency; a failed load is not cached,
// so later calls retry it. Decisions are memoised per chat.
type AccessChecker struct {
	dir     string
	adminID string
	logger  *slog.Logger

	group    singleflight.Group
	data     atomic.Pointer[accessData]
	visitors *lru.Cache[string, *AppVisitor]
}

// NewAccessChecker builds a checker reading ids.txt and premium_ids.txt
// from dir. adminID is always granted, compared case-insensitively.
func NewAccessChecker(dir, adminID string, logger *slog.Logger) (*AccessChecker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	visitors, err := lru.New[string, *AppVisitor](visitorCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "visitor cache")
	}
	return &AccessChecker{
		dir:      dir,
		adminID:  adminID,
		logger:   logger,
		visitors: visitors,
	}, nil
}

// CheckAccess reports whether the chat may proceed. The first decision per
// chat consults the lists; repeats hit the visitor cache and refresh its
// LatestAccessAt. The cached visitor is replaced rather than mutated, so
// concurrent checks for one chat never write to a shared entry.
func (a *AccessChecker) CheckAccess(ctx context.Context, chatID, username string) bool {
	if v, ok := a.visitors.Get(chatID); ok {
		name := v.Username
		if username != "" && username != "_" {
			name = username
		}
		a.visitors.Add(chatID, &AppVisitor{
			AccessGranted:  v.AccessGranted,
			Username:       name,
			LatestAccessAt: time.Now(),
		})
		return v.AccessGranted
	}

	granted := a.evaluate(ctx, chatID)
	a.visitors.Add(chatID, &AppVisitor{
		AccessGranted:  granted,
		Username:       username,
		LatestAccessAt: time.Now(),
	})
	if !granted {
		a.logger.Info("access denied", "chat_id", chatID, "username", username)
	}
	return granted
}

// IsPremium reports whether the chat is on the premium list. Premium chats
// get a non-expiring state.
func (a *AccessChecker) IsPremium(ctx context.Context, chatID string) bool {
	data, err := a.load(ctx)
	if err != nil {
		a.logger.Warn("loading access lists", "error", err)
		return false
	}
	_, ok := data.premium[chatID]
	return ok
}

// Visitor returns the memoised visitor for a chat, if any.
func (a *AccessChecker) Visitor(chatID string) (*AppVisitor, bool) {
	return a.visitors.Get(chatID)
}

func (a *AccessChecker) evaluate(ctx context.Context, chatID string) bool {
	if a.adminID != "" && strings.EqualFold(chatID, a.adminID) {
		return true
	}
	data, err := a.load(ctx)
	if err != nil {
		// Fail closed; the next chat retries the load.
		a.logger.Warn("loading access lists", "error", err)
		return false
	}
	_, ok := data.allowed[chatID]
	return ok
}

// load returns the id sets, reading them on first use. Concurrent first
// callers share a single read.
func (a *AccessChecker) load(_ context.Context) (*accessData, error) {
	if d := a.data.Load(); d != nil {
		return d, nil
	}
	v, err, _ := a.group.Do("access_lists", func() (any, error) {
		if d := a.data.Load(); d != nil {
			return d, nil
		}
		allowed, err := readIDSet(filepath.Join(a.dir, allowedListFile))
		if err != nil {
			return nil, err
		}
		premium, err := readIDSet(filepath.Join(a.dir, premiumListFile))
		if err != nil {
			return nil, err
		}
		d := &accessData{allowed: allowed, premium: premium}
		a.data.Store(d)
		a.logger.Info("access lists loaded", "allowed", len(allowed), "premium", len(premium))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*accessData), nil
}

// readIDSet reads a newline-separated id list. Lines are trimmed, blank
// lines skipped. A missing file yields an empty set.
func readIDSet(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return set, nil
}
