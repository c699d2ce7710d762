package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/botfleet/internal/common"
	"github.com/betbot/botfleet/pkg/cache"
	"github.com/betbot/botfleet/pkg/logger"
)

const (
	KindCommands = "commands"
	KindEvents   = "events"
)

// Kinds lists the unit kinds a bundle can select from.
var Kinds = []string{KindCommands, KindEvents}

var (
	ErrInvalidUnit = errors.New("invalid unit name")
	ErrUnknownUnit = errors.New("unit not found")
	ErrInvalidKind = errors.New("invalid unit kind")
)

var unitName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Options configures the on-disk layout.
type Options struct {
	// CanonicalDir holds the authoritative units: <canonical>/<kind>/<unit><ext>.
	CanonicalDir string
	// DataDir receives shared_code/, user_code/ and bot_cache/.
	DataDir string
	// Ext is the unit file extension, ".js" when empty.
	Ext string
	// CatalogTTL bounds how long the unit listing is cached.
	CatalogTTL time.Duration
}

// Optimizer assembles per-bot bundles out of symlinks into a deduplicated
// shared pool (lazily copied from the canonical source) and per-tenant
// overrides.
type Optimizer struct {
	canonical string
	shared    string
	overrides string
	bundles   string
	ext       string

	copies  singleflight.Group
	locks   *common.KeyLock
	catalog *cache.InMemoryCache[string, map[string][]string]
	now     func() time.Time
}

func New(opts Options) (*Optimizer, error) {
	if opts.DataDir == "" {
		return nil, errors.New("storage: data dir is required")
	}
	if opts.Ext == "" {
		opts.Ext = ".js"
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = time.Minute
	}
	abs := func(p string) (string, error) {
		if p == "" {
			return "", nil
		}
		return filepath.Abs(p)
	}
	canonical, err := abs(opts.CanonicalDir)
	if err != nil {
		return nil, errors.Wrap(err, "canonical dir")
	}
	data, err := abs(opts.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "data dir")
	}
	o := &Optimizer{
		canonical: canonical,
		shared:    filepath.Join(data, "shared_code"),
		overrides: filepath.Join(data, "user_code"),
		bundles:   filepath.Join(data, "bot_cache"),
		ext:       opts.Ext,
		locks:     common.NewKeyLock(32),
		catalog:   cache.NewInMemoryCache[string, map[string][]string](opts.CatalogTTL),
		now:       time.Now,
	}
	for _, d := range []string{o.shared, o.overrides, o.bundles} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", d)
		}
	}
	return o, nil
}

func (o *Optimizer) Close() { o.catalog.Close() }

var tenantDirSanitizer = regexp.MustCompile(`[^A-Za-z0-9@._-]+`)

// OverrideDir is the tenant's override root.
func (o *Optimizer) OverrideDir(tenant string) string {
	return filepath.Join(o.overrides, tenantDirSanitizer.ReplaceAllString(tenant, "_"))
}

// BundleDir is the private bundle directory of botID.
func (o *Optimizer) BundleDir(botID string) string {
	return filepath.Join(o.bundles, tenantDirSanitizer.ReplaceAllString(botID, "_"))
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (o *Optimizer) checkUnit(kind, unit string) error {
	if !validKind(kind) {
		return errors.Wrapf(ErrInvalidKind, "%q", kind)
	}
	if !unitName.MatchString(unit) || strings.Contains(unit, "..") {
		return errors.Wrapf(ErrInvalidUnit, "%q", unit)
	}
	return nil
}

func (o *Optimizer) file(unit string) string {
	if strings.HasSuffix(unit, o.ext) {
		return unit
	}
	return unit + o.ext
}

// Materialize links every selected unit into botID's bundle, preferring
// overrideDir over the shared pool, and prunes links no longer selected.
// Running it twice with the same inputs leaves the bundle unchanged.
func (o *Optimizer) Materialize(ctx context.Context, botID string, selected map[string][]string, overrideDir string) (string, error) {
	unlock := o.locks.Lock(botID)
	defer unlock()

	bundle := o.BundleDir(botID)
	for _, kind := range Kinds {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dir := filepath.Join(bundle, kind)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "mkdir %s", dir)
		}
		want := make(map[string]struct{}, len(selected[kind]))
		for _, unit := range selected[kind] {
			if err := o.checkUnit(kind, unit); err != nil {
				return "", err
			}
			src, err := o.resolve(kind, unit, overrideDir)
			if err != nil {
				return "", err
			}
			name := o.file(unit)
			want[name] = struct{}{}
			if err := relink(src, filepath.Join(dir, name)); err != nil {
				return "", err
			}
		}
		if err := prune(dir, want); err != nil {
			return "", err
		}
	}
	return bundle, nil
}

// resolve picks the override copy when present, else the shared copy.
func (o *Optimizer) resolve(kind, unit, overrideDir string) (string, error) {
	if overrideDir != "" {
		p := filepath.Join(overrideDir, kind, o.file(unit))
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return filepath.Abs(p)
		}
	}
	return o.ensureShared(kind, unit)
}

// ensureShared returns the pool path of unit, copying it from the canonical
// source the first time. Concurrent first uses share one copy.
func (o *Optimizer) ensureShared(kind, unit string) (string, error) {
	dst := filepath.Join(o.shared, kind, o.file(unit))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	_, err, _ := o.copies.Do(kind+"/"+unit, func() (interface{}, error) {
		if _, err := os.Stat(dst); err == nil {
			return nil, nil
		}
		if o.canonical == "" {
			return nil, errors.Wrapf(ErrUnknownUnit, "%s/%s", kind, unit)
		}
		src := filepath.Join(o.canonical, kind, o.file(unit))
		if err := copyAtomic(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(ErrUnknownUnit, "%s/%s", kind, unit)
			}
			return nil, err
		}
		logger.WithFields(logrus.Fields{"kind": kind, "unit": unit}).Debug("shared pool populated")
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "mkdir pool")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "copy %s", src)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "chmod temp")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "rename into %s", dst)
	}
	return nil
}

// relink makes link point at src, leaving a correct link untouched.
func relink(src, link string) error {
	if cur, err := os.Readlink(link); err == nil {
		if cur == src {
			return nil
		}
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale link %s", link)
		}
	} else if !os.IsNotExist(err) {
		// a regular file or directory squatting on the link path
		if err := os.RemoveAll(link); err != nil {
			return errors.Wrapf(err, "clear %s", link)
		}
	}
	if err := os.Symlink(src, link); err != nil {
		return errors.Wrapf(err, "link %s", link)
	}
	return nil
}

func prune(dir string, want map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", dir)
	}
	for _, e := range entries {
		if _, ok := want[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "prune")
		}
	}
	return nil
}

// Reclaim removes botID's bundle. Broken, missing or already removed links
// are not errors.
func (o *Optimizer) Reclaim(botID string) error {
	unlock := o.locks.Lock(botID)
	defer unlock()
	return o.reclaimLocked(botID)
}

func (o *Optimizer) reclaimLocked(botID string) error {
	bundle := o.BundleDir(botID)
	err := filepath.WalkDir(bundle, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unlink bundle %s", botID)
	}
	if err := os.RemoveAll(bundle); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove bundle %s", botID)
	}
	return nil
}

// BundleInfo describes one bundle directory on disk.
type BundleInfo struct {
	BotID   string
	ModTime time.Time
}

func (o *Optimizer) Bundles() ([]BundleInfo, error) {
	entries, err := os.ReadDir(o.bundles)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list bundles")
	}
	out := make([]BundleInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BundleInfo{BotID: e.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

// Sweep reclaims bundles whose bot is not live and that are older than
// minAge, plus abandoned temp files in the shared pool. Bundles being
// materialized right now are skipped.
func (o *Optimizer) Sweep(isLive func(botID string) bool, minAge time.Duration) ([]string, error) {
	bundles, err := o.Bundles()
	if err != nil {
		return nil, err
	}
	cutoff := o.now().Add(-minAge)
	var removed []string
	for _, b := range bundles {
		if isLive(b.BotID) || b.ModTime.After(cutoff) {
			continue
		}
		unlock, ok := o.locks.TryLock(b.BotID)
		if !ok {
			continue
		}
		// a start may have registered and materialized the bot since the
		// first check; the live table is updated before Materialize runs
		if isLive(b.BotID) {
			unlock()
			continue
		}
		err := o.reclaimLocked(b.BotID)
		unlock()
		if err != nil {
			logger.WithField("bot_id", b.BotID).Warnf("sweep bundle: %v", err)
			continue
		}
		removed = append(removed, b.BotID)
	}

	_ = filepath.WalkDir(o.shared, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
		return nil
	})
	sort.Strings(removed)
	return removed, nil
}
