package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const catalogKey = "catalog"

// Catalog lists the selectable unit names per kind from the canonical
// source. Names containing "example" are hidden. The result is cached.
func (o *Optimizer) Catalog() (map[string][]string, error) {
	return o.catalog.GetOrLoad(catalogKey, o.scanCatalog)
}

// RefreshCatalog drops the cached listing and rebuilds it.
func (o *Optimizer) RefreshCatalog() (map[string][]string, error) {
	o.catalog.Delete(catalogKey)
	return o.Catalog()
}

func (o *Optimizer) scanCatalog() (map[string][]string, error) {
	out := make(map[string][]string, len(Kinds))
	for _, kind := range Kinds {
		out[kind] = []string{}
		if o.canonical == "" {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(o.canonical, kind))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "scan %s", kind)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, o.ext) {
				continue
			}
			unit := strings.TrimSuffix(name, o.ext)
			if strings.Contains(strings.ToLower(unit), "example") {
				continue
			}
			out[kind] = append(out[kind], unit)
		}
		sort.Strings(out[kind])
	}
	return out, nil
}

// Unit source labels reported by ReadUnit.
const (
	SourceOverride = "override"
	SourceShared   = "shared"
)

// ReadUnit returns the content a bot of tenant would run for unit.
func (o *Optimizer) ReadUnit(tenant, kind, unit string) ([]byte, string, error) {
	if err := o.checkUnit(kind, unit); err != nil {
		return nil, "", err
	}
	p := filepath.Join(o.OverrideDir(tenant), kind, o.file(unit))
	if b, err := os.ReadFile(p); err == nil {
		return b, SourceOverride, nil
	} else if !os.IsNotExist(err) {
		return nil, "", errors.Wrapf(err, "read override %s/%s", kind, unit)
	}
	shared, err := o.ensureShared(kind, unit)
	if err != nil {
		return nil, "", err
	}
	b, err := os.ReadFile(shared)
	if err != nil {
		return nil, "", errors.Wrapf(err, "read shared %s/%s", kind, unit)
	}
	return b, SourceShared, nil
}

// SaveOverride stores tenant's private copy of unit. Bots pick it up on their
// next materialization.
func (o *Optimizer) SaveOverride(tenant, kind, unit string, content []byte) error {
	if err := o.checkUnit(kind, unit); err != nil {
		return err
	}
	if o.canonical != "" {
		if _, err := os.Stat(filepath.Join(o.canonical, kind, o.file(unit))); os.IsNotExist(err) {
			return errors.Wrapf(ErrUnknownUnit, "%s/%s", kind, unit)
		}
	}
	dst := filepath.Join(o.OverrideDir(tenant), kind, o.file(unit))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "mkdir override")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write override")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close override")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "rename override")
	}
	return nil
}

// ResetOverride deletes tenant's copy so the shared one applies again.
// Resetting a unit without an override is not an error.
func (o *Optimizer) ResetOverride(tenant, kind, unit string) error {
	if err := o.checkUnit(kind, unit); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(o.OverrideDir(tenant), kind, o.file(unit)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove override")
	}
	return nil
}

// Stats summarizes how much disk linking saves over per-bot copies.
type Stats struct {
	SharedUnits  int   `json:"shared_units"`
	SharedBytes  int64 `json:"shared_bytes"`
	Bundles      int   `json:"bundles"`
	BundleLinks  int   `json:"bundle_links"`
	BrokenLinks  int   `json:"broken_links"`
	BytesSaved   int64 `json:"bytes_saved"`
	OverrideSets int   `json:"override_tenants"`
}

func (o *Optimizer) Stats() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(o.shared, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			st.SharedUnits++
			st.SharedBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return st, errors.Wrap(err, "walk shared pool")
	}

	bundles, err := o.Bundles()
	if err != nil {
		return st, err
	}
	st.Bundles = len(bundles)
	for _, b := range bundles {
		_ = filepath.WalkDir(o.BundleDir(b.BotID), func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			st.BundleLinks++
			info, err := os.Stat(path)
			if err != nil {
				st.BrokenLinks++
				return nil
			}
			st.BytesSaved += info.Size()
			return nil
		})
	}

	if entries, err := os.ReadDir(o.overrides); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				st.OverrideSets++
			}
		}
	}
	return st, nil
}
