package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// Package kinds, named after their file extension.
const (
	KindStar = "star"
	KindWASM = "wasm"
)

// ErrNotInstalled is returned by Lookup and Remove for unknown packages.
var ErrNotInstalled = errors.New("package not installed")

var importName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PkgConfig configures the package installer.
type PkgConfig struct {
	PackageDir      string   // installed packages live here
	IndexDir        string   // <index>/<name>/<version>.(star|wasm)
	AllowedPackages []string // if set, only these import names can be installed
	Fetch           FetchConfig
}

func DefaultPkgConfig() PkgConfig {
	return PkgConfig{PackageDir: ".gorepl/packages"}
}

// Installed describes a package present in the package directory.
type Installed struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kind    string `json:"kind"`
	Path    string `json:"path"`
}

// Installer resolves package specifiers and installs them into PackageDir.
type Installer struct {
	cfg   PkgConfig
	fetch *fetcher
}

func NewInstaller(cfg PkgConfig) *Installer {
	return &Installer{cfg: cfg, fetch: newFetcher(cfg.Fetch)}
}

func (i *Installer) PackageDir() string { return i.cfg.PackageDir }

// Lookup finds an installed package by import name.
func (i *Installer) Lookup(name string) (Installed, error) {
	if !importName.MatchString(name) {
		return Installed{}, fmt.Errorf("invalid package name %q", name)
	}
	for _, kind := range []string{KindStar, KindWASM} {
		p := filepath.Join(i.cfg.PackageDir, name+"."+kind)
		if _, err := os.Stat(p); err == nil {
			return Installed{Name: name, Version: i.version(name), Kind: kind, Path: p}, nil
		}
	}
	return Installed{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
}

func (i *Installer) version(name string) string {
	data, err := os.ReadFile(filepath.Join(i.cfg.PackageDir, name+".version"))
	if err != nil {
		return "unknown"
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return "unknown"
}

// List returns installed packages sorted by name.
func (i *Installer) List() ([]Installed, error) {
	entries, err := os.ReadDir(i.cfg.PackageDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read package dir: %w", err)
	}

	var out []Installed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, kind, ok := splitPackageFile(e.Name())
		if !ok {
			continue
		}
		out = append(out, Installed{
			Name:    name,
			Version: i.version(name),
			Kind:    kind,
			Path:    filepath.Join(i.cfg.PackageDir, e.Name()),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// Remove deletes an installed package and its version sidecar.
func (i *Installer) Remove(name string) error {
	pkg, err := i.Lookup(name)
	if err != nil {
		return err
	}
	if err := os.Remove(pkg.Path); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	os.Remove(filepath.Join(i.cfg.PackageDir, name+".version"))
	return nil
}

// Install resolves spec and installs it under the import name.
//
// spec is one of: "name", "name==vX.Y.Z" (both resolved against IndexDir),
// a path to a .star or .wasm file, or an http(s) URL to one.
func (i *Installer) Install(ctx context.Context, name, spec string, pre bool) (Installed, error) {
	if !importName.MatchString(name) {
		return Installed{}, fmt.Errorf("invalid package name %q", name)
	}
	if !i.allowed(name) {
		return Installed{}, fmt.Errorf("package %q not allowed", name)
	}
	if spec == "" {
		spec = name
	}

	data, kind, version, err := i.resolve(ctx, spec, pre)
	if err != nil {
		return Installed{}, err
	}

	if err := os.MkdirAll(i.cfg.PackageDir, 0o755); err != nil {
		return Installed{}, fmt.Errorf("failed to create package dir: %w", err)
	}

	// Only one kind may be installed per name.
	for _, k := range []string{KindStar, KindWASM} {
		if k != kind {
			os.Remove(filepath.Join(i.cfg.PackageDir, name+"."+k))
		}
	}

	dest := filepath.Join(i.cfg.PackageDir, name+"."+kind)
	if err := writeFileAtomic(dest, data); err != nil {
		return Installed{}, err
	}
	if err := os.WriteFile(filepath.Join(i.cfg.PackageDir, name+".version"), []byte(version+"\n"), 0o644); err != nil {
		return Installed{}, fmt.Errorf("write version: %w", err)
	}

	return Installed{Name: name, Version: version, Kind: kind, Path: dest}, nil
}

func (i *Installer) allowed(name string) bool {
	if len(i.cfg.AllowedPackages) == 0 {
		return true
	}
	for _, p := range i.cfg.AllowedPackages {
		if p == name {
			return true
		}
	}
	return false
}

func (i *Installer) resolve(ctx context.Context, spec string, pre bool) ([]byte, string, string, error) {
	switch {
	case strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://"):
		u, perr := url.Parse(spec)
		if perr != nil {
			return nil, "", "", fmt.Errorf("invalid url %q", spec)
		}
		kind, ok := kindOf(path.Base(u.Path))
		if !ok {
			return nil, "", "", fmt.Errorf("%s: not a .star or .wasm file", spec)
		}
		data, err := i.fetch.get(ctx, spec)
		if err != nil {
			return nil, "", "", err
		}
		return data, kind, versionFromFile(path.Base(u.Path)), nil

	case strings.ContainsRune(spec, os.PathSeparator) || strings.ContainsRune(spec, '/') || hasPackageExt(spec):
		kind, ok := kindOf(spec)
		if !ok {
			return nil, "", "", fmt.Errorf("%s: not a .star or .wasm file", spec)
		}
		data, err := os.ReadFile(spec)
		if err != nil {
			return nil, "", "", fmt.Errorf("read %s: %w", spec, err)
		}
		return data, kind, versionFromFile(filepath.Base(spec)), nil
	}

	name, want, _ := strings.Cut(spec, "==")
	return i.resolveIndex(strings.TrimSpace(name), strings.TrimSpace(want), pre)
}

// resolveIndex picks the highest matching version of name from IndexDir.
func (i *Installer) resolveIndex(name, want string, pre bool) ([]byte, string, string, error) {
	if i.cfg.IndexDir == "" {
		return nil, "", "", fmt.Errorf("no package index configured for %q", name)
	}
	if !importName.MatchString(name) {
		return nil, "", "", fmt.Errorf("invalid package name %q", name)
	}
	if want != "" && !strings.HasPrefix(want, "v") {
		want = "v" + want
	}
	if want != "" && !semver.IsValid(want) {
		return nil, "", "", fmt.Errorf("invalid version %q", want)
	}

	dir := filepath.Join(i.cfg.IndexDir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", "", fmt.Errorf("no matching distribution found for %s", name)
	}

	var best, bestFile, bestKind string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, kind, ok := splitPackageFile(e.Name())
		if !ok || !semver.IsValid(v) {
			continue
		}
		if want != "" {
			if semver.Compare(v, want) != 0 {
				continue
			}
		} else if semver.Prerelease(v) != "" && !pre {
			continue
		}
		if best == "" || semver.Compare(v, best) > 0 {
			best, bestFile, bestKind = v, e.Name(), kind
		}
	}
	if best == "" {
		if want != "" {
			return nil, "", "", fmt.Errorf("no matching distribution found for %s==%s", name, want)
		}
		return nil, "", "", fmt.Errorf("no matching distribution found for %s", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, bestFile))
	if err != nil {
		return nil, "", "", fmt.Errorf("read %s: %w", bestFile, err)
	}
	return data, bestKind, best, nil
}

func splitPackageFile(file string) (stem, kind string, ok bool) {
	kind, ok = kindOf(file)
	if !ok {
		return "", "", false
	}
	return strings.TrimSuffix(file, "."+kind), kind, true
}

func kindOf(file string) (string, bool) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".star":
		return KindStar, true
	case ".wasm":
		return KindWASM, true
	}
	return "", false
}

func hasPackageExt(spec string) bool {
	_, ok := kindOf(spec)
	return ok
}

// versionFromFile extracts "v1.2.3" from names like "mathx-v1.2.3.star".
func versionFromFile(file string) string {
	stem, _, _ := splitPackageFile(file)
	if idx := strings.LastIndex(stem, "-"); idx >= 0 {
		if v := stem[idx+1:]; semver.IsValid(v) {
			return v
		}
	}
	return "unknown"
}

func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install %s: %w", dest, err)
	}
	return nil
}
