package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/servos-os/servos/internal/fs/initrd"
)

// Manifest is the YAML description of an image.
type Manifest struct {
	// Requires is the minimum mkinitrd version the manifest needs.
	Requires string         `yaml:"requires"`
	Output   string         `yaml:"output"`
	Dirs     []string       `yaml:"dirs"`
	Files    []ManifestFile `yaml:"files"`
}

// ManifestFile is one file entry: bytes come from Source (a host path,
// relative to the manifest) or inline from Content.
type ManifestFile struct {
	Path    string `yaml:"path"`
	Source  string `yaml:"source"`
	Content string `yaml:"content"`
}

func cmdPack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	manifestPath := fs.String("manifest", "initrd.yaml", "manifest file")
	output := fs.String("o", "", "output image (overrides the manifest)")
	quiet := fs.Bool("q", false, "no progress output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		return err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parsing %s: %w", *manifestPath, err)
	}

	if m.Requires != "" {
		if !semver.IsValid(m.Requires) {
			return fmt.Errorf("manifest requires %q: not a semantic version", m.Requires)
		}
		if semver.Compare(version, m.Requires) < 0 {
			return fmt.Errorf("manifest requires mkinitrd %s, this is %s", m.Requires, version)
		}
	}

	out := m.Output
	if *output != "" {
		out = *output
	}
	if out == "" {
		return fmt.Errorf("no output: set output in the manifest or pass -o")
	}

	builder := initrd.NewBuilder()
	for _, dir := range m.Dirs {
		if err := builder.AddDir(dir); err != nil {
			return err
		}
	}

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.Default(int64(len(m.Files)), "packing")
	}
	base := filepath.Dir(*manifestPath)
	for _, f := range m.Files {
		data := []byte(f.Content)
		if f.Source != "" {
			src := f.Source
			if !filepath.IsAbs(src) {
				src = filepath.Join(base, src)
			}
			if data, err = os.ReadFile(src); err != nil {
				return err
			}
		}
		if err := builder.AddFile(f.Path, data); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	img := builder.Build()
	if err := os.WriteFile(out, img, 0o644); err != nil {
		return err
	}
	if !*quiet {
		fmt.Printf("wrote %s (%d bytes, %d entries)\n", out, len(img), len(m.Files)+len(m.Dirs)+1)
	}
	return nil
}
