package scanner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".terraform":   true,
	"__pycache__":  true,
}

var dependencyManifests = map[string]bool{
	"go.mod":            true,
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"requirements.txt":  true,
	"Pipfile.lock":      true,
	"poetry.lock":       true,
	"pom.xml":           true,
	"build.gradle":      true,
	"build.gradle.kts":  true,
	"Gemfile.lock":      true,
	"Cargo.lock":        true,
	"composer.lock":     true,
}

var iacExtensions = map[string]bool{
	".tf":    true,
	".bicep": true,
}

// Capabilities summarises what kinds of content a target contains.
type Capabilities struct {
	DependencyManifests []string
	IaCFiles            []string
	ContainerManifests  []string
	// BaseImage is the first FROM image of the first Dockerfile found.
	BaseImage string
}

func (c Capabilities) HasDependencies() bool { return len(c.DependencyManifests) > 0 }
func (c Capabilities) HasIaC() bool { return len(c.IaCFiles) > 0 }
func (c Capabilities) HasContainer() bool { return len(c.ContainerManifests) > 0 }

// Detector inspects a target tree to decide which scanners apply.
type Detector struct {
	fs afero.Fs
}

// NewDetector returns a detector over fs. A nil fs means the OS filesystem.
func NewDetector(fs afero.Fs) *Detector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Detector{fs: fs}
}

// Detect walks root and classifies the files it finds. Paths in the result
// are relative to root.
func (d *Detector) Detect(root string) (Capabilities, error) {
	var caps Capabilities
	err := afero.Walk(d.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel := RelativePath(root, p)
		name := info.Name()
		switch {
		case dependencyManifests[name]:
			caps.DependencyManifests = append(caps.DependencyManifests, rel)
		case isDockerfile(name):
			caps.ContainerManifests = append(caps.ContainerManifests, rel)
			if caps.BaseImage == "" {
				caps.BaseImage = d.baseImage(p)
			}
		case iacExtensions[filepath.Ext(name)] || isKubernetesManifest(rel) || isCloudFormation(name):
			caps.IaCFiles = append(caps.IaCFiles, rel)
		}
		return nil
	})
	if err != nil {
		return caps, fmt.Errorf("detect capabilities in %s: %w", root, err)
	}
	return caps, nil
}

func isDockerfile(name string) bool {
	lower := strings.ToLower(name)
	return lower == "dockerfile" || lower == "containerfile" ||
		strings.HasPrefix(lower, "dockerfile.") || strings.HasSuffix(lower, ".dockerfile")
}

func isKubernetesManifest(rel string) bool {
	ext := filepath.Ext(rel)
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	if filepath.Base(rel) == "Chart.yaml" {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		switch part {
		case "k8s", "kubernetes", "manifests", "helm", "charts":
			return true
		}
	}
	return false
}

func isCloudFormation(name string) bool {
	switch strings.ToLower(name) {
	case "template.yaml", "template.yml", "template.json", "serverless.yml", "serverless.yaml":
		return true
	}
	return false
}

// baseImage returns the image of the first FROM instruction, ignoring
// scratch and references that need build arguments.
func (d *Detector) baseImage(path string) string {
	f, err := d.fs.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.EqualFold(fields[0], "FROM") {
			continue
		}
		for _, field := range fields[1:] {
			if strings.HasPrefix(field, "--") {
				continue
			}
			if field == "scratch" || strings.Contains(field, "$") {
				return ""
			}
			return field
		}
	}
	return ""
}
