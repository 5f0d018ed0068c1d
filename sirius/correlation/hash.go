package correlation

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// ContentHasher fingerprints the code a finding points at, so a later scan
// can tell whether the location is unchanged.
type ContentHasher interface {
	Hash(root string, v *vulnerability.Vulnerability) string
}

// FileHasher hashes the referenced line range from the target filesystem,
// falling back to the reported snippet. Whitespace is ignored so that
// re-indentation does not break correlation.
type FileHasher struct {
	fs afero.Fs
}

// NewFileHasher returns a hasher over fs. A nil fs means the OS filesystem.
func NewFileHasher(fs afero.Fs) *FileHasher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileHasher{fs: fs}
}

func (h *FileHasher) Hash(root string, v *vulnerability.Vulnerability) string {
	if v.FilePath != nil && v.LineStart != nil {
		end := *v.LineStart
		if v.LineEnd != nil && *v.LineEnd >= end {
			end = *v.LineEnd
		}
		if content, ok := h.lines(path.Join(root, *v.FilePath), *v.LineStart, end); ok {
			return digest(content)
		}
	}
	if v.CodeSnippet != nil {
		return digest(*v.CodeSnippet)
	}
	return ""
}

func (h *FileHasher) lines(file string, start, end int) (string, bool) {
	f, err := h.fs.Open(file)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; sc.Scan() && n <= end; n++ {
		if n >= start {
			b.WriteString(sc.Text())
			b.WriteByte('\n')
		}
	}
	if sc.Err() != nil || b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(s), " ")))
	return hex.EncodeToString(sum[:])
}

// SnippetHasher uses only the reported snippet. It needs no filesystem.
type SnippetHasher struct{}

func (SnippetHasher) Hash(_ string, v *vulnerability.Vulnerability) string {
	if v.CodeSnippet == nil {
		return ""
	}
	return digest(*v.CodeSnippet)
}
