package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStride is the number of lines between recorded byte offsets.
const DefaultStride = 1024

// ErrEmpty is returned when a line is requested from an index with no lines.
var ErrEmpty = errors.New("index is empty")

// Lines describes the line layout of one version of an index file: how
// many lines it has and the byte offset of every Stride-th line. Reading
// line n seeks to Offsets[n/Stride] and scans at most Stride lines, so a
// random line costs one seek and a bounded read regardless of file size.
type Lines struct {
	Count   int
	Stride  int
	Offsets []int64
}

// lineWriter writes newline-delimited entries and records their layout.
type lineWriter struct {
	w      *bufio.Writer
	offset int64
	lines  Lines
}

func newLineWriter(w io.Writer, stride int) *lineWriter {
	return &lineWriter{w: bufio.NewWriter(w), lines: Lines{Stride: stride}}
}

func (lw *lineWriter) WriteLine(s string) error {
	if lw.lines.Count%lw.lines.Stride == 0 {
		lw.lines.Offsets = append(lw.lines.Offsets, lw.offset)
	}
	n, err := lw.w.WriteString(s + "\n")
	if err != nil {
		return err
	}
	lw.offset += int64(n)
	lw.lines.Count++
	return nil
}

func (lw *lineWriter) Flush() error {
	return lw.w.Flush()
}

// scanLines computes the layout of r from the start.
func scanLines(r io.Reader, stride int) (Lines, error) {
	lines := Lines{Stride: stride}
	br := bufio.NewReader(r)
	var offset int64
	for {
		chunk, err := br.ReadString('\n')
		if len(chunk) > 0 {
			if lines.Count%stride == 0 {
				lines.Offsets = append(lines.Offsets, offset)
			}
			offset += int64(len(chunk))
			lines.Count++
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return Lines{}, err
		}
	}
}

// fileVersion identifies one on-disk incarnation of an index file.
// Rebuilds replace files by rename, which always yields a new inode.
type fileVersion struct {
	info    os.FileInfo
	size    int64
	modTime time.Time
}

func versionOf(info os.FileInfo) fileVersion {
	return fileVersion{info: info, size: info.Size(), modTime: info.ModTime()}
}

func (v fileVersion) same(o fileVersion) bool {
	return v.size == o.size && v.modTime.Equal(o.modTime) && os.SameFile(v.info, o.info)
}

type cachedLines struct {
	version fileVersion
	lines   Lines
}

// LineReader serves single lines out of index files without loading them.
// Line layouts are computed once per file version and cached; a replaced
// file is detected by its new identity and rescanned on first use.
// It is safe for concurrent use.
type LineReader struct {
	stride int

	mu    sync.Mutex
	cache map[string]cachedLines
}

// NewLineReader returns a LineReader that records an offset every stride
// lines when it has to scan a file itself. stride <= 0 uses DefaultStride.
func NewLineReader(stride int) *LineReader {
	if stride <= 0 {
		stride = DefaultStride
	}
	return &LineReader{stride: stride, cache: make(map[string]cachedLines)}
}

// Seed records a layout that is already known, typically from the build
// that just wrote path, so the file never has to be counted.
func (r *LineReader) Seed(path string, lines Lines) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat index: %w", err)
	}
	r.mu.Lock()
	r.cache[path] = cachedLines{version: versionOf(info), lines: lines}
	r.mu.Unlock()
	return nil
}

// Forget drops any cached layout for path.
func (r *LineReader) Forget(path string) {
	r.mu.Lock()
	delete(r.cache, path)
	r.mu.Unlock()
}

// Count returns the number of lines in the file at path.
func (r *LineReader) Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lines, err := r.layout(path, f)
	if err != nil {
		return 0, err
	}
	return lines.Count, nil
}

// Pick opens path once, asks choose for a line number given the line count
// of that exact file version, and returns the chosen line. Count and read
// come from the same open file, so a rebuild swapping the file in between
// cannot produce an out-of-range read. choose must return a value in
// [0, count).
func (r *LineReader) Pick(path string, choose func(count int) int) (line string, n int, count int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, err
	}
	defer f.Close()

	lines, err := r.layout(path, f)
	if err != nil {
		return "", 0, 0, err
	}
	if lines.Count == 0 {
		return "", 0, 0, ErrEmpty
	}

	n = choose(lines.Count)
	if n < 0 || n >= lines.Count {
		return "", 0, lines.Count, fmt.Errorf("line %d out of range [0, %d)", n, lines.Count)
	}

	line, err = readLineAt(f, lines, n)
	if err != nil {
		return "", 0, lines.Count, err
	}
	return line, n, lines.Count, nil
}

// Line returns line n (0-based) of the file at path.
func (r *LineReader) Line(path string, n int) (string, error) {
	line, _, _, err := r.Pick(path, func(int) int { return n })
	return line, err
}

// layout returns the cached layout for the version of f, scanning f if needed.
func (r *LineReader) layout(path string, f *os.File) (Lines, error) {
	info, err := f.Stat()
	if err != nil {
		return Lines{}, fmt.Errorf("failed to stat index: %w", err)
	}
	version := versionOf(info)

	r.mu.Lock()
	cached, ok := r.cache[path]
	r.mu.Unlock()
	if ok && cached.version.same(version) {
		return cached.lines, nil
	}

	start := time.Now()
	lines, err := scanLines(f, r.stride)
	if err != nil {
		return Lines{}, fmt.Errorf("failed to count index lines: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int("lines", lines.Count).
		Dur("duration", time.Since(start)).
		Msg("Index lines counted")

	r.mu.Lock()
	r.cache[path] = cachedLines{version: version, lines: lines}
	r.mu.Unlock()
	return lines, nil
}

func readLineAt(f *os.File, lines Lines, n int) (string, error) {
	k := n / lines.Stride
	if k >= len(lines.Offsets) {
		return "", fmt.Errorf("no offset recorded for line %d", n)
	}
	if _, err := f.Seek(lines.Offsets[k], io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek index: %w", err)
	}

	br := bufio.NewReader(f)
	for i := k * lines.Stride; ; i++ {
		s, err := br.ReadString('\n')
		if i == n {
			if err != nil && err != io.EOF {
				return "", err
			}
			if s == "" {
				return "", fmt.Errorf("line %d missing from index", n)
			}
			return strings.TrimRight(s, "\r\n"), nil
		}
		if err != nil {
			return "", fmt.Errorf("line %d missing from index: %w", n, err)
		}
	}
}

// eachLine calls fn for every non-empty line of r, without the terminator.
func eachLine(r io.Reader, fn func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
	return sc.Err()
}
