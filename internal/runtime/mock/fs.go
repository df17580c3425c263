package mock

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// memFS is the in-memory workspace behind a mock sandbox.
type memFS struct {
	mu    sync.Mutex
	root  string
	now   func() time.Time
	files map[string]*memFile
	dirs  map[string]time.Time
}

type memFile struct {
	data  []byte
	mtime time.Time
}

func newMemFS(root string, now func() time.Time) *memFS {
	return &memFS{
		root:  root,
		now:   now,
		files: make(map[string]*memFile),
		dirs:  map[string]time.Time{"/": now(), root: now()},
	}
}

func (f *memFS) writeFile(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = f.abs(p)
	f.mkdirAllLocked(path.Dir(p))
	f.files[p] = &memFile{data: append([]byte(nil), data...), mtime: f.now()}
}

func (f *memFS) mkdirAll(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(f.abs(p))
}

func (f *memFS) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = f.root + "/" + p
	}
	return path.Clean(p)
}

func (f *memFS) mkdirAllLocked(p string) error {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := f.files[cur]; ok {
			return fmt.Errorf("mkdir: cannot create directory '%s': File exists", cur)
		}
		if cur == "/" {
			break
		}
	}
	for cur := p; cur != "/"; cur = path.Dir(cur) {
		if _, ok := f.dirs[cur]; ok {
			break
		}
		f.dirs[cur] = f.now()
	}
	return nil
}

func isUnder(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}

// exec emulates the coreutils/findutils invocations the proxy and scanner use.
func (f *memFS) exec(argv []string) *types.ExecResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(argv) == 0 {
		return &types.ExecResult{ExitCode: 127, Stderr: "empty command\n"}
	}
	var (
		out string
		err error
	)
	switch argv[0] {
	case "find":
		out, err = f.find(argv[1:])
	case "stat":
		out, err = f.stat(argv[1:])
	case "head":
		out, err = f.head(argv[1:])
	case "mkdir":
		err = f.mkdir(argv[1:])
	case "rm":
		f.rm(argv[1:])
	case "mv":
		err = f.mv(argv[1:])
	default:
		return &types.ExecResult{ExitCode: 127, Stderr: argv[0] + ": command not found\n"}
	}
	if err != nil {
		return &types.ExecResult{Stdout: out, ExitCode: 1, Stderr: err.Error() + "\n"}
	}
	return &types.ExecResult{Stdout: out}
}

// operands returns the non-flag arguments, honoring "--".
func operands(args []string) []string {
	var out []string
	for i, a := range args {
		if a == "--" {
			return append(out, args[i+1:]...)
		}
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

// flagValue returns the argument following name and the remaining operands.
func flagValue(args []string, name string) (string, []string) {
	var rest []string
	val := ""
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			val = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return val, rest
}

func (f *memFS) find(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("find: missing path")
	}
	start := path.Clean(args[0])
	minDepth, maxDepth, format := 0, -1, "%p\\n"
	for i := 1; i+1 < len(args); i += 2 {
		switch args[i] {
		case "-mindepth":
			minDepth, _ = strconv.Atoi(args[i+1])
		case "-maxdepth":
			maxDepth, _ = strconv.Atoi(args[i+1])
		case "-printf":
			format = args[i+1]
		}
	}
	if _, ok := f.dirs[start]; !ok {
		if _, ok := f.files[start]; !ok {
			return "", fmt.Errorf("find: '%s': No such file or directory", start)
		}
	}

	type entry struct {
		p     string
		dir   bool
		size  int64
		mtime time.Time
	}
	entries := []entry{}
	if d, ok := f.dirs[start]; ok {
		entries = append(entries, entry{p: start, dir: true, size: 4096, mtime: d})
	}
	for p, d := range f.dirs {
		if isUnder(p, start) {
			entries = append(entries, entry{p: p, dir: true, size: 4096, mtime: d})
		}
	}
	for p, file := range f.files {
		if p == start || isUnder(p, start) {
			entries = append(entries, entry{p: p, size: int64(len(file.data)), mtime: file.mtime})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].p < entries[j].p })

	var b strings.Builder
	for _, e := range entries {
		rel := strings.TrimPrefix(strings.TrimPrefix(e.p, start), "/")
		depth := 0
		if rel != "" {
			depth = strings.Count(rel, "/") + 1
		}
		if depth < minDepth || (maxDepth >= 0 && depth > maxDepth) {
			continue
		}
		b.WriteString(printf(format, e.p, rel, e.dir, e.size, e.mtime))
	}
	return b.String(), nil
}

func printf(format, p, rel string, dir bool, size int64, mtime time.Time) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c == '\\' && i+1 < len(format) {
			i++
			switch format[i] {
			case '0':
				b.WriteByte(0)
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte(format[i])
			}
			continue
		}
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'y':
			if dir {
				b.WriteByte('d')
			} else {
				b.WriteByte('f')
			}
		case 's':
			b.WriteString(strconv.FormatInt(size, 10))
		case 'f':
			b.WriteString(path.Base(p))
		case 'P':
			b.WriteString(rel)
		case 'p':
			b.WriteString(p)
		case 'T':
			if i+1 < len(format) && format[i+1] == '@' {
				i++
				fmt.Fprintf(&b, "%d.%09d0", mtime.Unix(), mtime.Nanosecond())
			}
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

func (f *memFS) stat(args []string) (string, error) {
	format, rest := flagValue(args, "-c")
	ops := operands(rest)
	if len(ops) != 1 {
		return "", errors.New("stat: missing operand")
	}
	p := path.Clean(ops[0])
	var (
		kind  string
		size  int64
		mtime time.Time
	)
	if d, ok := f.dirs[p]; ok {
		kind, size, mtime = "directory", 4096, d
	} else if file, ok := f.files[p]; ok {
		kind, size, mtime = "regular file", int64(len(file.data)), file.mtime
		if size == 0 {
			kind = "regular empty file"
		}
	} else {
		return "", fmt.Errorf("stat: cannot statx '%s': No such file or directory", p)
	}
	r := strings.NewReplacer(
		"%F", kind,
		"%s", strconv.FormatInt(size, 10),
		"%Y", strconv.FormatInt(mtime.Unix(), 10),
	)
	return r.Replace(format) + "\n", nil
}

func (f *memFS) head(args []string) (string, error) {
	n, rest := flagValue(args, "-c")
	limit, err := strconv.Atoi(n)
	if err != nil {
		return "", fmt.Errorf("head: invalid number of bytes: '%s'", n)
	}
	ops := operands(rest)
	if len(ops) != 1 {
		return "", errors.New("head: missing operand")
	}
	p := path.Clean(ops[0])
	if _, ok := f.dirs[p]; ok {
		return "", fmt.Errorf("head: error reading '%s': Is a directory", p)
	}
	file, ok := f.files[p]
	if !ok {
		return "", fmt.Errorf("head: cannot open '%s' for reading: No such file or directory", p)
	}
	if len(file.data) <= limit {
		return string(file.data), nil
	}
	return string(file.data[:limit]), nil
}

func (f *memFS) mkdir(args []string) error {
	for _, p := range operands(args) {
		if err := f.mkdirAllLocked(path.Clean(p)); err != nil {
			return err
		}
	}
	return nil
}

func (f *memFS) rm(args []string) {
	for _, p := range operands(args) {
		p = path.Clean(p)
		delete(f.files, p)
		delete(f.dirs, p)
		for k := range f.files {
			if isUnder(k, p) {
				delete(f.files, k)
			}
		}
		for k := range f.dirs {
			if isUnder(k, p) {
				delete(f.dirs, k)
			}
		}
	}
}

func (f *memFS) mv(args []string) error {
	ops := operands(args)
	if len(ops) != 2 {
		return errors.New("mv: missing destination file operand")
	}
	src, dst := path.Clean(ops[0]), path.Clean(ops[1])
	if _, ok := f.dirs[dst]; ok {
		dst = path.Join(dst, path.Base(src))
	}
	if _, ok := f.dirs[path.Dir(dst)]; !ok {
		return fmt.Errorf("mv: cannot move '%s' to '%s': No such file or directory", src, dst)
	}
	if file, ok := f.files[src]; ok {
		delete(f.files, src)
		f.files[dst] = file
		return nil
	}
	mtime, ok := f.dirs[src]
	if !ok {
		return fmt.Errorf("mv: cannot stat '%s': No such file or directory", src)
	}
	if isUnder(dst, src) {
		return fmt.Errorf("mv: cannot move '%s' to a subdirectory of itself", src)
	}
	delete(f.dirs, src)
	f.dirs[dst] = mtime
	for k, v := range f.dirs {
		if isUnder(k, src) {
			delete(f.dirs, k)
			f.dirs[dst+strings.TrimPrefix(k, src)] = v
		}
	}
	for k, v := range f.files {
		if isUnder(k, src) {
			delete(f.files, k)
			f.files[dst+strings.TrimPrefix(k, src)] = v
		}
	}
	return nil
}

func (f *memFS) untar(dir string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir = path.Clean(dir)
	if _, ok := f.dirs[dir]; !ok {
		return fmt.Errorf("Could not find the file %s in container: %w", dir, types.ErrNotFound)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := path.Join(dir, hdr.Name)
		if !security.Within(dir, target) {
			return fmt.Errorf("%w: %s", types.ErrInvalidPath, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := f.mkdirAllLocked(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := f.mkdirAllLocked(path.Dir(target)); err != nil {
				return err
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			mtime := hdr.ModTime
			if mtime.IsZero() {
				mtime = f.now()
			}
			f.files[target] = &memFile{data: data, mtime: mtime}
		}
	}
}

func (f *memFS) tar(p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := path.Dir(p)

	if file, ok := f.files[p]; ok {
		if err := writeTarFile(tw, path.Base(p), file); err != nil {
			return nil, err
		}
	} else if mtime, ok := f.dirs[p]; ok {
		var names []string
		for k := range f.dirs {
			if isUnder(k, p) {
				names = append(names, k)
			}
		}
		for k := range f.files {
			if isUnder(k, p) {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		if err := tw.WriteHeader(&tar.Header{Name: path.Base(p) + "/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: mtime}); err != nil {
			return nil, err
		}
		for _, k := range names {
			rel := strings.TrimPrefix(k, base+"/")
			if base == "/" {
				rel = strings.TrimPrefix(k, "/")
			}
			if file, ok := f.files[k]; ok {
				if err := writeTarFile(tw, rel, file); err != nil {
					return nil, err
				}
				continue
			}
			if err := tw.WriteHeader(&tar.Header{Name: rel + "/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: f.dirs[k]}); err != nil {
				return nil, err
			}
		}
	} else {
		return nil, fmt.Errorf("Could not find the file %s in container: %w", p, types.ErrNotFound)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func writeTarFile(tw *tar.Writer, name string, file *memFile) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(file.data)),
		ModTime:  file.mtime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(file.data)
	return err
}
