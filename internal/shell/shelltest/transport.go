// Package shelltest provides an in-memory shell.Transport that emulates the
// command surface the backup engine emits: subvolume create/list/snapshot/
// delete, file read/write, and the send/receive pipeline. Each host named
// by a URL gets its own filesystem, so jobs spanning "remote" endpoints are
// testable without btrfs, ssh, or root.
package shelltest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sxbackup/btrfs-sxbackup/internal/shell"
)

type subvol struct {
	id       int
	gen      int
	topLevel int
	readonly bool
}

// host is the filesystem of one endpoint, keyed by absolute path.
type host struct {
	subvols map[string]*subvol
	files   map[string][]byte
	nextID  int
}

func newHost() *host {
	return &host{subvols: map[string]*subvol{}, files: map[string][]byte{}, nextID: 256}
}

// Transport is the in-memory fake. The zero value is not usable; create
// instances with New.
type Transport struct {
	mu    sync.Mutex
	hosts map[string]*host

	// HavePV makes the local `type pv` probe succeed and serves a pv
	// process that pipes stdin to stdout.
	HavePV bool

	// FailReceive makes every receive process exit non-zero after
	// consuming its stream, for exercising pipeline failure recovery.
	FailReceive bool

	// Commands records every executed command line for assertions.
	Commands []string
}

// New creates an empty fake transport.
func New() *Transport {
	return &Transport{hosts: map[string]*host{}}
}

func (t *Transport) hostFor(u shell.URL) *host {
	h, ok := t.hosts[u.Host]
	if !ok {
		h = newHost()
		t.hosts[u.Host] = h
	}
	return h
}

// CreateSubvolume seeds a subvolume, creating test preconditions such as
// the source volume and the destination container.
func (t *Transport) CreateSubvolume(u shell.URL, p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.hostFor(u)
	h.createSubvol(cleanPath(p))
}

// DeleteSubvolume removes a subvolume directly, bypassing the command
// surface, to set up inconsistent states.
func (t *Transport) DeleteSubvolume(u shell.URL, p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hostFor(u).subvols, cleanPath(p))
}

// Subvolumes returns the sorted subvolume paths of a host.
func (t *Transport) Subvolumes(u shell.URL) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.hostFor(u)
	out := make([]string, 0, len(h.subvols))
	for p := range h.subvols {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasSubvolume reports whether a subvolume exists on a host.
func (t *Transport) HasSubvolume(u shell.URL, p string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.hostFor(u).subvols[cleanPath(p)]
	return ok
}

// FileContent returns a file's bytes, if present.
func (t *Transport) FileContent(u shell.URL, p string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.hostFor(u).files[cleanPath(p)]
	return b, ok
}

func (h *host) createSubvol(p string) {
	h.subvols[p] = &subvol{id: h.nextID, gen: h.nextID, topLevel: 5}
	h.nextID++
}

func cleanPath(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimSuffix(path.Clean(p), "/")
}

// Command templates, matching exactly what the location and job packages
// emit. Test paths contain no shell metacharacters, so quoting never kicks
// in and plain tokens suffice.
var (
	reCreateIfMissing = regexp.MustCompile(`^if \[ ! -d (\S+) \] ; then btrfs sub create (\S+); fi$`)
	reShow            = regexp.MustCompile(`^btrfs sub show (\S+)$`)
	reTempCleanup     = regexp.MustCompile(`^cd (\S+) && for t in (\.temp\.)\* ; do if \[ -d "\$t" \] ; then btrfs sub del "\$t"; fi; done$`)
	reList            = regexp.MustCompile(`^btrfs sub list -o (\S+)$`)
	reSnap            = regexp.MustCompile(`^touch (\S+) && btrfs sub snap -r (\S+) (\S+) && sync$`)
	reMove            = regexp.MustCompile(`^mv (\S+) (\S+)$`)
	reDelIfExists     = regexp.MustCompile(`^if \[ -d (\S+) \] ; then btrfs sub del (\S+); fi$`)
	reBatchDel        = regexp.MustCompile(`^cd (\S+) && btrfs sub del (.+)$`)
	reHasFile         = regexp.MustCompile(`^if \[ -f (\S+) \] ; then exit 10; fi$`)
	reCatWrite        = regexp.MustCompile(`^cat > (\S+)$`)
	reCatRead         = regexp.MustCompile(`^cat (\S+)$`)
	reRm              = regexp.MustCompile(`^rm (\S+)$`)
	reType            = regexp.MustCompile(`^type (\S+)$`)
	reSend            = regexp.MustCompile(`^btrfs send (?:-p (\S+) )?(\S+?)( \| lzop -1)?$`)
	reRecv            = regexp.MustCompile(`^(lzop -d \| )?btrfs receive (\S+)$`)
)

func fail(cmd, format string, args ...any) error {
	return &shell.CommandError{Cmd: cmd, ExitCode: 1, Stderr: fmt.Sprintf(format, args...)}
}

// CheckOutput interprets one command line against the addressed host.
func (t *Transport) CheckOutput(_ context.Context, u shell.URL, cmd string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Commands = append(t.Commands, cmd)
	h := t.hostFor(u)

	switch {
	case reCreateIfMissing.MatchString(cmd):
		m := reCreateIfMissing.FindStringSubmatch(cmd)
		p := cleanPath(m[1])
		if _, ok := h.subvols[p]; !ok {
			h.createSubvol(p)
		}
		return nil, nil

	case reShow.MatchString(cmd):
		m := reShow.FindStringSubmatch(cmd)
		if _, ok := h.subvols[cleanPath(m[1])]; !ok {
			return nil, fail(cmd, "ERROR: not a subvolume: %s", m[1])
		}
		return nil, nil

	case reTempCleanup.MatchString(cmd):
		m := reTempCleanup.FindStringSubmatch(cmd)
		container, prefix := cleanPath(m[1]), m[2]
		for p := range h.subvols {
			if path.Dir(p) == container && strings.HasPrefix(path.Base(p), prefix) {
				delete(h.subvols, p)
			}
		}
		return nil, nil

	case reList.MatchString(cmd):
		m := reList.FindStringSubmatch(cmd)
		container := cleanPath(m[1])
		if _, ok := h.subvols[container]; !ok {
			return nil, fail(cmd, "ERROR: can't access %s", m[1])
		}
		var children []string
		for p := range h.subvols {
			if path.Dir(p) == container {
				children = append(children, p)
			}
		}
		sort.Strings(children)
		var b bytes.Buffer
		for _, p := range children {
			sv := h.subvols[p]
			fmt.Fprintf(&b, "ID %d gen %d top level %d path %s\n", sv.id, sv.gen, sv.topLevel, strings.TrimPrefix(p, "/"))
		}
		return b.Bytes(), nil

	case reSnap.MatchString(cmd):
		m := reSnap.FindStringSubmatch(cmd)
		src, dst := cleanPath(m[2]), cleanPath(m[3])
		if _, ok := h.subvols[src]; !ok {
			return nil, fail(cmd, "ERROR: not a subvolume: %s", m[2])
		}
		if _, ok := h.subvols[dst]; ok {
			return nil, fail(cmd, "ERROR: target exists: %s", m[3])
		}
		h.createSubvol(dst)
		h.subvols[dst].readonly = true
		return nil, nil

	case reMove.MatchString(cmd):
		m := reMove.FindStringSubmatch(cmd)
		src, dst := cleanPath(m[1]), cleanPath(m[2])
		sv, ok := h.subvols[src]
		if !ok {
			return nil, fail(cmd, "mv: cannot stat %s", m[1])
		}
		if _, exists := h.subvols[dst]; exists {
			return nil, fail(cmd, "mv: target exists: %s", m[2])
		}
		delete(h.subvols, src)
		h.subvols[dst] = sv
		return nil, nil

	case reDelIfExists.MatchString(cmd):
		m := reDelIfExists.FindStringSubmatch(cmd)
		delete(h.subvols, cleanPath(m[1]))
		return nil, nil

	case reBatchDel.MatchString(cmd):
		m := reBatchDel.FindStringSubmatch(cmd)
		container := cleanPath(m[1])
		for _, name := range strings.Fields(m[2]) {
			p := path.Join(container, name)
			if _, ok := h.subvols[p]; !ok {
				return nil, fail(cmd, "ERROR: not a subvolume: %s", p)
			}
			delete(h.subvols, p)
		}
		return nil, nil

	case reCatRead.MatchString(cmd):
		m := reCatRead.FindStringSubmatch(cmd)
		b, ok := h.files[cleanPath(m[1])]
		if !ok {
			return nil, fail(cmd, "cat: %s: No such file or directory", m[1])
		}
		return b, nil

	case reRm.MatchString(cmd):
		m := reRm.FindStringSubmatch(cmd)
		p := cleanPath(m[1])
		if _, ok := h.files[p]; !ok {
			return nil, fail(cmd, "rm: cannot remove %s", m[1])
		}
		delete(h.files, p)
		return nil, nil
	}

	return nil, fail(cmd, "shelltest: unsupported command")
}

// Call interprets exit-code probes.
func (t *Transport) Call(_ context.Context, u shell.URL, cmd string) (int, error) {
	t.mu.Lock()
	t.Commands = append(t.Commands, cmd)
	h := t.hostFor(u)

	if m := reHasFile.FindStringSubmatch(cmd); m != nil {
		_, ok := h.files[cleanPath(m[1])]
		t.mu.Unlock()
		if ok {
			return 10, nil
		}
		return 0, nil
	}
	if m := reType.FindStringSubmatch(cmd); m != nil {
		havePV := t.HavePV
		t.mu.Unlock()
		if m[1] == "pv" && havePV {
			return 0, nil
		}
		return 1, nil
	}
	t.mu.Unlock()

	if _, err := t.CheckOutput(context.Background(), u, cmd); err != nil {
		return 1, nil
	}
	return 0, nil
}

// Input handles commands fed from stdin (configuration writes).
func (t *Transport) Input(_ context.Context, u shell.URL, cmd string, stdin []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Commands = append(t.Commands, cmd)
	h := t.hostFor(u)

	if m := reCatWrite.FindStringSubmatch(cmd); m != nil {
		h.files[cleanPath(m[1])] = append([]byte(nil), stdin...)
		return nil
	}
	return fail(cmd, "shelltest: unsupported input command")
}

// streamPayload stands in for a btrfs send stream.
type streamPayload struct {
	Name       string `json:"name"`
	Parent     string `json:"parent,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Start serves the pipeline: send, receive, and optionally pv.
func (t *Transport) Start(_ context.Context, u shell.URL, cmd string) (shell.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Commands = append(t.Commands, cmd)
	h := t.hostFor(u)

	if m := reSend.FindStringSubmatch(cmd); m != nil {
		parent, src, compressed := m[1], cleanPath(m[2]), m[3] != ""
		if _, ok := h.subvols[src]; !ok {
			return &sendProcess{err: fail(cmd, "ERROR: not a subvolume: %s", src)}, nil
		}
		parentBase := ""
		if parent != "" {
			if _, ok := h.subvols[cleanPath(parent)]; !ok {
				return &sendProcess{err: fail(cmd, "ERROR: not a subvolume: %s", parent)}, nil
			}
			parentBase = path.Base(cleanPath(parent))
		}
		payload, _ := json.Marshal(streamPayload{
			Name:       path.Base(src),
			Parent:     parentBase,
			Compressed: compressed,
		})
		return &sendProcess{out: bytes.NewReader(payload)}, nil
	}

	if m := reRecv.FindStringSubmatch(cmd); m != nil {
		return &recvProcess{
			t:          t,
			host:       h,
			cmd:        cmd,
			container:  cleanPath(m[2]),
			compressed: m[1] != "",
			done:       make(chan struct{}),
		}, nil
	}

	if cmd == "pv" {
		r, w := io.Pipe()
		return &pvProcess{r: r, w: w}, nil
	}

	return nil, fail(cmd, "shelltest: unsupported pipeline command")
}

// sendProcess emits the fake stream payload, or fails on Wait.
type sendProcess struct {
	out io.Reader
	err error
}

func (p *sendProcess) Stdout() io.Reader {
	if p.out == nil {
		return bytes.NewReader(nil)
	}
	return p.out
}
func (p *sendProcess) Stdin() io.WriteCloser { return nopWriteCloser{} }
func (p *sendProcess) Wait() error           { return p.err }
func (p *sendProcess) Kill()                 {}

// recvProcess collects the stream and applies it when stdin closes.
type recvProcess struct {
	t          *Transport
	host       *host
	cmd        string
	container  string
	compressed bool

	buf  bytes.Buffer
	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (p *recvProcess) Stdout() io.Reader     { return bytes.NewReader(nil) }
func (p *recvProcess) Stdin() io.WriteCloser { return p }

func (p *recvProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *recvProcess) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.err = p.apply()
		close(p.done)
	})
	return nil
}

func (p *recvProcess) apply() error {
	if p.t.FailReceive {
		return fail(p.cmd, "ERROR: injected receive failure")
	}
	var payload streamPayload
	if err := json.Unmarshal(p.buf.Bytes(), &payload); err != nil {
		return fail(p.cmd, "ERROR: unexpected EOF in stream")
	}
	if payload.Compressed != p.compressed {
		return fail(p.cmd, "ERROR: stream is garbage (compression mismatch)")
	}

	p.t.mu.Lock()
	defer p.t.mu.Unlock()

	if payload.Parent != "" {
		parentPath := path.Join(p.container, payload.Parent)
		if _, ok := p.host.subvols[parentPath]; !ok {
			return fail(p.cmd, "ERROR: cannot find parent subvolume %s", parentPath)
		}
	}
	if _, ok := p.host.subvols[p.container]; !ok {
		return fail(p.cmd, "ERROR: %s is not a subvolume", p.container)
	}

	target := path.Join(p.container, payload.Name)
	if _, ok := p.host.subvols[target]; ok {
		return fail(p.cmd, "ERROR: %s already exists", target)
	}
	p.host.createSubvol(target)
	p.host.subvols[target].readonly = true
	return nil
}

func (p *recvProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *recvProcess) Kill() {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.err = fail(p.cmd, "killed")
		close(p.done)
	})
}

// pvProcess pipes stdin to stdout, like pv without the meter.
type pvProcess struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pvProcess) Stdout() io.Reader     { return p.r }
func (p *pvProcess) Stdin() io.WriteCloser { return p.w }
func (p *pvProcess) Wait() error           { return nil }
func (p *pvProcess) Kill()                 { _ = p.w.Close(); _ = p.r.Close() }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }
