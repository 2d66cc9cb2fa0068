package fuse

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/alloy"
)

const testDirPrefix = "alloy_fuse"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func put(w *alloy.Writer, name, content string) {
	sink := w.Resource(name)
	_, err := sink.WriteString(content)
	Ck(err)
	err = sink.Close()
	Ck(err)
}

// setup writes a small archive and opens a reader on it.
func setup(t *testing.T) (a *alloy.Alloy, rd *alloy.Reader) {
	var dir string
	var err error
	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}

	a = alloy.New(filepath.Join(dir, "view.jar"))
	root, err := a.Writer()
	Ck(err)
	models, err := root.Within("models")
	Ck(err)
	v1, err := models.Within("v1")
	Ck(err)
	put(v1, "notes.txt", "first notes")
	put(models, "weights.bin", "0123456789")
	put(root, "data/a.csv", "1,2\n")
	put(root, "dup", "first")
	put(root, "dup", "second")
	err = a.Close()
	Ck(err)

	rd, err = a.Reader()
	Ck(err)
	return
}

func lookup(t *testing.T, top *fs.Inode, path ...string) *fs.Inode {
	t.Helper()
	n := top
	for _, name := range path {
		n = n.GetChild(name)
		tassert(t, n != nil, "%v: no %s", path, name)
	}
	return n
}

func TestTree(t *testing.T) {
	a, rd := setup(t)
	defer a.Close()

	root := NewRoot(rd).(*rootNode)
	// builds the bridge and runs OnAdd without mounting
	fs.NewNodeFS(root, &fs.Options{})
	top := &root.Inode

	tassert(t, lookup(t, top, "models").IsDir(), "models is not a directory")
	tassert(t, lookup(t, top, "models", "v1").IsDir(), "v1 is not a directory")
	tassert(t, lookup(t, top, "data").IsDir(), "implied namespace data missing")
	tassert(t, lookup(t, top, "META-INF", "MANIFEST.MF").Mode() == syscall.S_IFREG, "manifest missing")

	d := lookup(t, top, "models").Operations().(*dirNode)
	tassert(t, !d.mtime.IsZero(), "models marker time lost")

	names := map[string]bool{}
	for name := range top.Children() {
		names[name] = true
	}
	expect := []string{"META-INF", "models", "data", "dup"}
	tassert(t, len(names) == len(expect), "root children %v", names)
	for _, name := range expect {
		tassert(t, names[name], "root has no %s: %v", name, names)
	}
}

func TestFile(t *testing.T) {
	a, rd := setup(t)
	defer a.Close()
	root := NewRoot(rd).(*rootNode)
	fs.NewNodeFS(root, &fs.Options{})
	ctx := context.Background()

	f := lookup(t, &root.Inode, "models", "weights.bin").Operations().(*fileNode)
	var attr fuse.AttrOut
	errno := f.Getattr(ctx, nil, &attr)
	tassert(t, errno == 0, "Getattr: %v", errno)
	tassert(t, attr.Size == 10, "size %d", attr.Size)
	tassert(t, attr.Mode == 0444, "mode %o", attr.Mode)

	_, _, errno = f.Open(ctx, syscall.O_WRONLY)
	tassert(t, errno == syscall.EROFS, "write open: %v", errno)
	_, flags, errno := f.Open(ctx, syscall.O_RDONLY)
	tassert(t, errno == 0, "Open: %v", errno)
	tassert(t, flags&fuse.FOPEN_KEEP_CACHE != 0, "flags %x", flags)

	buf := make([]byte, 4)
	res, errno := f.Read(ctx, nil, buf, 3)
	tassert(t, errno == 0, "Read: %v", errno)
	got, _ := res.Bytes(buf)
	tassert(t, string(got) == "3456", "read %q", got)

	res, errno = f.Read(ctx, nil, buf, 8)
	tassert(t, errno == 0, "Read: %v", errno)
	got, _ = res.Bytes(buf)
	tassert(t, string(got) == "89", "short read %q", got)

	res, errno = f.Read(ctx, nil, buf, 100)
	tassert(t, errno == 0, "Read past end: %v", errno)
	got, _ = res.Bytes(buf)
	tassert(t, len(got) == 0, "read past end %q", got)

	dup := lookup(t, &root.Inode, "dup").Operations().(*fileNode)
	res, errno = dup.Read(ctx, nil, make([]byte, 16), 0)
	tassert(t, errno == 0, "Read: %v", errno)
	got, _ = res.Bytes(nil)
	tassert(t, string(got) == "first", "duplicate resolved to %q", got)
}

// Reads through a stale reader fail with EIO instead of crashing the
// server.
func TestStaleReader(t *testing.T) {
	a, rd := setup(t)
	root := NewRoot(rd).(*rootNode)
	fs.NewNodeFS(root, &fs.Options{})
	f := lookup(t, &root.Inode, "models", "v1", "notes.txt").Operations().(*fileNode)
	tassert(t, a.Close() == nil, "Close")

	_, _, errno := f.Open(context.Background(), syscall.O_RDONLY)
	tassert(t, errno == syscall.EIO, "open through closed archive: %v", errno)
}

func TestMount(t *testing.T) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}
	a, rd := setup(t)
	defer a.Close()

	mnt := t.TempDir()
	server, err := Serve(rd, mnt)
	if err != nil {
		t.Skipf("cannot mount: %v", err)
	}
	defer server.Unmount()

	got, err := ioutil.ReadFile(filepath.Join(mnt, "models", "v1", "notes.txt"))
	tassert(t, err == nil, "%#v", err)
	tassert(t, bytes.Equal(got, []byte("first notes")), "got %q", got)

	err = ioutil.WriteFile(filepath.Join(mnt, "models", "weights.bin"), []byte("x"), 0644)
	tassert(t, err != nil, "write through read-only mount succeeded")
}
