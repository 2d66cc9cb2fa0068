// Package fuse serves a read-only filesystem view of an alloy archive:
// one directory per namespace and one file per resource.
package fuse

import (
	"context"
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/alloy"
)

type dirNode struct {
	fs.Inode
	mtime time.Time
}

var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (n *dirNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for name, child := range n.Children() {
		entries = append(entries, fuse.DirEntry{Mode: child.Mode(), Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	if !n.mtime.IsZero() {
		out.SetTimes(nil, &n.mtime, nil)
	}
	return 0
}

// root

type rootNode struct {
	dirNode
	rd *alloy.Reader
}

var _ = (fs.NodeOnAdder)((*rootNode)(nil))

// NewRoot returns the root node of a view of rd's namespace.  The
// directory tree is built from the archive's entry list when the node
// is added to a filesystem; resource content is not read until a file
// is opened.
func NewRoot(rd *alloy.Reader) fs.InodeEmbedder {
	return &rootNode{rd: rd}
}

func (root *rootNode) OnAdd(ctx context.Context) {
	err := root.rd.Walk(func(e alloy.Entry) error {
		root.add(ctx, e)
		return nil
	})
	if err != nil {
		log.Errorf("walk: %v", err)
	}
}

// add places e in the tree, creating any namespace it implies.  When
// the archive holds the same name twice the first entry wins, the
// same as for Reader.Resource.
func (root *rootNode) add(ctx context.Context, e alloy.Entry) {
	segs := strings.Split(strings.TrimSuffix(e.Name, "/"), "/")
	parent := &root.Inode
	for i, seg := range segs {
		last := i == len(segs)-1
		child := parent.GetChild(seg)
		switch {
		case child != nil && last && e.Dir:
			if d, ok := child.Operations().(*dirNode); ok && d.mtime.IsZero() {
				d.mtime = e.Modified
			}
			return
		case child != nil && last:
			log.Debugf("duplicate %s ignored", e.Name)
			return
		case child != nil:
			if !child.IsDir() {
				log.Debugf("%s shadowed by resource %s", e.Name, seg)
				return
			}
		case last && !e.Dir:
			child = parent.NewPersistentInode(ctx,
				&fileNode{
					rd:    root.rd,
					name:  e.Name,
					size:  uint64(e.Size),
					mtime: e.Modified,
				},
				fs.StableAttr{Mode: syscall.S_IFREG},
			)
			parent.AddChild(seg, child, false)
		default:
			d := &dirNode{}
			if last {
				d.mtime = e.Modified
			}
			child = parent.NewPersistentInode(ctx, d, fs.StableAttr{Mode: syscall.S_IFDIR})
			parent.AddChild(seg, child, false)
		}
		parent = child
	}
}

// file

type fileNode struct {
	fs.Inode
	rd    *alloy.Reader
	name  string // relative to rd
	size  uint64
	mtime time.Time

	once sync.Once
	data []byte
	err  error
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeReader)((*fileNode)(nil))

// load reads the whole resource the first time it is needed.
func (n *fileNode) load() ([]byte, error) {
	n.once.Do(func() {
		rc, err := n.rd.Resource(n.name)
		if err != nil {
			n.err = err
			return
		}
		defer rc.Close()
		n.data, n.err = ioutil.ReadAll(rc)
	})
	return n.data, n.err
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY) != 0 {
		return nil, 0, syscall.EROFS
	}
	_, err := n.load()
	if alloy.IsNotFound(err) {
		return nil, 0, syscall.ENOENT
	}
	if err != nil {
		log.Errorf("open %s: %v", n.name, err)
		return nil, 0, syscall.EIO
	}

	// The archive is immutable while mounted, so ask the kernel to cache the data.
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = n.size
	out.SetTimes(nil, &n.mtime, nil)
	return 0
}

func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	data, err := n.load()
	if err != nil {
		log.Errorf("read %s: %v", n.name, err)
		return nil, syscall.EIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// server

// Serve mounts a read-only view of rd at mnt.  The caller must keep
// the Alloy that rd came from open until the server is unmounted.
func Serve(rd *alloy.Reader, mnt string) (server *fuse.Server, err error) {
	defer Return(&err)
	opts := &fs.Options{}
	opts.Debug = os.Getenv("DEBUG") == "1"
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	server, err = fs.Mount(mnt, NewRoot(rd), opts)
	Ck(err)
	server.WaitMount()
	return
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
