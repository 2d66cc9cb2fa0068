package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/google/renameio"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/alloy"
	"github.com/t7a/alloy/fuse"
)

func init() {
	alloy.SetupLogging()
}

const usage = `alloy

Usage:
  alloy pack [-w] [-j <n>] <dir> <archive>
  alloy unpack <archive> <dir>
  alloy ls [-r] <archive> [<namespace>]
  alloy cat <archive> <resource>
  alloy manifest <archive> [<name>]
  alloy mount <archive> <mountpoint>

Options:
  -h --help     Show this screen.
  --version     Show version.
  -w            Keep watching the directory and repack on change.
  -j <n>        Number of concurrent producers [default: 4].
  -r            List every entry below the namespace.
`

type Opts struct {
	Pack       bool
	Unpack     bool
	Ls         bool
	Cat        bool
	Manifest   bool
	Mount      bool
	Watch      bool   `docopt:"-w"`
	Jobs       string `docopt:"-j"`
	Recursive  bool   `docopt:"-r"`
	Dir        string
	Archive    string
	Namespace  string
	Resource   string
	Name       string
	Mountpoint string
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], alloy.Version)
	if err != nil {
		return 64
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Pack:
		jobs, err := strconv.Atoi(opts.Jobs)
		if err != nil || jobs < 1 {
			log.Errorf("invalid -j %q", opts.Jobs)
			return 22
		}
		if opts.Watch {
			err = watch(opts.Dir, opts.Archive, jobs)
		} else {
			var count int
			count, err = pack(opts.Dir, opts.Archive, jobs)
			if err == nil {
				fmt.Printf("packed %d resources into %s\n", count, opts.Archive)
			}
		}
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Unpack:
		count, err := unpack(opts.Archive, opts.Dir)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("unpacked %d resources into %s\n", count, opts.Dir)
	case opts.Ls:
		names, err := ls(opts.Archive, opts.Namespace, opts.Recursive)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, name := range names {
			fmt.Println(name)
		}
	case opts.Cat:
		err := cat(opts.Archive, opts.Resource, os.Stdout)
		if err != nil {
			log.Error(err)
			if alloy.IsNotFound(err) {
				return 2
			}
			return 42
		}
	case opts.Manifest:
		m, err := manifest(opts.Archive)
		if err != nil {
			log.Error(err)
			return 42
		}
		if opts.Name != "" {
			value := m.Get(opts.Name)
			if value == "" {
				log.Errorf("no %s attribute in %s", opts.Name, opts.Archive)
				return 2
			}
			fmt.Println(value)
			break
		}
		for _, attr := range m {
			fmt.Printf("%s: %s\n", attr.Name, attr.Value)
		}
	case opts.Mount:
		err := mount(opts.Archive, opts.Mountpoint)
		if err != nil {
			log.Error(err)
			return 42
		}
	}
	return 0
}

// openReader opens archive and positions a reader at namespace.
func openReader(archive, namespace string) (a *alloy.Alloy, rd *alloy.Reader, err error) {
	a = alloy.New(archive)
	rd, err = a.Reader()
	if err != nil {
		return nil, nil, err
	}
	for _, seg := range alloy.ParsePath(namespace).Segments() {
		rd = rd.Within(seg)
	}
	return
}

func ls(archive, namespace string, recursive bool) (names []string, err error) {
	a, rd, err := openReader(archive, namespace)
	if err != nil {
		return
	}
	defer a.Close()
	if !recursive {
		entries, err := rd.List()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
		return names, nil
	}
	err = rd.Walk(func(e alloy.Entry) error {
		names = append(names, e.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// archive order depends on which producer committed first
	sort.Strings(names)
	return
}

func cat(archive, resource string, out io.Writer) (err error) {
	ns, name, err := alloy.SplitPath(resource)
	if err != nil {
		return
	}
	a, rd, err := openReader(archive, ns.String())
	if err != nil {
		return
	}
	defer a.Close()
	rc, err := rd.Resource(name)
	if err != nil {
		return
	}
	defer rc.Close()
	_, err = io.Copy(out, rc)
	return
}

func manifest(archive string) (m alloy.Manifest, err error) {
	a, rd, err := openReader(archive, "")
	if err != nil {
		return
	}
	defer a.Close()
	return rd.Manifest()
}

// unpack extracts every entry of archive below dir.  Each file is
// written with renameio so an interrupted unpack never leaves a
// half-written file behind.
func unpack(archive, dir string) (count int, err error) {
	defer Return(&err)
	a, rd, err := openReader(archive, "")
	Ck(err)
	defer a.Close()

	err = rd.Walk(func(e alloy.Entry) (err error) {
		defer Return(&err)
		dst, err := within(dir, e.Name)
		Ck(err)
		if e.Dir {
			return os.MkdirAll(dst, 0755)
		}
		rc, err := rd.Resource(e.Name)
		Ck(err)
		defer rc.Close()
		buf, err := ioutil.ReadAll(rc)
		Ck(err)
		err = os.MkdirAll(filepath.Dir(dst), 0755)
		Ck(err)
		err = renameio.WriteFile(dst, buf, 0644)
		Ck(err)
		count++
		log.Debugf("unpacked %s", dst)
		return
	})
	Ck(err)
	return
}

// within joins an entry name onto dir, refusing names that would land
// outside it.
func within(dir, name string) (dst string, err error) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes %s", name, dir)
	}
	return filepath.Join(dir, rel), nil
}

func mount(archive, mountpoint string) (err error) {
	defer Return(&err)

	a, rd, err := openReader(archive, "")
	Ck(err)
	defer a.Close()

	server, err := fuse.Serve(rd, mountpoint)
	Ck(err)
	// unmount on exit
	defer umount(server)

	// unmount on SIGINT or SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		umount(server)
	}()

	server.Wait()
	return
}

func umount(server *gofuse.Server) {
	if server != nil {
		server.Unmount()
	}
}
